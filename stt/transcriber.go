// Package stt turns one utterance of PCM16LE 16kHz mono audio into text.
package stt

import (
	"context"
	"fmt"
)

// Transcriber is the speech-to-text collaborator. Implementations must be
// safe for concurrent use by independent call sessions.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm16k []byte) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, pcm16k []byte) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, pcm16k []byte) (string, error) {
	return f(ctx, pcm16k)
}

// Mock answers with a fixed text, or a length summary when Text is empty.
type Mock struct {
	Text string
}

func (m Mock) Transcribe(_ context.Context, pcm16k []byte) (string, error) {
	if m.Text != "" {
		return m.Text, nil
	}
	return fmt.Sprintf("[utterance of %d bytes]", len(pcm16k)), nil
}

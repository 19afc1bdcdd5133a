// Package tts turns reply text into PCM16LE mono audio at 16kHz.
package tts

import (
	"context"
	"math"

	"github.com/mrsingh-rishi/voice-bridge/audio"
)

// Synthesizer speaks text. The returned audio is PCM16LE mono at
// audio.SpeechRate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Mock renders a quiet 440Hz tone, 60ms per character, capped at 3s.
type Mock struct{}

func (Mock) Synthesize(_ context.Context, text string) ([]byte, error) {
	n := len([]rune(text)) * audio.SpeechRate * 60 / 1000
	n = min(n, 3*audio.SpeechRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(2000 * math.Sin(2*math.Pi*440*float64(i)/audio.SpeechRate))
	}
	return audio.Bytes(samples), nil
}

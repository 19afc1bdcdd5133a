package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
)

// Whisper transcribes through the OpenAI audio transcription endpoint.
type Whisper struct {
	client *openai.Client
	model  string
	lang   string
	logger *zap.Logger
}

func NewWhisper(client *openai.Client, language string, logger *zap.Logger) (*Whisper, error) {
	if client == nil {
		return nil, errors.New("stt: openai client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Whisper{
		client: client,
		model:  openai.Whisper1,
		lang:   language,
		logger: logger.With(zap.String("component", "whisper")),
	}, nil
}

func (w *Whisper) Transcribe(ctx context.Context, pcm16k []byte) (string, error) {
	wav, err := audio.EncodeWAV(pcm16k, audio.SpeechRate)
	if err != nil {
		return "", err
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: w.lang,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("transcribed", zap.Int("pcm_bytes", len(pcm16k)), zap.Int("chars", len(text)))
	return text, nil
}

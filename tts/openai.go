package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
)

// openAIPCMRate is the fixed rate of the speech endpoint's "pcm" format.
const openAIPCMRate = 24000

// OpenAI synthesizes with the speech endpoint. Raw PCM is requested first;
// if that fails the MP3 rendition is decoded instead.
type OpenAI struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
	logger *zap.Logger
}

func NewOpenAI(client *openai.Client, logger *zap.Logger) (*OpenAI, error) {
	if client == nil {
		return nil, errors.New("tts: openai client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		client: client,
		model:  openai.TTSModel1,
		voice:  openai.VoiceAlloy,
		logger: logger.With(zap.String("component", "openai_tts")),
	}, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) ([]byte, error) {
	raw, err := o.speech(ctx, text, openai.SpeechResponseFormatPcm)
	if err == nil {
		return audio.Resample(raw, openAIPCMRate, audio.SpeechRate)
	}
	if ctx.Err() != nil {
		return nil, err
	}
	o.logger.Warn("pcm synthesis failed, falling back to mp3", zap.Error(err))

	mp3, err := o.speech(ctx, text, openai.SpeechResponseFormatMp3)
	if err != nil {
		return nil, err
	}
	return audio.DecodeMP3(bytes.NewReader(mp3), audio.SpeechRate)
}

func (o *OpenAI) speech(ctx context.Context, text string, format openai.SpeechResponseFormat) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech (%s): %w", format, err)
	}
	defer resp.Close()
	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read openai speech (%s): %w", format, err)
	}
	return body, nil
}

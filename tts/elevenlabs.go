package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
)

const (
	DefaultElevenLabsURL   = "https://api.elevenlabs.io"
	DefaultElevenLabsVoice = "JBFqnCBsd6RMkjVDRZzb"
	DefaultElevenLabsModel = "eleven_multilingual_v2"
)

// ElevenLabs synthesizes through the text-to-speech REST endpoint, asking for
// raw 16kHz PCM and falling back to MP3.
type ElevenLabs struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string

	httpClient *http.Client
	logger     *zap.Logger
}

func NewElevenLabs(apiKey, voiceID, modelID string, logger *zap.Logger) (*ElevenLabs, error) {
	if apiKey == "" {
		return nil, errors.New("tts: elevenlabs api key is required")
	}
	if voiceID == "" {
		voiceID = DefaultElevenLabsVoice
	}
	if modelID == "" {
		modelID = DefaultElevenLabsModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElevenLabs{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		ModelID:    modelID,
		BaseURL:    DefaultElevenLabsURL,
		httpClient: http.DefaultClient,
		logger:     logger.With(zap.String("component", "elevenlabs")),
	}, nil
}

type elevenLabsRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings map[string]float64 `json:"voice_settings"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	pcm, err := e.generate(ctx, text, "pcm_16000")
	if err == nil {
		return pcm, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	e.logger.Warn("pcm synthesis failed, falling back to mp3", zap.Error(err))

	mp3, err := e.generate(ctx, text, "mp3_44100_128")
	if err != nil {
		return nil, err
	}
	return audio.DecodeMP3(bytes.NewReader(mp3), audio.SpeechRate)
}

func (e *ElevenLabs) generate(ctx context.Context, text, format string) ([]byte, error) {
	base, err := url.Parse(fmt.Sprintf("%s/v1/text-to-speech/%s", e.BaseURL, url.PathEscape(e.VoiceID)))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs url: %w", err)
	}
	q := base.Query()
	q.Set("output_format", format)
	base.RawQuery = q.Encode()

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: e.ModelID,
		VoiceSettings: map[string]float64{
			"stability":        0.75,
			"similarity_boost": 0.7,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build elevenlabs request: %w", err)
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request (%s): %w", format, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs (%s): bad status %s: %s", format, resp.Status, bytes.TrimSpace(msg))
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read elevenlabs audio (%s): %w", format, err)
	}
	return out, nil
}

package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
)

// DefaultDeepgramURL is the live transcription endpoint.
const DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

const deepgramChunkBytes = 8000 // 250ms of PCM16 at 16kHz

// TranscriptionMessage is the subset of a Deepgram streaming response we use.
type TranscriptionMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Deepgram opens one streaming session per utterance: it sends the audio,
// closes the stream and joins the final transcripts.
type Deepgram struct {
	APIKey   string
	Endpoint string
	Model    string
	Language string

	dialer *gws.Dialer
	logger *zap.Logger
}

func NewDeepgram(apiKey string, logger *zap.Logger) (*Deepgram, error) {
	if apiKey == "" {
		return nil, errors.New("stt: deepgram api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deepgram{
		APIKey:   apiKey,
		Endpoint: DefaultDeepgramURL,
		Model:    "nova-2-phonecall",
		Language: "en-US",
		dialer:   gws.DefaultDialer,
		logger:   logger.With(zap.String("component", "deepgram")),
	}, nil
}

func (dg *Deepgram) listenURL() (string, error) {
	u, err := url.Parse(dg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", dg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprint(audio.SpeechRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if dg.Language != "" {
		q.Set("language", dg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (dg *Deepgram) Transcribe(ctx context.Context, pcm16k []byte) (string, error) {
	endpoint, err := dg.listenURL()
	if err != nil {
		return "", err
	}
	header := http.Header{
		"Authorization": {fmt.Sprintf("Token %s", dg.APIKey)},
	}
	conn, _, err := dg.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return "", fmt.Errorf("deepgram dial: %w", err)
	}
	defer conn.Close()

	// Unblocks reads and writes once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for start := 0; start < len(pcm16k); start += deepgramChunkBytes {
		end := min(start+deepgramChunkBytes, len(pcm16k))
		if err := conn.WriteMessage(gws.BinaryMessage, pcm16k[start:end]); err != nil {
			return "", dg.fail(ctx, "deepgram write", err)
		}
	}
	if err := conn.WriteMessage(gws.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", dg.fail(ctx, "deepgram close stream", err)
	}

	var parts []string
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				break
			}
			return "", dg.fail(ctx, "deepgram read", err)
		}

		var msg TranscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			dg.logger.Debug("unparseable deepgram message", zap.Error(err))
			continue
		}
		if msg.Type == "Metadata" {
			break
		}
		if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (dg *Deepgram) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

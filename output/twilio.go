package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/model"
	"github.com/mrsingh-rishi/voice-bridge/twilio"
)

const (
	// FrameBytes is 20ms of PCM16 at 8kHz (160 samples).
	FrameBytes = 320
	// FrameInterval is the real-time cadence Twilio plays frames at.
	FrameInterval = 20 * time.Millisecond
	// MaxOutboundBytes caps one reply at ~30s of PCM16 at 8kHz.
	MaxOutboundBytes = 480000
	// EndOfUtterance names the mark sent after the last frame of a reply.
	EndOfUtterance = "assistant_done"
)

var (
	// ErrMissingStreamContext means Stream was called before the transport
	// assigned a stream identifier.
	ErrMissingStreamContext = errors.New("output: stream sid is required to send media")
	// ErrTransportSend wraps a failed frame write; remaining frames were dropped.
	ErrTransportSend = errors.New("output: transport send failed")
)

// Sink is the write side of a transport connection.
type Sink interface {
	WriteJSON(v interface{}) error
}

// TwilioOutput paces synthesized speech onto a Media Streams socket. It holds
// no per-call state and can be shared by sessions.
type TwilioOutput struct {
	interval time.Duration
	maxBytes int
	markName string
	logger   *zap.Logger
	metrics  *metrics.Collector
}

type Option func(*TwilioOutput)

func WithFrameInterval(d time.Duration) Option { return func(o *TwilioOutput) { o.interval = d } }

func WithMaxBytes(n int) Option { return func(o *TwilioOutput) { o.maxBytes = n } }

func WithMarkName(name string) Option { return func(o *TwilioOutput) { o.markName = name } }

func WithMetrics(c *metrics.Collector) Option { return func(o *TwilioOutput) { o.metrics = c } }

func NewTwilioOutput(logger *zap.Logger, opts ...Option) *TwilioOutput {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &TwilioOutput{
		interval: FrameInterval,
		maxBytes: MaxOutboundBytes,
		markName: EndOfUtterance,
		logger:   logger.With(zap.String("component", "twilio_output")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stream sends pcm16k (PCM16LE, 16kHz mono) to sink as paced µ-law frames
// followed by an end-of-utterance mark, and returns the number of frames sent.
//
// A failed frame write stops the reply; the mark is still attempted and the
// returned error wraps ErrTransportSend. Cancelling ctx stops between frames
// without a mark.
func (o *TwilioOutput) Stream(ctx context.Context, sink Sink, pcm16k []byte, streamSid string) (int, error) {
	if streamSid == "" {
		return 0, ErrMissingStreamContext
	}
	if len(pcm16k) == 0 {
		o.logger.Warn("empty audio, nothing to stream", zap.String("stream_sid", streamSid))
		return 0, nil
	}

	pcm8k, truncated := Clamp(audio.Downsample16kTo8k(pcm16k), o.maxBytes)
	if truncated {
		o.metrics.Truncated()
		o.logger.Info("reply audio truncated",
			zap.String("stream_sid", streamSid),
			zap.Int("max_bytes", o.maxBytes))
	}
	frames := Frames(pcm8k)

	var ticker *time.Ticker
	if o.interval > 0 {
		ticker = time.NewTicker(o.interval)
		defer ticker.Stop()
	}

	sent := 0
	var sendErr error
	for i, frame := range frames {
		if i > 0 {
			if err := o.wait(ctx, ticker); err != nil {
				return sent, err
			}
		} else if err := ctx.Err(); err != nil {
			return sent, err
		}

		msg := twilio.MediaMessage(model.Frame{StreamSid: streamSid, Payload: audio.EncodeMulaw(frame)})
		if err := sink.WriteJSON(msg); err != nil {
			sendErr = fmt.Errorf("%w: frame %d of %d: %v", ErrTransportSend, i+1, len(frames), err)
			break
		}
		sent++
		o.metrics.FrameSent()
	}

	if err := sink.WriteJSON(twilio.MarkMessage(streamSid, o.markName)); err != nil {
		o.logger.Debug("mark not delivered", zap.String("stream_sid", streamSid), zap.Error(err))
	}

	o.logger.Debug("reply streamed",
		zap.String("stream_sid", streamSid),
		zap.Int("frames", sent),
		zap.Int("planned", len(frames)))
	return sent, sendErr
}

func (o *TwilioOutput) wait(ctx context.Context, ticker *time.Ticker) error {
	if err := ctx.Err(); err != nil || ticker == nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
		return nil
	}
}

// Clamp truncates pcm8k to limit bytes and reports whether it did.
func Clamp(pcm8k []byte, limit int) ([]byte, bool) {
	if limit > 0 && len(pcm8k) > limit {
		return pcm8k[:limit], true
	}
	return pcm8k, false
}

// Frames slices pcm8k into consecutive FrameBytes frames. A trailing partial
// frame is dropped; Twilio only accepts whole frames.
func Frames(pcm8k []byte) [][]byte {
	n := len(pcm8k) / FrameBytes
	frames := make([][]byte, n)
	for i := 0; i < n; i++ {
		frames[i] = pcm8k[i*FrameBytes : (i+1)*FrameBytes]
	}
	return frames
}

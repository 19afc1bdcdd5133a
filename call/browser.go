package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/pipeline"
)

const (
	// BrowserChunkBytes is the size of each binary audio message sent back.
	BrowserChunkBytes = 16000
	// BrowserChunkGap separates consecutive audio messages.
	BrowserChunkGap = 10 * time.Millisecond
)

// BrowserConn is the development socket: raw PCM16LE 16kHz in both directions.
type BrowserConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// BrowserSession serves the browser test client. Binary messages are caller
// audio; each turn answers with the reply text followed by its audio.
// Audio received while a turn runs is kept for the next utterance.
type BrowserSession struct {
	id      string
	conn    BrowserConn
	deps    Deps
	cfg     Config
	acc     *audio.Accumulator
	gap     time.Duration
	logger  *zap.Logger
	metrics *metrics.Collector

	writeMu sync.Mutex
}

// NewBrowserSession binds a session to one /ws socket.
func NewBrowserSession(conn BrowserConn, deps Deps, cfg Config) (*BrowserSession, error) {
	if conn == nil || deps.Pipeline == nil {
		return nil, errors.New("call: conn and pipeline are required")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &BrowserSession{
		id:      id,
		conn:    conn,
		deps:    deps,
		cfg:     cfg,
		acc:     audio.NewAccumulator(cfg.Silence, cfg.MaxBufferBytes, audio.WithClock(cfg.Now)),
		gap:     BrowserChunkGap,
		logger:  logger.With(zap.String("component", "browser_session"), zap.String("session_id", id)),
		metrics: deps.Metrics,
	}, nil
}

func (b *BrowserSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	b.metrics.SessionStarted("browser")
	defer b.metrics.SessionEnded()
	b.logger.Info("browser client connected")

	readCh := make(chan inboundFrame, 64)
	readDone := make(chan struct{})
	go readLoop(ctx, b.conn, readCh, readDone)
	defer closeAndDrain(cancel, b.conn, readDone)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	var (
		wg      sync.WaitGroup
		busy    bool
		results = make(chan string, 1)
	)
	defer wg.Wait()

	maybeProcess := func() {
		if busy || !b.acc.ShouldProcess() {
			return
		}
		utterance := b.acc.Consume()
		b.logger.Info("utterance complete", zap.Int("pcm_bytes", len(utterance)))
		busy = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- b.runTurn(ctx, utterance)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			b.acc.Reset()
			return ctx.Err()

		case frame := <-readCh:
			if frame.err != nil {
				b.logger.Info("browser client disconnected", zap.Error(frame.err))
				cancel()
				b.acc.Reset()
				return nil
			}
			if frame.kind != gws.BinaryMessage || len(frame.data) == 0 {
				continue
			}
			b.acc.AddChunk(frame.data)
			b.metrics.InboundFrame()
			maybeProcess()

		case outcome := <-results:
			busy = false
			b.metrics.Turn(outcome)
			maybeProcess()

		case <-ticker.C:
			maybeProcess()
		}
	}
}

func (b *BrowserSession) runTurn(ctx context.Context, utterance []byte) string {
	res, err := b.deps.Pipeline.RunTurn(ctx, utterance)
	switch {
	case errors.Is(err, pipeline.ErrNothingHeard):
		return metrics.OutcomeNothing
	case ctx.Err() != nil:
		return metrics.OutcomeCancelled
	case err != nil:
		b.logger.Warn("turn failed", zap.Error(err))
		return metrics.OutcomeFailed
	}

	if err := b.write(gws.TextMessage, []byte(res.Reply)); err != nil {
		b.logger.Warn("reply text not sent", zap.Error(err))
		return metrics.OutcomeSendAborted
	}
	for start := 0; start < len(res.Audio); start += BrowserChunkBytes {
		if start > 0 {
			select {
			case <-ctx.Done():
				return metrics.OutcomeCancelled
			case <-time.After(b.gap):
			}
		}
		end := min(start+BrowserChunkBytes, len(res.Audio))
		if err := b.write(gws.BinaryMessage, res.Audio[start:end]); err != nil {
			b.logger.Warn("reply audio aborted", zap.Error(err))
			return metrics.OutcomeSendAborted
		}
	}
	return metrics.OutcomeOK
}

func (b *BrowserSession) write(kind int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(kind, data)
}

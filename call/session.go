// Package call runs one conversation per stream socket: it segments caller
// audio into utterances, runs each through the pipeline and plays the reply.
package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/audio"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/model"
	"github.com/mrsingh-rishi/voice-bridge/output"
	"github.com/mrsingh-rishi/voice-bridge/pipeline"
	"github.com/mrsingh-rishi/voice-bridge/twilio"
)

const (
	DefaultListenWindow = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Conn is the stream socket. Both fiber and gorilla connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Turner runs turns; *pipeline.Pipeline implements it.
type Turner interface {
	RunTurn(ctx context.Context, pcm16k []byte) (pipeline.Result, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

// Streamer plays synthesized audio; *output.TwilioOutput implements it.
type Streamer interface {
	Stream(ctx context.Context, sink output.Sink, pcm16k []byte, streamSid string) (int, error)
}

// Deps are the collaborators a session drives; Output is unused by the
// browser session.
type Deps struct {
	Pipeline Turner
	Output   Streamer
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// Config tunes turn segmentation. Zero values take the package defaults.
type Config struct {
	Silence        time.Duration
	MaxBufferBytes int
	// ListenWindow ends a turn that has buffered audio for this long even when
	// the caller never paused. Twilio keeps sending frames during silence, so
	// the silence trigger alone rarely fires on a phone call.
	ListenWindow time.Duration
	PollInterval time.Duration
	// Greeting is spoken once the stream starts, before the first turn.
	Greeting string
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ListenWindow == 0 {
		c.ListenWindow = DefaultListenWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// State is the session's position in the turn cycle.
type State int32

const (
	StateAwaitingStart State = iota
	StateListening
	StateProcessing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type inboundFrame struct {
	kind int
	data []byte
	err  error
}

type turnJob struct {
	utterance model.AudioChunk
	greeting  string
}

// Session is one Twilio Media Streams call. The accumulator and turn state
// belong to the Run goroutine; only State and StreamSid are safe elsewhere.
type Session struct {
	id   string
	conn Conn
	sink *lockedSink
	deps Deps
	cfg  Config
	acc  *audio.Accumulator

	logger  *zap.Logger
	metrics *metrics.Collector

	state atomic.Int32
	mu    sync.Mutex
	sid   string
	call  string
}

// NewSession binds a session to one Twilio stream socket. Run must be called
// exactly once.
func NewSession(conn Conn, deps Deps, cfg Config) (*Session, error) {
	if conn == nil || deps.Pipeline == nil || deps.Output == nil {
		return nil, errors.New("call: conn, pipeline and output are required")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		sink:    &lockedSink{conn: conn},
		deps:    deps,
		cfg:     cfg,
		acc:     audio.NewAccumulator(cfg.Silence, cfg.MaxBufferBytes, audio.WithClock(cfg.Now)),
		logger:  logger.With(zap.String("component", "call_session"), zap.String("session_id", id)),
		metrics: deps.Metrics,
	}, nil
}

// ID is the session's uuid, logged as session_id.
func (s *Session) ID() string { return s.id }

// State is safe to call from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

func (s *Session) CallSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *Session) setStream(streamSid, callSid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sid = streamSid
	s.call = callSid
}

// Run serves the socket until the caller hangs up, the socket drops or ctx
// ends. Only those end a session; a failed turn returns to listening.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.metrics.SessionStarted("twilio")
	defer s.metrics.SessionEnded()
	s.logger.Info("stream socket connected")

	readCh := make(chan inboundFrame, 64)
	readDone := make(chan struct{})
	go readLoop(ctx, s.conn, readCh, readDone)
	defer closeAndDrain(cancel, s.conn, readDone)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var (
		wg          sync.WaitGroup
		turnCancel  context.CancelFunc
		results     = make(chan string, 1)
		windowStart time.Time
		logger      = s.logger
	)

	listen := func() {
		s.setState(StateListening)
		windowStart = s.cfg.Now()
	}

	startTurn := func(job turnJob) {
		s.setState(StateProcessing)
		var turnCtx context.Context
		turnCtx, turnCancel = context.WithCancel(ctx)
		turnLogger := logger
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.runTurn(turnCtx, turnLogger, job)
		}()
	}

	maybeProcess := func() {
		if s.State() != StateListening || s.acc.Empty() {
			return
		}
		windowDone := s.cfg.ListenWindow > 0 && s.cfg.Now().Sub(windowStart) >= s.cfg.ListenWindow
		if !s.acc.ShouldProcess() && !windowDone {
			return
		}
		utterance := s.acc.Consume()
		logger.Info("utterance complete", zap.Int("pcm_bytes", len(utterance)), zap.Bool("window", windowDone))
		startTurn(turnJob{utterance: utterance})
	}

	end := func(reason string) {
		if turnCancel != nil {
			turnCancel()
		}
		wg.Wait()
		select {
		case outcome := <-results:
			s.metrics.Turn(outcome)
		default:
		}
		s.acc.Reset()
		s.setState(StateEnded)
		logger.Info("session ended", zap.String("reason", reason))
	}

	for {
		select {
		case <-ctx.Done():
			wasProcessing := s.State() == StateProcessing
			end("shutdown")
			if sid := s.StreamSid(); wasProcessing && sid != "" {
				_ = s.sink.WriteJSON(twilio.ClearMessage(sid))
			}
			return ctx.Err()

		case frame := <-readCh:
			if frame.err != nil {
				logger.Info("stream socket closed", zap.Error(frame.err))
				end("disconnect")
				return nil
			}
			ev, err := twilio.ParseEvent(frame.data)
			if err != nil {
				s.metrics.MalformedEvent()
				logger.Debug("ignoring malformed event", zap.Error(err))
				continue
			}

			switch ev.Event {
			case twilio.EventConnected:
				logger.Debug("stream connected")

			case twilio.EventStart:
				if s.State() != StateAwaitingStart {
					logger.Warn("duplicate start event ignored")
					continue
				}
				s.setStream(ev.StreamID(), ev.CallSid())
				logger = logger.With(zap.String("stream_sid", ev.StreamID()), zap.String("call_sid", ev.CallSid()))
				logger.Info("stream started")
				if s.cfg.Greeting != "" {
					startTurn(turnJob{greeting: s.cfg.Greeting})
				} else {
					listen()
				}

			case twilio.EventMedia:
				if s.State() != StateListening || ev.Track() != model.TrackInbound {
					continue
				}
				codec, err := ev.MediaBytes()
				if err != nil {
					s.metrics.MalformedEvent()
					logger.Debug("ignoring media frame", zap.Error(err))
					continue
				}
				now := s.cfg.Now()
				if s.acc.Empty() && s.cfg.ListenWindow > 0 && now.Sub(windowStart) >= s.cfg.ListenWindow {
					windowStart = now
				}
				s.acc.AddChunk(audio.Upsample8kTo16k(audio.DecodeMulaw(codec)))
				s.metrics.InboundFrame()
				maybeProcess()

			case twilio.EventMark:
				if ev.Mark != nil {
					logger.Debug("playback mark reached", zap.String("mark", ev.Mark.Name))
				}

			case twilio.EventDTMF:
				if ev.DTMF != nil {
					logger.Info("dtmf received", zap.String("digit", ev.DTMF.Digit))
				}

			case twilio.EventStop:
				end("stop")
				return nil

			default:
				logger.Debug("unknown event", zap.String("event", ev.Event))
			}

		case outcome := <-results:
			wg.Wait()
			turnCancel()
			turnCancel = nil
			s.metrics.Turn(outcome)
			listen()

		case <-ticker.C:
			maybeProcess()
		}
	}
}

type messageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// readLoop forwards socket messages to out until a read fails or ctx ends,
// then closes done. The failing read is delivered too.
func readLoop(ctx context.Context, conn messageReader, out chan<- inboundFrame, done chan<- struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		kind, data, err := conn.ReadMessage()
		select {
		case out <- inboundFrame{kind: kind, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// closeAndDrain ends a session's socket: the conn must not be touched once
// the handler that owns it returns, so the reader is unblocked and awaited.
func closeAndDrain(cancel context.CancelFunc, conn io.Closer, readDone <-chan struct{}) {
	cancel()
	_ = conn.Close()
	<-readDone
}

// runTurn produces and plays one reply and reports the turn outcome.
func (s *Session) runTurn(ctx context.Context, logger *zap.Logger, job turnJob) string {
	var (
		pcm []byte
		err error
	)
	if job.greeting != "" {
		pcm, err = s.deps.Pipeline.Speak(ctx, job.greeting)
	} else {
		var res pipeline.Result
		res, err = s.deps.Pipeline.RunTurn(ctx, job.utterance)
		pcm = res.Audio
	}
	switch {
	case errors.Is(err, pipeline.ErrNothingHeard):
		logger.Debug("nothing heard")
		return metrics.OutcomeNothing
	case ctx.Err() != nil:
		return metrics.OutcomeCancelled
	case err != nil:
		logger.Warn("turn failed", zap.Error(err))
		return metrics.OutcomeFailed
	}

	sent, err := s.deps.Output.Stream(ctx, s.sink, pcm, s.StreamSid())
	switch {
	case ctx.Err() != nil:
		logger.Info("reply interrupted", zap.Int("frames", sent))
		return metrics.OutcomeCancelled
	case errors.Is(err, output.ErrTransportSend):
		logger.Warn("reply aborted", zap.Int("frames", sent), zap.Error(err))
		return metrics.OutcomeSendAborted
	case err != nil:
		logger.Warn("reply not played", zap.Error(err))
		return metrics.OutcomeFailed
	}
	logger.Info("reply played", zap.Int("frames", sent))
	return metrics.OutcomeOK
}

// lockedSink serializes writes; websocket connections allow one writer.
type lockedSink struct {
	mu   sync.Mutex
	conn interface{ WriteJSON(v interface{}) error }
}

func (l *lockedSink) WriteJSON(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(v)
}

// Package pipeline runs one conversational turn: transcribe an utterance,
// get a reply and synthesize it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-bridge/llm"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/stt"
	"github.com/mrsingh-rishi/voice-bridge/tts"
)

// Stage names.
const (
	StageTranscribe = "transcribe"
	StageReply      = "reply"
	StageSynthesize = "synthesize"
)

const (
	DefaultMaxReplyChars = 300
	DefaultStageTimeout  = 10 * time.Second
	ellipsis             = "..."
)

// ErrNothingHeard ends a turn whose utterance transcribed to nothing.
var ErrNothingHeard = errors.New("pipeline: empty transcript")

// StageError reports a failed collaborator call.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

type Deps struct {
	Transcriber stt.Transcriber
	Replier     llm.Replier
	Synthesizer tts.Synthesizer
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
}

type Options struct {
	// MaxReplyChars truncates replies before synthesis; 0 means the default,
	// negative disables truncation.
	MaxReplyChars int
	// StageTimeout bounds each collaborator call; 0 means the default,
	// negative disables the bound.
	StageTimeout time.Duration
}

// Result is the outcome of a successful turn.
type Result struct {
	Transcript string
	Reply      string
	Audio      []byte // PCM16LE 16kHz
}

// Pipeline holds no mutable state and may be shared by sessions, provided
// its Replier is.
type Pipeline struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Collector
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Transcriber == nil || deps.Replier == nil || deps.Synthesizer == nil {
		return nil, errors.New("pipeline: transcriber, replier and synthesizer are required")
	}
	if opts.MaxReplyChars == 0 {
		opts.MaxReplyChars = DefaultMaxReplyChars
	}
	if opts.StageTimeout == 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/mrsingh-rishi/voice-bridge/pipeline")
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		logger:  logger.With(zap.String("component", "pipeline")),
		tracer:  tracer,
		metrics: deps.Metrics,
	}, nil
}

// WithReplier returns a copy of p answering through r. Sessions use it to
// bind their own conversation history.
func (p *Pipeline) WithReplier(r llm.Replier) *Pipeline {
	cp := *p
	cp.deps.Replier = r
	return &cp
}

// RunTurn takes one utterance (PCM16LE 16kHz) through transcription, reply
// and synthesis. An empty transcript returns ErrNothingHeard without asking
// for a reply; collaborator failures return *StageError.
func (p *Pipeline) RunTurn(ctx context.Context, pcm16k []byte) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.turn",
		trace.WithAttributes(attribute.Int("audio.bytes", len(pcm16k))))
	defer span.End()

	var res Result
	text, err := stage(ctx, p, StageTranscribe, func(ctx context.Context) (string, error) {
		return p.deps.Transcriber.Transcribe(ctx, pcm16k)
	})
	if err != nil {
		return res, p.fail(span, err)
	}
	text = strings.TrimSpace(text)
	res.Transcript = text
	if text == "" {
		span.SetAttributes(attribute.Bool("turn.nothing_heard", true))
		return res, ErrNothingHeard
	}
	p.logger.Info("caller said", zap.String("transcript", text))

	reply, err := stage(ctx, p, StageReply, func(ctx context.Context) (string, error) {
		return p.deps.Replier.Reply(ctx, text)
	})
	if err != nil {
		return res, p.fail(span, err)
	}
	res.Reply = TruncateReply(reply, p.opts.MaxReplyChars)
	p.logger.Info("assistant reply", zap.String("reply", res.Reply))

	res.Audio, err = p.synthesize(ctx, res.Reply)
	if err != nil {
		return res, p.fail(span, err)
	}
	return res, nil
}

// Speak synthesizes text without transcription or reply, for greetings.
func (p *Pipeline) Speak(ctx context.Context, text string) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.speak")
	defer span.End()
	pcm, err := p.synthesize(ctx, TruncateReply(text, p.opts.MaxReplyChars))
	if err != nil {
		return nil, p.fail(span, err)
	}
	return pcm, nil
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	return stage(ctx, p, StageSynthesize, func(ctx context.Context) ([]byte, error) {
		return p.deps.Synthesizer.Synthesize(ctx, text)
	})
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func stage[T any](ctx context.Context, p *Pipeline, name string, call func(context.Context) (T, error)) (T, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	if p.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := call(ctx)
	took := time.Since(start)
	p.metrics.Stage(name, took, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("stage failed", zap.String("stage", name), zap.Duration("took", took), zap.Error(err))
		var zero T
		return zero, &StageError{Stage: name, Err: err}
	}
	p.logger.Debug("stage done", zap.String("stage", name), zap.Duration("took", took))
	return out, nil
}

// TruncateReply caps text at limit runes, appending "..." when it cuts.
// A non-positive limit leaves text alone.
func TruncateReply(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + ellipsis
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mrsingh-rishi/voice-bridge/call"
	"github.com/mrsingh-rishi/voice-bridge/config"
	"github.com/mrsingh-rishi/voice-bridge/llm"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/output"
	"github.com/mrsingh-rishi/voice-bridge/pipeline"
	"github.com/mrsingh-rishi/voice-bridge/server"
	"github.com/mrsingh-rishi/voice-bridge/stt"
	"github.com/mrsingh-rishi/voice-bridge/telemetry"
	"github.com/mrsingh-rishi/voice-bridge/tts"
	"github.com/mrsingh-rishi/voice-bridge/twilio"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var (
		gatherer  prometheus.Gatherer
		collector *metrics.Collector
	)
	if cfg.Telemetry.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector("voice_bridge", reg)
		gatherer = reg
	}

	deps, err := buildServerDeps(cfg, logger, collector)
	if err != nil {
		return err
	}
	deps.Context = ctx
	deps.Gatherer = gatherer

	app := server.New(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("environment", cfg.Environment))
		return app.Listen(cfg.HTTP.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(app.ShutdownWithContext(sctx), shutdownTracing(sctx))
	})
	return g.Wait()
}

func buildServerDeps(cfg config.Config, logger *zap.Logger, collector *metrics.Collector) (server.Deps, error) {
	var oa *openai.Client
	if cfg.Keys.OpenAI != "" {
		oa = openai.NewClient(cfg.Keys.OpenAI)
	}

	transcriber, err := newTranscriber(cfg, oa, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("stt: %w", err)
	}
	synthesizer, err := newSynthesizer(cfg, oa, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("tts: %w", err)
	}
	newReplier, err := newReplierFactory(cfg, oa, logger)
	if err != nil {
		return server.Deps{}, fmt.Errorf("llm: %w", err)
	}

	p, err := pipeline.New(pipeline.Deps{
		Transcriber: transcriber,
		Replier:     newReplier(),
		Synthesizer: synthesizer,
		Logger:      logger,
		Metrics:     collector,
		Tracer:      otel.Tracer("voice-bridge/pipeline"),
	}, pipeline.Options{
		MaxReplyChars: cfg.Session.MaxReplyChars,
		StageTimeout:  cfg.Session.StageTimeout(),
	})
	if err != nil {
		return server.Deps{}, err
	}

	deps := server.Deps{
		Pipeline:   p,
		NewReplier: newReplier,
		Output:     output.NewTwilioOutput(logger, output.WithMetrics(collector)),
		Session:    sessionConfig(cfg.Session),
		BaseWSURL:  cfg.Twilio.BaseWSURL,
		Metrics:    collector,
		Logger:     logger,
	}
	if cfg.Twilio.Enabled() {
		dialer, err := twilio.NewDialer(cfg.Twilio.AccountSid, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber,
			config.Endpoint(cfg.Twilio.BaseURL, "voice"))
		if err != nil {
			return server.Deps{}, err
		}
		deps.Dialer = dialer
	} else {
		logger.Info("twilio credentials not set; outbound calling disabled")
	}
	return deps, nil
}

func sessionConfig(s config.SessionConfig) call.Config {
	window := s.ListenWindow()
	if window == 0 {
		window = -1
	}
	return call.Config{
		Silence:        s.Silence(),
		MaxBufferBytes: s.MaxBufferBytes,
		ListenWindow:   window,
		PollInterval:   s.PollInterval(),
		Greeting:       s.Greeting,
	}
}

func newTranscriber(cfg config.Config, oa *openai.Client, logger *zap.Logger) (stt.Transcriber, error) {
	switch cfg.STT.Provider {
	case config.ProviderOpenAI:
		return stt.NewWhisper(oa, cfg.STT.Language, logger)
	case config.ProviderDeepgram:
		return stt.NewDeepgram(cfg.Keys.Deepgram, logger)
	default:
		return stt.Mock{}, nil
	}
}

func newSynthesizer(cfg config.Config, oa *openai.Client, logger *zap.Logger) (tts.Synthesizer, error) {
	switch cfg.TTS.Provider {
	case config.ProviderOpenAI:
		return tts.NewOpenAI(oa, logger)
	case config.ProviderElevenLabs:
		return tts.NewElevenLabs(cfg.Keys.ElevenLabs, cfg.TTS.VoiceID, cfg.TTS.ModelID, logger)
	default:
		return tts.Mock{}, nil
	}
}

// newReplierFactory returns a constructor so every socket keeps its own
// conversation history.
func newReplierFactory(cfg config.Config, oa *openai.Client, logger *zap.Logger) (func() llm.Replier, error) {
	if cfg.LLM.Provider != config.ProviderOpenAI {
		return func() llm.Replier { return llm.Mock{} }, nil
	}
	client, err := llm.NewOpenAIClient(oa, cfg.LLM.Model, logger)
	if err != nil {
		return nil, err
	}
	return func() llm.Replier {
		return llm.NewConversation(client, cfg.LLM.SystemPrompt, cfg.LLM.MaxHistoryMessages)
	}, nil
}

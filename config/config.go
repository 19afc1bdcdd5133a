// Package config loads bridge settings: defaults, an optional YAML file and
// environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Collaborator providers.
const (
	ProviderMock       = "mock"
	ProviderOpenAI     = "openai"
	ProviderDeepgram   = "deepgram"
	ProviderElevenLabs = "elevenlabs"
)

type Config struct {
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Twilio      TwilioConfig    `yaml:"twilio"`
	Keys        KeysConfig      `yaml:"keys"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Session     SessionConfig   `yaml:"session"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type TwilioConfig struct {
	AccountSid string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	// BaseURL is the public HTTPS origin Twilio calls back on.
	BaseURL string `yaml:"base_url"`
	// BaseWSURL is the public WSS origin the stream connects to.
	BaseWSURL string `yaml:"base_ws_url"`
}

// Enabled reports whether outbound calls can be placed.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSid != "" && t.AuthToken != ""
}

type KeysConfig struct {
	OpenAI     string `yaml:"openai"`
	Deepgram   string `yaml:"deepgram"`
	ElevenLabs string `yaml:"eleven_labs"`
}

type STTConfig struct {
	Provider string `yaml:"provider"`
	Language string `yaml:"language"`
}

type LLMConfig struct {
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"system_prompt"`
	MaxHistoryMessages int    `yaml:"max_history_messages"`
}

type TTSConfig struct {
	Provider string `yaml:"provider"`
	VoiceID  string `yaml:"voice_id"`
	ModelID  string `yaml:"model_id"`
}

type SessionConfig struct {
	Greeting       string `yaml:"greeting"`
	SilenceMS      int    `yaml:"silence_ms"`
	ListenWindowMS int    `yaml:"listen_window_ms"`
	MaxBufferBytes int    `yaml:"max_buffer_bytes"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	MaxReplyChars  int    `yaml:"max_reply_chars"`
	StageTimeoutMS int    `yaml:"stage_timeout_ms"`
}

func (s SessionConfig) Silence() time.Duration { return ms(s.SilenceMS) }

func (s SessionConfig) ListenWindow() time.Duration { return ms(s.ListenWindowMS) }

func (s SessionConfig) PollInterval() time.Duration { return ms(s.PollIntervalMS) }

func (s SessionConfig) StageTimeout() time.Duration { return ms(s.StageTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func Default() Config {
	return Config{
		Environment: "production",
		HTTP:        HTTPConfig{Addr: ":3000"},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		STT: STTConfig{Provider: ProviderMock, Language: "en"},
		LLM: LLMConfig{
			Provider:           ProviderMock,
			Model:              "gpt-4o-mini",
			SystemPrompt:       "You are a helpful voice assistant. Keep answers short and conversational.",
			MaxHistoryMessages: 10,
		},
		TTS: TTSConfig{Provider: ProviderMock},
		Session: SessionConfig{
			SilenceMS:      1000,
			ListenWindowMS: 2000,
			MaxBufferBytes: 160000,
			PollIntervalMS: 100,
			MaxReplyChars:  300,
			StageTimeoutMS: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "ENVIRONMENT")
	overrideString(&cfg.HTTP.Addr, "HTTP_ADDR")
	overrideString(&cfg.Telemetry.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "METRICS_ENABLED")
	overrideString(&cfg.Twilio.AccountSid, "TWILIO_ACCOUNT_SID")
	overrideString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	overrideString(&cfg.Twilio.FromNumber, "TWILIO_FROM_NUMBER")
	overrideString(&cfg.Twilio.BaseURL, "BASE_URL")
	overrideString(&cfg.Twilio.BaseWSURL, "BASE_WS_URL")
	overrideString(&cfg.Keys.OpenAI, "OPENAI_API_KEY")
	overrideString(&cfg.Keys.Deepgram, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Keys.ElevenLabs, "ELEVEN_LABS_API_KEY")
	overrideString(&cfg.STT.Provider, "STT_PROVIDER")
	overrideString(&cfg.LLM.Provider, "LLM_PROVIDER")
	overrideString(&cfg.LLM.Model, "OPENAI_CHAT_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxHistoryMessages, "MAX_HISTORY_MESSAGES")
	overrideString(&cfg.TTS.Provider, "TTS_PROVIDER")
	overrideString(&cfg.TTS.VoiceID, "ELEVEN_LABS_VOICE_ID")
	overrideString(&cfg.TTS.ModelID, "ELEVEN_LABS_MODEL_ID")
	overrideString(&cfg.Session.Greeting, "GREETING")
	overrideInt(&cfg.Session.SilenceMS, "SILENCE_MS")
	overrideInt(&cfg.Session.ListenWindowMS, "LISTEN_WINDOW_MS")
	overrideInt(&cfg.Session.MaxBufferBytes, "MAX_BUFFER_BYTES")
	overrideInt(&cfg.Session.PollIntervalMS, "POLL_INTERVAL_MS")
	overrideInt(&cfg.Session.MaxReplyChars, "MAX_REPLY_CHARS")
	overrideInt(&cfg.Session.StageTimeoutMS, "STAGE_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	switch cfg.STT.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if cfg.Keys.OpenAI == "" {
			return errors.New("OPENAI_API_KEY must be set when stt.provider=openai")
		}
	case ProviderDeepgram:
		if cfg.Keys.Deepgram == "" {
			return errors.New("DEEPGRAM_API_KEY must be set when stt.provider=deepgram")
		}
	default:
		return errors.New("stt.provider must be one of mock|openai|deepgram")
	}

	switch cfg.LLM.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if cfg.Keys.OpenAI == "" {
			return errors.New("OPENAI_API_KEY must be set when llm.provider=openai")
		}
	default:
		return errors.New("llm.provider must be one of mock|openai")
	}
	if cfg.LLM.MaxHistoryMessages < 0 {
		return errors.New("llm.max_history_messages must be >= 0")
	}

	switch cfg.TTS.Provider {
	case ProviderMock:
	case ProviderOpenAI:
		if cfg.Keys.OpenAI == "" {
			return errors.New("OPENAI_API_KEY must be set when tts.provider=openai")
		}
	case ProviderElevenLabs:
		if cfg.Keys.ElevenLabs == "" {
			return errors.New("ELEVEN_LABS_API_KEY must be set when tts.provider=elevenlabs")
		}
	default:
		return errors.New("tts.provider must be one of mock|openai|elevenlabs")
	}

	s := cfg.Session
	if s.SilenceMS <= 0 {
		return errors.New("session.silence_ms must be positive")
	}
	if s.MaxBufferBytes <= 0 {
		return errors.New("session.max_buffer_bytes must be positive")
	}
	if s.PollIntervalMS <= 0 {
		return errors.New("session.poll_interval_ms must be positive")
	}
	if s.ListenWindowMS < 0 || s.StageTimeoutMS < 0 || s.MaxReplyChars < 0 {
		return errors.New("session.listen_window_ms, stage_timeout_ms and max_reply_chars must be >= 0")
	}

	if cfg.Twilio.Enabled() {
		if cfg.Twilio.FromNumber == "" {
			return errors.New("TWILIO_FROM_NUMBER must be set with Twilio credentials")
		}
		if err := checkURL(cfg.Twilio.BaseURL, "BASE_URL", "http", "https"); err != nil {
			return err
		}
		if err := checkURL(cfg.Twilio.BaseWSURL, "BASE_WS_URL", "ws", "wss"); err != nil {
			return err
		}
	}
	return nil
}

func checkURL(raw, key string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set with Twilio credentials", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", key, strings.Join(schemes, "|"))
}

// Endpoint joins a path onto one of the public base URLs.
func Endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.HTTP.Addr)
	assert.Equal(t, ProviderMock, cfg.STT.Provider)
	assert.Equal(t, ProviderMock, cfg.LLM.Provider)
	assert.Equal(t, ProviderMock, cfg.TTS.Provider)
	assert.Equal(t, time.Second, cfg.Session.Silence())
	assert.Equal(t, 2*time.Second, cfg.Session.ListenWindow())
	assert.Equal(t, 100*time.Millisecond, cfg.Session.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.Session.StageTimeout())
	assert.Equal(t, 160000, cfg.Session.MaxBufferBytes)
	assert.Equal(t, 300, cfg.Session.MaxReplyChars)
	assert.Equal(t, 10, cfg.LLM.MaxHistoryMessages)
	assert.False(t, cfg.Twilio.Enabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("STT_PROVIDER", "openai")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("TTS_PROVIDER", "openai")
	t.Setenv("SILENCE_MS", "800")
	t.Setenv("LISTEN_WINDOW_MS", "3000")
	t.Setenv("STAGE_TIMEOUT_MS", "not-a-number")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("GREETING", "Hi there")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
	assert.Equal(t, ProviderOpenAI, cfg.STT.Provider)
	assert.Equal(t, 800*time.Millisecond, cfg.Session.Silence())
	assert.Equal(t, 3*time.Second, cfg.Session.ListenWindow())
	assert.Equal(t, 10*time.Second, cfg.Session.StageTimeout(), "unparseable values keep the default")
	assert.False(t, cfg.Telemetry.MetricsEnabled)
	assert.Equal(t, "Hi there", cfg.Session.Greeting)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":4000"
session:
  silence_ms: 1500
  greeting: "from yaml"
tts:
  provider: elevenlabs
keys:
  eleven_labs: el-key
`), 0o600))
	t.Setenv("GREETING", "from env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.HTTP.Addr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.Silence())
	assert.Equal(t, "from env", cfg.Session.Greeting)
	assert.Equal(t, ProviderElevenLabs, cfg.TTS.Provider)
	assert.Equal(t, 160000, cfg.Session.MaxBufferBytes, "unset keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown stt", func(c *Config) { c.STT.Provider = "vosk" }, "stt.provider"},
		{"deepgram without key", func(c *Config) { c.STT.Provider = ProviderDeepgram }, "DEEPGRAM_API_KEY"},
		{"openai llm without key", func(c *Config) { c.LLM.Provider = ProviderOpenAI }, "OPENAI_API_KEY"},
		{"elevenlabs without key", func(c *Config) { c.TTS.Provider = ProviderElevenLabs }, "ELEVEN_LABS_API_KEY"},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "loud" }, "log_level"},
		{"zero silence", func(c *Config) { c.Session.SilenceMS = 0 }, "silence_ms"},
		{"negative window", func(c *Config) { c.Session.ListenWindowMS = -1 }, "listen_window_ms"},
		{"twilio without base urls", func(c *Config) {
			c.Twilio = TwilioConfig{AccountSid: "AC1", AuthToken: "tok", FromNumber: "+15550001111"}
		}, "BASE_URL"},
		{"twilio with http ws url", func(c *Config) {
			c.Twilio = TwilioConfig{AccountSid: "AC1", AuthToken: "tok", FromNumber: "+15550001111",
				BaseURL: "https://bridge.example.com", BaseWSURL: "https://bridge.example.com"}
		}, "BASE_WS_URL"},
		{"twilio complete", func(c *Config) {
			c.Twilio = TwilioConfig{AccountSid: "AC1", AuthToken: "tok", FromNumber: "+15550001111",
				BaseURL: "https://bridge.example.com", BaseWSURL: "wss://bridge.example.com"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "wss://x.example.com/twilio/ws", Endpoint("wss://x.example.com/", "/twilio/ws"))
	assert.Equal(t, "https://x.example.com/voice", Endpoint("https://x.example.com", "voice"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test in an empty directory so no .env file is picked up.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DEEPGRAM_API_KEY", "dg")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "vosk", cfg.STTBackend)
	assert.Equal(t, "openai", cfg.LLMBackend)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLMBaseURL)
	assert.Equal(t, "qwen3:8b", cfg.LLMModel)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.Equal(t, "<think>", cfg.ThinkStartTag)
	assert.Equal(t, "</think>", cfg.ThinkEndTag)
	assert.Equal(t, "deepgram", cfg.TTSBackend)
	assert.Equal(t, 200, cfg.SegmentMaxChars)
	assert.Equal(t, 700*time.Millisecond, cfg.VADSilence)
	assert.Equal(t, 15*time.Second, cfg.VADMaxUtterance)
	assert.Equal(t, 1.05, cfg.SupertonicSpeed)
	assert.NotEmpty(t, cfg.LLMSystemPrompt)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoad_DotEnv(t *testing.T) {
	chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(".", ".env"), []byte(
		"DISCORD_TOKEN=from-file\nTTS_BACKEND=supertonic\nSUPERTONIC_SPEED=1.3\nSEGMENT_MAX_CHARS=120\n"), 0o600))
	t.Setenv("DISCORD_TOKEN", "")
	os.Unsetenv("DISCORD_TOKEN")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DiscordToken)
	assert.Equal(t, "supertonic", cfg.TTSBackend)
	assert.Equal(t, 1.3, cfg.SupertonicSpeed)
	assert.Equal(t, 120, cfg.SegmentMaxChars)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DiscordToken:    "token",
			STTBackend:      "whisper",
			LLMBackend:      "openai",
			LLMBaseURL:      "http://localhost:11434/v1",
			LLMModel:        "qwen3:8b",
			TTSBackend:      "supertonic",
			ThinkStartTag:   "<think>",
			ThinkEndTag:     "</think>",
			SegmentMaxChars: 200,
		}
	}
	require.NoError(t, valid().validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.DiscordToken = "" }},
		{"unknown stt", func(c *Config) { c.STTBackend = "azure" }},
		{"deepgram stt without key", func(c *Config) { c.STTBackend = "deepgram" }},
		{"unknown llm", func(c *Config) { c.LLMBackend = "claude" }},
		{"gemini without key", func(c *Config) { c.LLMBackend = "gemini" }},
		{"openai without model", func(c *Config) { c.LLMModel = "" }},
		{"deepgram tts without key", func(c *Config) { c.TTSBackend = "deepgram" }},
		{"unknown tts", func(c *Config) { c.TTSBackend = "espeak" }},
		{"half a marker pair", func(c *Config) { c.ThinkEndTag = "" }},
		{"segment size", func(c *Config) { c.SegmentMaxChars = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

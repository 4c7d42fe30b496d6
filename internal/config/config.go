package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const defaultSystemPrompt = "You are a friendly voice assistant in a Discord voice channel. " +
	"Answer in short, natural spoken sentences. Do not use markdown, lists, or emoji."

type Config struct {
	// Discord
	DiscordToken string

	// STT Backend
	STTBackend string // "vosk", "deepgram" or "whisper"

	// Vosk settings
	VoskModelPath string

	// Deepgram settings
	DeepgramAPIKey    string
	DeepgramTier      string
	DeepgramPunctuate bool
	DeepgramVoice     string

	// Whisper settings
	WhisperURL string

	// LLM settings
	LLMBackend      string // "openai" or "gemini"
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMSystemPrompt string
	LLMTimeout      time.Duration
	ThinkStartTag   string
	ThinkEndTag     string

	// Gemini settings
	GenAIAPIKey string
	GenAIModel  string

	// TTS settings
	TTSBackend        string // "deepgram" or "supertonic"
	SupertonicURL     string
	SupertonicVoice   string
	SupertonicSpeed   float64
	SupertonicQuality int

	// Turn taking
	SegmentMaxChars int
	VADMode         int
	VADSilence      time.Duration
	VADMaxUtterance time.Duration
	MaxParallelSTT  int

	// Storage
	DataDir string

	// Observability
	MetricsAddr string
	LogLevel    string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		// Discord
		DiscordToken: os.Getenv("DISCORD_TOKEN"),

		// STT Backend
		STTBackend: getEnvOrDefault("STT_BACKEND", "vosk"),

		// Vosk
		VoskModelPath: getEnvOrDefault("VOSK_MODEL_PATH", "./models/vosk/en"),

		// Deepgram
		DeepgramAPIKey:    os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTier:      getEnvOrDefault("DEEPGRAM_TIER", "nova-2"),
		DeepgramPunctuate: getBoolEnvOrDefault("DEEPGRAM_PUNCTUATE", true),
		DeepgramVoice:     getEnvOrDefault("DEEPGRAM_VOICE", "aura-asteria-en"),

		// Whisper
		WhisperURL: getEnvOrDefault("WHISPER_URL", "http://localhost:8000"),

		// LLM
		LLMBackend:      getEnvOrDefault("LLM_BACKEND", "openai"),
		LLMBaseURL:      getEnvOrDefault("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        getEnvOrDefault("LLM_MODEL", "qwen3:8b"),
		LLMSystemPrompt: getEnvOrDefault("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
		LLMTimeout:      time.Duration(getIntEnvOrDefault("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
		ThinkStartTag:   getEnvOrDefault("THINK_START_TAG", "<think>"),
		ThinkEndTag:     getEnvOrDefault("THINK_END_TAG", "</think>"),

		// Gemini
		GenAIAPIKey: os.Getenv("GENAI_API_KEY"),
		GenAIModel:  getEnvOrDefault("GENAI_MODEL", "gemini-2.5-flash"),

		// TTS
		TTSBackend:        getEnvOrDefault("TTS_BACKEND", "deepgram"),
		SupertonicURL:     getEnvOrDefault("SUPERTONIC_URL", "http://localhost:8000"),
		SupertonicVoice:   getEnvOrDefault("SUPERTONIC_VOICE", "F1"),
		SupertonicSpeed:   getFloatEnvOrDefault("SUPERTONIC_SPEED", 1.05),
		SupertonicQuality: getIntEnvOrDefault("SUPERTONIC_QUALITY", 20),

		// Turn taking
		SegmentMaxChars: getIntEnvOrDefault("SEGMENT_MAX_CHARS", 200),
		VADMode:         getIntEnvOrDefault("VAD_MODE", 2),
		VADSilence:      time.Duration(getIntEnvOrDefault("VAD_SILENCE_MS", 700)) * time.Millisecond,
		VADMaxUtterance: time.Duration(getIntEnvOrDefault("VAD_MAX_UTTERANCE_SECONDS", 15)) * time.Second,
		MaxParallelSTT:  getIntEnvOrDefault("MAX_PARALLEL_STT", 2),

		// Storage
		DataDir: getEnvOrDefault("DATA_DIR", "./data"),

		// Observability
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}

	switch c.STTBackend {
	case "vosk", "whisper":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram STT backend")
		}
	default:
		return fmt.Errorf("STT_BACKEND must be 'vosk', 'deepgram' or 'whisper'")
	}

	switch c.LLMBackend {
	case "openai":
		if c.LLMBaseURL == "" || c.LLMModel == "" {
			return fmt.Errorf("LLM_BASE_URL and LLM_MODEL are required when using openai backend")
		}
	case "gemini":
		if c.GenAIAPIKey == "" {
			return fmt.Errorf("GENAI_API_KEY is required when using gemini backend")
		}
	default:
		return fmt.Errorf("LLM_BACKEND must be 'openai' or 'gemini'")
	}

	switch c.TTSBackend {
	case "supertonic":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram TTS backend")
		}
	default:
		return fmt.Errorf("TTS_BACKEND must be 'deepgram' or 'supertonic'")
	}

	if (c.ThinkStartTag == "") != (c.ThinkEndTag == "") {
		return fmt.Errorf("THINK_START_TAG and THINK_END_TAG must be set together")
	}

	if c.SegmentMaxChars <= 0 {
		return fmt.Errorf("SEGMENT_MAX_CHARS must be positive")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

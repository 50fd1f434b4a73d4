// Package config centralizes runtime configuration: environment
// variables with safe defaults for provider credentials and operational
// tunables, plus an optional YAML persona/session-defaults file layered
// on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting the orchestrator needs.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	STTProvider string
	LLMProvider string
	TTSProvider string

	GroqAPIKey       string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	DeepgramAPIKey   string
	AssemblyAIAPIKey string
	LokutorAPIKey    string
	VisageAPIKey     string

	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	AdmissionDeadline     time.Duration

	LLMMaxContextTokens int
	LLMRolloverTokens   int

	AudioPacketMs   int
	AudioOverlapMs  int
	SampleRateHz    int

	AnimationFPS           int
	AnimationHoldMs        int
	AnimationFreezeMs      int
	AnimationDropLagMs     int
	PreFirstAudioTimeoutMs int

	DatabaseURL string

	PersonaFile string
}

// Load reads environment variables (after loading a .env file if present,
// same as the CLI demo entrypoint already does) and applies safe
// defaults, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "duet"),

		STTProvider: envOrDefault("STT_PROVIDER", "deepgram"),
		LLMProvider: envOrDefault("LLM_PROVIDER", "anthropic"),
		TTSProvider: envOrDefault("TTS_PROVIDER", "lokutor"),

		GroqAPIKey:       trimmedEnv("GROQ_API_KEY"),
		OpenAIAPIKey:     trimmedEnv("OPENAI_API_KEY"),
		AnthropicAPIKey:  trimmedEnv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:     trimmedEnv("GOOGLE_API_KEY"),
		DeepgramAPIKey:   trimmedEnv("DEEPGRAM_API_KEY"),
		AssemblyAIAPIKey: trimmedEnv("ASSEMBLYAI_API_KEY"),
		LokutorAPIKey:    trimmedEnv("LOKUTOR_API_KEY"),
		VisageAPIKey:     trimmedEnv("VISAGE_API_KEY"),

		MaxConcurrentSessions: 100,
		SessionIdleTimeout:    5 * time.Minute,
		AdmissionDeadline:     2 * time.Second,

		LLMMaxContextTokens: 8192,
		LLMRolloverTokens:   7500,

		AudioPacketMs:  20,
		AudioOverlapMs: 5,
		SampleRateHz:   16000,

		AnimationFPS:           60,
		AnimationHoldMs:        100,
		AnimationFreezeMs:      150,
		AnimationDropLagMs:     120,
		PreFirstAudioTimeoutMs: 500,

		DatabaseURL: trimmedEnv("DATABASE_URL"),
		PersonaFile: trimmedEnv("PERSONA_FILE"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxContextTokens, err = intFromEnv("LLM_MAX_CONTEXT_TOKENS", cfg.LLMMaxContextTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMRolloverTokens, err = intFromEnv("LLM_ROLLOVER_TOKENS", cfg.LLMRolloverTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.PreFirstAudioTimeoutMs, err = intFromEnv("PRE_FIRST_AUDIO_TIMEOUT_MS", cfg.PreFirstAudioTimeoutMs)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.LLMRolloverTokens >= cfg.LLMMaxContextTokens {
		return Config{}, fmt.Errorf("LLM_ROLLOVER_TOKENS (%d) must be less than LLM_MAX_CONTEXT_TOKENS (%d)", cfg.LLMRolloverTokens, cfg.LLMMaxContextTokens)
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

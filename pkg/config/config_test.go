package config

import (
	"os"
	"strings"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_SESSIONS", "LLM_ROLLOVER_TOKENS", "LLM_MAX_CONTEXT_TOKENS", "SESSION_IDLE_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConcurrentSessions != 100 {
		t.Errorf("expected default MaxConcurrentSessions 100, got %d", cfg.MaxConcurrentSessions)
	}
	if cfg.LLMMaxContextTokens != 8192 {
		t.Errorf("expected default LLMMaxContextTokens 8192, got %d", cfg.LLMMaxContextTokens)
	}
}

func TestLoad_RejectsRolloverAtOrAboveCap(t *testing.T) {
	clearEnv(t, "LLM_MAX_CONTEXT_TOKENS", "LLM_ROLLOVER_TOKENS")
	os.Setenv("LLM_MAX_CONTEXT_TOKENS", "1000")
	os.Setenv("LLM_ROLLOVER_TOKENS", "1000")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error when rollover threshold equals the hard cap")
	}
}

func TestLoad_RejectsNonPositiveConcurrency(t *testing.T) {
	clearEnv(t, "MAX_CONCURRENT_SESSIONS")
	os.Setenv("MAX_CONCURRENT_SESSIONS", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error for a non-positive session cap")
	}
}

func TestLoadPersonaFromReader_ValidatesVerbosityRange(t *testing.T) {
	_, err := loadPersonaFromReader(strings.NewReader(`
id: warm-assistant
pinned_prefix: "You are a warm, concise voice assistant."
default_voice: F1
default_language: en
verbosity: 1.5
`))
	if err == nil {
		t.Fatal("expected an error for verbosity out of [0,1]")
	}
}

func TestLoadPersonaFromReader_RejectsUnknownFields(t *testing.T) {
	_, err := loadPersonaFromReader(strings.NewReader(`
id: warm-assistant
typo_field: oops
`))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadPersonaFromReader_Valid(t *testing.T) {
	p, err := loadPersonaFromReader(strings.NewReader(`
id: warm-assistant
pinned_prefix: "You are a warm, concise voice assistant."
default_voice: F1
default_language: en
verbosity: 0.4
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "warm-assistant" {
		t.Errorf("expected id warm-assistant, got %q", p.ID)
	}
}

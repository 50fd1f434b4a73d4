package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona is the per-tenant/per-character defaults a YAML persona file
// can override: the pinned system prompt, default voice, and verbosity
// policy a new Session is admitted with absent explicit handshake
// overrides.
type Persona struct {
	ID              string  `yaml:"id"`
	PinnedPrefix    string  `yaml:"pinned_prefix"`
	DefaultVoice    string  `yaml:"default_voice"`
	DefaultLanguage string  `yaml:"default_language"`
	Verbosity       float64 `yaml:"verbosity"`
}

// LoadPersona reads and validates a YAML persona file. Unknown fields are
// rejected so a typo in the file surfaces immediately instead of being
// silently ignored.
func LoadPersona(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open persona %q: %w", path, err)
	}
	defer f.Close()

	p, err := loadPersonaFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse persona %q: %w", path, err)
	}
	return p, nil
}

func loadPersonaFromReader(r io.Reader) (*Persona, error) {
	p := &Persona{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("persona.id is required")
	}
	if p.Verbosity < 0 || p.Verbosity > 1 {
		return nil, fmt.Errorf("persona.verbosity %.2f is out of range [0, 1]", p.Verbosity)
	}
	return p, nil
}

// Package engine wires one connection's provider stack, turn pipeline,
// and session bookkeeping together, and implements the pkg/transport
// Orchestrator contract that the HTTP/websocket layer drives.
package engine

import (
	"fmt"

	"github.com/duet-ai/duet-orchestrator/pkg/config"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/providers/animation"
	"github.com/duet-ai/duet-orchestrator/pkg/providers/llm"
	"github.com/duet-ai/duet-orchestrator/pkg/providers/stt"
	"github.com/duet-ai/duet-orchestrator/pkg/providers/tts"
)

// Factory builds provider adapters by name from configured credentials,
// the same engine-selection switch cmd/agent uses, generalized to every
// engine pkg/providers ships rather than one fixed choice per run.
type Factory struct {
	cfg config.Config
}

func NewFactory(cfg config.Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) STT(name string) (orchestrator.STTProvider, error) {
	if name == "" {
		name = f.cfg.STTProvider
	}
	switch name {
	case "deepgram":
		if f.cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("engine: DEEPGRAM_API_KEY not configured")
		}
		return stt.NewDeepgramSTT(f.cfg.DeepgramAPIKey), nil
	case "assemblyai":
		if f.cfg.AssemblyAIAPIKey == "" {
			return nil, fmt.Errorf("engine: ASSEMBLYAI_API_KEY not configured")
		}
		return stt.NewAssemblyAISTT(f.cfg.AssemblyAIAPIKey), nil
	case "openai":
		if f.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("engine: OPENAI_API_KEY not configured")
		}
		return stt.NewOpenAISTT(f.cfg.OpenAIAPIKey, "whisper-1"), nil
	case "groq":
		if f.cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("engine: GROQ_API_KEY not configured")
		}
		return stt.NewGroqSTT(f.cfg.GroqAPIKey, "whisper-large-v3-turbo"), nil
	default:
		return nil, fmt.Errorf("engine: unknown STT provider %q", name)
	}
}

func (f *Factory) LLM(name string) (orchestrator.LLMProvider, error) {
	if name == "" {
		name = f.cfg.LLMProvider
	}
	switch name {
	case "anthropic":
		if f.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("engine: ANTHROPIC_API_KEY not configured")
		}
		return llm.NewAnthropicLLM(f.cfg.AnthropicAPIKey, "claude-3-5-sonnet-20241022"), nil
	case "openai":
		if f.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("engine: OPENAI_API_KEY not configured")
		}
		return llm.NewOpenAILLM(f.cfg.OpenAIAPIKey, "gpt-4o"), nil
	case "google":
		if f.cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("engine: GOOGLE_API_KEY not configured")
		}
		return llm.NewGoogleLLM(f.cfg.GoogleAPIKey, "gemini-1.5-flash"), nil
	case "groq":
		if f.cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("engine: GROQ_API_KEY not configured")
		}
		return llm.NewGroqLLM(f.cfg.GroqAPIKey, "llama-3.3-70b-versatile"), nil
	default:
		return nil, fmt.Errorf("engine: unknown LLM provider %q", name)
	}
}

func (f *Factory) TTS(name string) (orchestrator.TTSProvider, error) {
	if name == "" {
		name = f.cfg.TTSProvider
	}
	switch name {
	case "lokutor":
		if f.cfg.LokutorAPIKey == "" {
			return nil, fmt.Errorf("engine: LOKUTOR_API_KEY not configured")
		}
		return tts.NewLokutorTTS(f.cfg.LokutorAPIKey), nil
	default:
		return nil, fmt.Errorf("engine: unknown TTS provider %q", name)
	}
}

// Animation returns the animation adapter, or nil if no Visage credential
// is configured — animation is optional, and RunConnection skips the
// blendshape fan-out entirely for a nil provider.
func (f *Factory) Animation() orchestrator.AnimationProvider {
	if f.cfg.VisageAPIKey == "" {
		return nil
	}
	return animation.NewVisageAnimation(f.cfg.VisageAPIKey)
}

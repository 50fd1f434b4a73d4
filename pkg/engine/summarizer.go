package engine

import (
	"context"
	"strings"

	"github.com/duet-ai/duet-orchestrator/pkg/llmcontext"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
)

// llmSummarizer implements llmcontext.Summarizer by asking the session's
// own LLM provider to compress evicted turns into a short state block,
// the same provider RunTurn already uses for generation.
type llmSummarizer struct {
	llm orchestrator.LLMProvider
}

func newLLMSummarizer(provider orchestrator.LLMProvider) *llmSummarizer {
	return &llmSummarizer{llm: provider}
}

func (s *llmSummarizer) Summarize(ctx context.Context, turns []llmcontext.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	messages := []orchestrator.Message{
		{Role: "system", Content: "Summarize the following conversation turns into a brief third-person state block capturing facts and decisions the assistant must still remember. Keep it under 100 words."},
		{Role: "user", Content: b.String()},
	}

	return s.llm.Complete(ctx, messages)
}

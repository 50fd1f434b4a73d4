package llmcontext

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(ctx context.Context, turns []Turn) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func TestBuffer_PinnedPrefixSetOnce(t *testing.T) {
	b := New(DefaultConfig(), nil)

	if err := b.SetPinnedPrefix("system rules"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.SetPinnedPrefix("again"); err == nil {
		t.Error("expected error setting pinned prefix twice")
	}
}

func TestBuffer_PrefixTooLargeRejected(t *testing.T) {
	b := New(Config{MaxTokens: 100, RolloverTrigger: 90}, nil)

	huge := strings.Repeat("x", 1000) // far more than 25 tokens (25% of 100)
	if err := b.SetPinnedPrefix(huge); !errors.Is(err, ErrPrefixTooLarge) {
		t.Errorf("expected ErrPrefixTooLarge, got %v", err)
	}
}

func TestBuffer_AddTurnAccumulates(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.SetPinnedPrefix("persona")

	if err := b.AddTurn(context.Background(), "user", "hello there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := b.Snapshot()
	if len(snap.Window) != 1 {
		t.Fatalf("expected 1 turn in window, got %d", len(snap.Window))
	}
	if snap.TotalTokens == 0 {
		t.Error("expected nonzero total tokens")
	}
}

func TestBuffer_RolloverTriggersAndIsIdempotent(t *testing.T) {
	sum := &stubSummarizer{summary: "compact summary"}
	cfg := Config{MaxTokens: 200, RolloverTrigger: 20}
	b := New(cfg, sum)

	longText := strings.Repeat("word ", 10) // ~12 tokens per turn

	for i := 0; i < 3; i++ {
		if err := b.AddTurn(context.Background(), "user", longText); err != nil {
			t.Fatalf("unexpected error on turn %d: %v", i, err)
		}
	}

	if sum.calls == 0 {
		t.Fatal("expected summarization to have triggered at least once")
	}

	snap := b.Snapshot()
	if snap.StateBlock == "" {
		t.Error("expected a non-empty SessionStateBlock after rollover")
	}
	if snap.TotalTokens > cfg.MaxTokens {
		t.Errorf("total tokens %d exceeds hard cap %d", snap.TotalTokens, cfg.MaxTokens)
	}

	callsBefore := sum.calls
	b.mu.Lock()
	err := b.rolloverLocked(context.Background())
	b.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error on repeat rollover: %v", err)
	}
	if sum.calls != callsBefore {
		t.Error("rollover should be idempotent when the window has not grown since the last rollover")
	}
}

func TestBuffer_NeverSilentlyOverflows(t *testing.T) {
	cfg := Config{MaxTokens: 50, RolloverTrigger: 40}
	b := New(cfg, nil) // no summarizer: rollover will always fail

	longText := strings.Repeat("word ", 50)
	err := b.AddTurn(context.Background(), "user", longText)
	if !errors.Is(err, ErrContextLimitReached) {
		t.Fatalf("expected ErrContextLimitReached, got %v", err)
	}

	snap := b.Snapshot()
	if len(snap.Window) != 0 {
		t.Error("a turn whose rollover failed must not remain admitted")
	}
}

func TestBuffer_SummarizationFailureRejectsTurn(t *testing.T) {
	sum := &stubSummarizer{err: errors.New("boom")}
	cfg := Config{MaxTokens: 100, RolloverTrigger: 10}
	b := New(cfg, sum)

	err := b.AddTurn(context.Background(), "user", strings.Repeat("word ", 10))
	if !errors.Is(err, ErrContextLimitReached) {
		t.Fatalf("expected ErrContextLimitReached on summarizer failure, got %v", err)
	}
}

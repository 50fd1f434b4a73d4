// Package llmcontext maintains the per-session LLM prompt context: a
// PinnedPrefix that never changes after session open, an append-only
// RollingWindow of turns, and an optional SessionStateBlock summarizing
// evicted turns once the window approaches the provider's context cap.
package llmcontext

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// charsPerToken is the heuristic token-estimation ratio, consistent with
// the rest of the corpus's text-length-based accounting — no tokenizer
// dependency is pulled in for an estimate this coarse.
const charsPerToken = 4

// ErrContextLimitReached is returned when a new turn cannot be admitted:
// either the turn alone would push the total past the hard cap, or the
// rollover it triggered failed (summarization error or deadline, no
// summarizer, or a post-rollover total still over the cap).
var ErrContextLimitReached = errors.New("llmcontext: context limit reached")

// ErrPrefixTooLarge is returned by SetPinnedPrefix when the requested
// prefix would exceed 25% of the hard cap.
var ErrPrefixTooLarge = errors.New("llmcontext: pinned prefix exceeds 25% of max tokens")

// Turn is one (role, text) entry in the RollingWindow.
type Turn struct {
	Role   string
	Text   string
	Tokens int
}

// Summarizer compresses a slice of evicted Turns into a bounded summary
// string. Implementations must respect ctx's deadline.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// Config bounds a Buffer's behavior.
type Config struct {
	// MaxTokens is the hard cap across PinnedPrefix + RollingWindow +
	// SessionStateBlock. Production default is 8192.
	MaxTokens int
	// RolloverTrigger is the total-token threshold that starts
	// summarization. Production default is 7500.
	RolloverTrigger int
	// SummarizeDeadline bounds the Summarizer call. Production default is
	// 5s.
	SummarizeDeadline time.Duration
}

// DefaultConfig matches the production token budget.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         8192,
		RolloverTrigger:   7500,
		SummarizeDeadline: 5 * time.Second,
	}
}

// Buffer is one session's LLM context: PinnedPrefix + RollingWindow +
// SessionStateBlock, kept within a hard token cap. Safe for concurrent
// use.
type Buffer struct {
	cfg        Config
	summarizer Summarizer

	mu              sync.Mutex
	pinnedPrefix    string
	pinnedTokens    int
	window          []Turn
	stateBlock      string
	stateBlockTokens int
	lastRolloverKey int // len(window) at last successful rollover, for idempotence
}

// New creates an empty Buffer. summarizer may be nil only if the caller
// guarantees rollover will never be needed (e.g. in tests); AddTurn will
// return ErrContextLimitReached instead of panicking if rollover is
// required with a nil summarizer.
func New(cfg Config, summarizer Summarizer) *Buffer {
	return &Buffer{cfg: cfg, summarizer: summarizer}
}

// SetPinnedPrefix sets the immutable system/persona/grounding prefix. Must
// be called at most once, before the session's first turn — subsequent
// calls return an error, matching "PinnedPrefix never edited post-session-
// open."
func (b *Buffer) SetPinnedPrefix(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinnedPrefix != "" {
		return errors.New("llmcontext: pinned prefix already set for this session")
	}
	tokens := estimateTokens(text)
	if tokens > b.cfg.MaxTokens/4 {
		return ErrPrefixTooLarge
	}
	b.pinnedPrefix = text
	b.pinnedTokens = tokens
	return nil
}

// totalTokens must be called with b.mu held.
func (b *Buffer) totalTokens() int {
	total := b.pinnedTokens + b.stateBlockTokens
	for _, t := range b.window {
		total += t.Tokens
	}
	return total
}

// AddTurn appends (role, text) to the RollingWindow, triggering
// summarization if the running total reaches the rollover threshold. A
// turn that would push the total past the hard cap is rejected up front,
// without attempting summarization. If summarization fails, times out, or
// total tokens would still exceed the hard cap afterward, the turn is
// rejected and the Buffer is left unchanged (reject-not-overflow).
func (b *Buffer) AddTurn(ctx context.Context, role, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	turn := Turn{Role: role, Text: text, Tokens: estimateTokens(text)}

	if b.totalTokens()+turn.Tokens > b.cfg.MaxTokens {
		return fmt.Errorf("%w: turn would exceed hard cap", ErrContextLimitReached)
	}

	b.window = append(b.window, turn)

	if b.totalTokens() >= b.cfg.RolloverTrigger {
		if err := b.rolloverLocked(ctx); err != nil {
			// Roll back the admitted turn: never silently overflow, and
			// never leave a turn admitted whose rollover failed.
			b.window = b.window[:len(b.window)-1]
			return fmt.Errorf("%w: %v", ErrContextLimitReached, err)
		}
	}

	return nil
}

// rolloverLocked summarizes the oldest half of the window into the
// SessionStateBlock. Must be called with b.mu held. Idempotent: if the
// window has not grown since the last successful rollover, it is a no-op.
func (b *Buffer) rolloverLocked(ctx context.Context) error {
	if b.summarizer == nil {
		return errors.New("no summarizer configured")
	}
	if len(b.window) == b.lastRolloverKey {
		return nil
	}

	half := len(b.window) / 2
	if half == 0 {
		half = 1
	}
	toSummarize := make([]Turn, half)
	copy(toSummarize, b.window[:half])

	deadline := b.cfg.SummarizeDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	b.mu.Unlock()
	summary, err := b.summarizer.Summarize(sctx, toSummarize)
	b.mu.Lock()
	if err != nil {
		return fmt.Errorf("summarization: %w", err)
	}

	removedTokens := 0
	for _, t := range toSummarize {
		removedTokens += t.Tokens
	}

	combined := summary
	if b.stateBlock != "" {
		combined = b.stateBlock + " " + summary
	}
	combinedTokens := estimateTokens(combined)

	// Check the cap before committing anything, so a failed rollover
	// leaves the state block and window exactly as they were.
	if b.totalTokens()-b.stateBlockTokens-removedTokens+combinedTokens > b.cfg.MaxTokens {
		return errors.New("post-rollover total still exceeds hard cap")
	}

	b.stateBlock = combined
	b.stateBlockTokens = combinedTokens
	b.window = b.window[half:]
	b.lastRolloverKey = len(b.window)
	return nil
}

// Snapshot is a read-only view of a Buffer's current contents, suitable
// for composing a prompt.
type Snapshot struct {
	PinnedPrefix string
	StateBlock   string
	Window       []Turn
	TotalTokens  int
}

// Snapshot returns the current (PinnedPrefix, SessionStateBlock,
// RollingWindow) and authoritative total token count.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	window := make([]Turn, len(b.window))
	copy(window, b.window)
	return Snapshot{
		PinnedPrefix: b.pinnedPrefix,
		StateBlock:   b.stateBlock,
		Window:       window,
		TotalTokens:  b.totalTokens(),
	}
}

// PrefixCacheKey returns the cache key an LLM adapter may use to reuse
// server-side prefix caching across turns and sessions sharing the same
// PinnedPrefix.
func (b *Buffer) PrefixCacheKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinnedPrefix
}

func estimateTokens(s string) int {
	chars := len(s)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

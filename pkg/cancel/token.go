// Package cancel implements the cross-stage cancellation fan-out that backs
// barge-in: a write-once token shared by every stage adapter of one Turn.
//
// A Token is shared by every stage adapter of a single Turn. It is
// write-once: the first Fire call records the reason and event time and
// closes an internal done channel; every later Fire call is a no-op. Each
// adapter calls Ack exactly once when it has honored the cancellation; the
// Controller (controller.go) uses that to decide when the turn is "fully
// cancelled" (every registered observer has acknowledged — set semantics,
// arrival order is not meaningful since cancellation observations across
// adapters are unordered).
package cancel

import (
	"context"
	"sync"
	"time"
)

// Reason identifies why a Turn's CancellationToken fired.
type Reason string

const (
	ReasonUserBargeIn    Reason = "USER_BARGE_IN"
	ReasonUserStop       Reason = "USER_STOP"
	ReasonSystemOverload Reason = "SYSTEM_OVERLOAD"
	ReasonTimeout        Reason = "TIMEOUT"
)

// Observer names the stage adapters that fan-out cancellation is delivered
// to. Every Turn registers all four; a stage with nothing in flight still
// acks immediately so it does not hold up the "fully cancelled" gate.
type Observer string

const (
	ObserverLLM        Observer = "LLM"
	ObserverTTS        Observer = "TTS"
	ObserverPacketizer Observer = "PACKETIZER"
	ObserverAnimation  Observer = "ANIMATION"
)

// AllObservers is the full registration set used by a normal turn.
var AllObservers = []Observer{ObserverLLM, ObserverTTS, ObserverPacketizer, ObserverAnimation}

// Token is a write-once, fan-out cancellation signal shared (by pointer)
// with every stage adapter of one Turn. A plain pointer is safe here: the
// Token holds no reference back to its Turn or Session, so no pointer
// cycle forms, and its lifetime is scoped to a single Turn.
type Token struct {
	mu sync.Mutex

	fired    bool
	reason   Reason
	tEventMs int64

	registered map[Observer]bool
	acked      map[Observer]time.Time
	ackSignal  map[Observer]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Token registered for the given observers. ctx is typically
// the Turn's own context; cancelling it (e.g. on turn timeout) also fires
// the Token with ReasonTimeout via the caller.
func New(parent context.Context, observers ...Observer) *Token {
	ctx, cancel := context.WithCancel(parent)
	reg := make(map[Observer]bool, len(observers))
	signals := make(map[Observer]chan struct{}, len(observers))
	for _, o := range observers {
		reg[o] = true
		signals[o] = make(chan struct{})
	}
	return &Token{
		registered: reg,
		acked:      make(map[Observer]time.Time, len(observers)),
		ackSignal:  signals,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Fire records the cancellation reason and timestamp and closes Done().
// Returns true only for the call that actually triggered it — a second
// Fire on an already-cancelled token is a no-op and returns false.
func (t *Token) Fire(reason Reason, tEventMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.fired = true
	t.reason = reason
	t.tEventMs = tEventMs
	t.cancel()
	return true
}

// Done reports cancellation the same way a context does, so adapters that
// already select on a context can select on this directly.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Fired reports whether Fire has been called.
func (t *Token) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Reason returns the recorded reason (zero value if not yet fired).
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// EventTimeMs returns the server-monotonic timestamp the triggering event
// was observed at — not the time the event was processed.
func (t *Token) EventTimeMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tEventMs
}

// Ack records that an observer has honored the cancellation. Calling Ack
// more than once for the same observer, or for an observer that was never
// registered, is a harmless no-op, matching the coalescing behavior a
// second barge-in arriving mid-cancellation should have.
func (t *Token) Ack(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.registered[o] {
		return
	}
	if _, done := t.acked[o]; done {
		return
	}
	t.acked[o] = time.Now()
	close(t.ackSignal[o])
}

// WaitAck returns a channel that closes once o has acked. If o was never
// registered, the returned channel is nil and never closes. Token exposes
// no registration lookup, so callers only wait on observers they passed
// to New.
func (t *Token) WaitAck(o Observer) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ackSignal[o]
}

// AckTime returns when the given observer acknowledged, and whether it has.
func (t *Token) AckTime(o Observer) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.acked[o]
	return ts, ok
}

// FullyCancelled reports whether every registered observer has acked.
func (t *Token) FullyCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for o := range t.registered {
		if _, ok := t.acked[o]; !ok {
			return false
		}
	}
	return true
}

// ObservedBy returns a snapshot of the observers that have acked so far.
func (t *Token) ObservedBy() []Observer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Observer, 0, len(t.acked))
	for o := range t.acked {
		out = append(out, o)
	}
	return out
}

// Package session implements SessionManager & admission: creating,
// looking up, and destroying Sessions under a hard concurrency cap, with
// a bounded FIFO admission queue under SESSION_QUEUE backpressure and
// outright rejection under SESSION_REJECT.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/backpressure"
	"github.com/duet-ai/duet-orchestrator/pkg/turn"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Get/Close for an unknown session id.
var ErrNotFound = errors.New("session: not found")

// ErrCapacityExhausted is returned by Create when the backpressure level
// is SESSION_REJECT, or the session cap is full and the level is not
// SESSION_QUEUE.
var ErrCapacityExhausted = errors.New("session: capacity exhausted, retry later")

// ErrAdmissionTimeout is returned by Create when a session spent longer
// than the admission queue's deadline waiting for a free slot.
var ErrAdmissionTimeout = errors.New("session: admission queue deadline exceeded")

// Config holds configuration established at handshake: engine selection,
// verbosity policy, tenant grounding.
type Config struct {
	EngineSTT  string
	EngineLLM  string
	EngineTTS  string
	Verbosity  float64
	TenantID   string
	PersonaID  string
	VoiceID    string

	// MinWordsToInterrupt debounces barge-in while the assistant is
	// speaking: a transcript-so-far shorter than this many words does not
	// interrupt. 0 or 1 means any non-empty speech interrupts immediately.
	MinWordsToInterrupt int
}

// Session is a single client's conversation session: its configuration,
// FSM, and per-turn counters. SessionManager exclusively owns Sessions; a
// Session exclusively owns its current Turn (at most one).
type Session struct {
	ID             string
	Config         Config
	FSM            *turn.Machine
	CreatedAt      time.Time
	LastActivityAt time.Time

	TurnsCompleted    int
	BargeInCount      int
	ContextRollovers  int
	ActiveTurnID      string
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

// AdmissionDeadline is the bounded wait an admission-queued Create call
// will tolerate before giving up.
const AdmissionDeadline = 2 * time.Second

// Manager owns every live Session and enforces the hard concurrency cap
// and admission policy.
type Manager struct {
	maxConcurrent     int
	idleTimeout       time.Duration
	backpressure      *backpressure.Controller

	mu       sync.Mutex
	sessions map[string]*Session
	waiters  []chan struct{} // FIFO queue of goroutines waiting for a free slot

	onExpire func(*Session)
}

// NewManager creates a Manager enforcing maxConcurrent active sessions.
// bp may be nil, in which case admission never queues or rejects on
// backpressure grounds (only the raw capacity cap applies).
func NewManager(maxConcurrent int, idleTimeout time.Duration, bp *backpressure.Controller) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Manager{
		maxConcurrent: maxConcurrent,
		idleTimeout:   idleTimeout,
		backpressure:  bp,
		sessions:      make(map[string]*Session),
	}
}

// SetExpireHook installs a callback invoked once per session the idle
// sweep terminates.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) level() backpressure.Level {
	if m.backpressure == nil {
		return backpressure.LevelNormal
	}
	return m.backpressure.Level()
}

// Create admits a new Session under cfg, or returns ErrCapacityExhausted/
// ErrAdmissionTimeout. Admission and the active-count update happen
// under a single lock so a session can never be double-admitted past the
// cap. A woken waiter always rechecks capacity before admitting: a
// concurrently-arriving direct Create can steal a just-freed slot between
// Close's wake and the waiter's re-lock, so the woken waiter must be
// prepared to rejoin the queue rather than admit unconditionally.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	deadline := time.Now().Add(AdmissionDeadline)

	m.mu.Lock()
	for {
		lvl := m.level()

		if lvl >= backpressure.LevelSessionReject {
			m.mu.Unlock()
			return nil, ErrCapacityExhausted
		}

		if len(m.sessions) < m.maxConcurrent {
			return m.admitLocked(cfg), nil
		}

		if lvl != backpressure.LevelSessionQueue {
			m.mu.Unlock()
			return nil, ErrCapacityExhausted
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.mu.Unlock()
			return nil, ErrAdmissionTimeout
		}

		// Capacity is full under SESSION_QUEUE: join the FIFO wait queue,
		// bounded by the overall AdmissionDeadline.
		wait := make(chan struct{})
		m.waiters = append(m.waiters, wait)
		m.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			m.mu.Lock()
			// Loop back around: re-evaluate level/capacity before
			// admitting instead of assuming the wake means a slot is
			// still ours.
		case <-timer.C:
			m.removeWaiter(wait)
			return nil, ErrAdmissionTimeout
		case <-ctx.Done():
			timer.Stop()
			m.removeWaiter(wait)
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) removeWaiter(wait chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == wait {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// admitLocked creates and registers a Session. Must be called with m.mu
// held; it releases the lock before returning.
func (m *Manager) admitLocked(cfg Config) *Session {
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Config:         cfg,
		FSM:            turn.New(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	return clone(s)
}

// Get returns a snapshot of the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch records activity on a session, resetting its idle timer.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordBargeIn increments a session's barge-in counter.
func (m *Manager) RecordBargeIn(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.BargeInCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordTurnCompleted increments a session's completed-turn counter and
// clears its active turn id.
func (m *Manager) RecordTurnCompleted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TurnsCompleted++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Close destroys a session explicitly (client close, not idle/capacity
// reclaim), freeing its slot and waking the oldest queued waiter if any.
func (m *Manager) Close(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, id)
	m.wakeOneWaiterLocked()
	m.mu.Unlock()
	return clone(s), nil
}

// wakeOneWaiterLocked signals the oldest queued Create call that a slot
// is free. Must be called with m.mu held.
func (m *Manager) wakeOneWaiterLocked() {
	if len(m.waiters) == 0 {
		return
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	close(w)
}

// ActiveCount returns the number of currently live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartJanitor launches a background idle sweep on the given interval
// until ctx is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

func (m *Manager) sweepIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, clone(s))
		m.wakeOneWaiterLocked()
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

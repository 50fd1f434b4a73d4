// Package turn implements the per-session turn state machine: the explicit
// IDLE/LISTENING/THINKING/SPEAKING/INTERRUPTED states a conversation turn
// moves through, and the guarded transition table between them.
package turn

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the five turn states.
type State string

const (
	StateIdle        State = "IDLE"
	StateListening   State = "LISTENING"
	StateThinking    State = "THINKING"
	StateSpeaking    State = "SPEAKING"
	StateInterrupted State = "INTERRUPTED"
)

// Event names the triggers that drive transitions.
type Event string

const (
	EventSessionOpen          Event = "session.open"
	EventUserAudioStart       Event = "user_audio_start"
	EventEndpointDetected     Event = "endpoint_detected"
	EventFirstTokenEmitted    Event = "first_token_emitted"
	EventPreFirstAudioTimeout Event = "pre_first_audio_timeout"
	EventTTSComplete          Event = "tts_complete"
	EventPlayoutDrained       Event = "playout_drained"
	EventBargeIn              Event = "barge_in_event"
	EventCancelComplete       Event = "cancel_complete"
	EventSessionClose         Event = "session.close"
)

// transition describes one edge of the table in the turn-state-machine
// section: from, trigger, to, and the side-effect label a caller can log.
type transition struct {
	from   State
	event  Event
	to     State
	effect string
}

var table = []transition{
	{StateIdle, EventSessionOpen, StateListening, "start_vad"},
	{StateIdle, EventUserAudioStart, StateListening, "start_vad"},
	{StateListening, EventEndpointDetected, StateThinking, "launch_llm"},
	{StateThinking, EventFirstTokenEmitted, StateSpeaking, "launch_tts_and_animation_arm_cancel"},
	{StateThinking, EventPreFirstAudioTimeout, StateListening, "log_turn_timeout"},
	{StateSpeaking, EventTTSComplete, StateListening, "finalize_turn_metrics"},
	{StateSpeaking, EventBargeIn, StateInterrupted, "fire_cancel"},
	{StateInterrupted, EventCancelComplete, StateListening, ""},
}

// ErrInvalidTransition is returned when an event has no edge from the
// machine's current state.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("turn: no transition for event %q from state %q", e.Event, e.From)
}

// Transition records one completed state change, for metrics/logging.
type Transition struct {
	From      State
	To        State
	Event     Event
	Effect    string
	At        time.Time
}

// Machine is a single session's turn state machine. All mutation goes
// through Fire, which serializes via an internal mutex — "only one
// transition may be in flight per session" is satisfied by taking the lock
// for the whole from-check/to-apply sequence, not just the field write.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition

	onTransition func(Transition)
}

// New creates a Machine starting in IDLE, any.session.close resets to IDLE
// from any state, handled separately in Fire below.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// OnTransition installs a callback invoked (while the state lock is still
// held) after every successful transition, for wiring metrics/event emit.
// Must be set before the machine starts handling events from other
// goroutines.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies event to the machine. session.close is valid from any state
// and always moves to IDLE; every other event is looked up in the
// transition table against the current state. Returns the resulting
// Transition, or an *ErrInvalidTransition if no edge matches.
func (m *Machine) Fire(event Event) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventSessionClose {
		tr := Transition{From: m.state, To: StateIdle, Event: event, Effect: "release_resources", At: time.Now()}
		m.state = StateIdle
		m.history = append(m.history, tr)
		if m.onTransition != nil {
			m.onTransition(tr)
		}
		return tr, nil
	}

	for _, e := range table {
		if e.from == m.state && e.event == event {
			tr := Transition{From: m.state, To: e.to, Event: event, Effect: e.effect, At: time.Now()}
			m.state = e.to
			m.history = append(m.history, tr)
			if m.onTransition != nil {
				m.onTransition(tr)
			}
			return tr, nil
		}
	}

	return Transition{}, &ErrInvalidTransition{From: m.state, Event: event}
}

// CanFire reports whether event has a valid edge from the current state,
// without applying it.
func (m *Machine) CanFire(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event == EventSessionClose {
		return true
	}
	for _, e := range table {
		if e.from == m.state && e.event == event {
			return true
		}
	}
	return false
}

// History returns a snapshot of every transition applied so far, oldest
// first. Intended for turn postmortems and tests, not the hot path.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// BargeInArmed reports whether barge-in detection should be active for the
// current state — armed throughout LISTENING and SPEAKING, not only while
// the agent is idle.
func (m *Machine) BargeInArmed() bool {
	s := m.State()
	return s == StateListening || s == StateSpeaking
}

// Package backpressure implements the system-wide degradation ladder: a
// monotonic level recomputed every second from live metrics, stepping up
// by any triggered condition but down only one level at a time once the
// triggers of the current level and every level above it have been clear
// for two consecutive samples.
package backpressure

import (
	"sync"

	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
)

// Level is one rung of the ladder, ordered from least to most degraded.
type Level int

const (
	LevelNormal Level = iota
	LevelAnimationYield
	LevelVerbosityReduce
	LevelToolRefuse
	LevelSessionQueue
	LevelSessionReject
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelAnimationYield:
		return "ANIMATION_YIELD"
	case LevelVerbosityReduce:
		return "VERBOSITY_REDUCE"
	case LevelToolRefuse:
		return "TOOL_REFUSE"
	case LevelSessionQueue:
		return "SESSION_QUEUE"
	case LevelSessionReject:
		return "SESSION_REJECT"
	default:
		return "UNKNOWN"
	}
}

// Metrics is one second's snapshot of the live signals the ladder's
// trigger sets are evaluated against.
type Metrics struct {
	AnimLagMs     float64
	VRAMPercent   float64
	TTFAP95Ms     float64
	ActiveSessions int
	MaxSessions    int
	ErrorRatePct   float64
}

// triggered reports whether any of Level l's trigger conditions hold
// given m. LevelNormal is never "triggered" — it is the resting state.
func (l Level) triggered(m Metrics) bool {
	switch l {
	case LevelAnimationYield:
		return m.AnimLagMs > 120 || m.VRAMPercent > 85
	case LevelVerbosityReduce:
		return m.TTFAP95Ms > 200 || m.VRAMPercent > 90 || m.ActiveSessions >= m.MaxSessions-2
	case LevelToolRefuse:
		return m.TTFAP95Ms > 225 || m.VRAMPercent > 93
	case LevelSessionQueue:
		return m.TTFAP95Ms > 240 || m.VRAMPercent > 95 || m.ActiveSessions >= m.MaxSessions-1
	case LevelSessionReject:
		return m.TTFAP95Ms >= 250 || m.VRAMPercent > 98 || m.ActiveSessions >= m.MaxSessions || m.ErrorRatePct > 5
	default:
		return false
	}
}

// escalationOrder lists every degraded level from most to least severe,
// so Evaluate can find the highest level whose triggers fire this sample.
var escalationOrder = []Level{
	LevelSessionReject,
	LevelSessionQueue,
	LevelToolRefuse,
	LevelVerbosityReduce,
	LevelAnimationYield,
}

// Controller holds the ladder's current level and the hysteresis state
// needed to step down only after triggers have cleared for two
// consecutive samples.
type Controller struct {
	logger orchestrator.Logger

	mu              sync.Mutex
	level           Level
	clearStreak     int // consecutive samples with every trigger at/above current level cleared
}

// NewController creates a Controller starting at LevelNormal. logger may
// be nil, in which case a NoOpLogger is used.
func NewController(logger orchestrator.Logger) *Controller {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Controller{logger: logger}
}

// Level returns the current ladder level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Evaluate recomputes the level from one second's Metrics sample and
// returns the (possibly unchanged) resulting Level. The ladder may jump
// up multiple rungs in one sample (any-of semantics across all levels),
// but only ever steps down by exactly one rung per call, and only once
// every trigger at the current level and above has been clear for two
// consecutive samples (triggers of lower levels may still be firing). Manual override to a lower level is
// intentionally not exposed — forcing a step down is a contract
// violation this controller refuses to let an operator cause.
func (c *Controller) Evaluate(m Metrics) Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	highest := LevelNormal
	for _, lvl := range escalationOrder {
		if lvl.triggered(m) {
			highest = lvl
			break
		}
	}

	if highest > c.level {
		c.level = highest
		c.clearStreak = 0
		c.logger.Warn("backpressure level escalated", "level", c.level.String())
		return c.level
	}

	if highest == c.level {
		c.clearStreak = 0
		return c.level
	}

	// highest < c.level: every trigger at the current level (and above) is
	// clear this sample. Require two consecutive clear samples before
	// stepping down, and only by one rung.
	c.clearStreak++
	if c.clearStreak >= 2 && c.level > LevelNormal {
		c.level--
		c.clearStreak = 0
		c.logger.Info("backpressure level stepped down", "level", c.level.String())
	}
	return c.level
}

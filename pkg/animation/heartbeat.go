package animation

import (
	"context"
	"sync"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/audioclock"
)

// Config bounds a Heartbeat's cadence and failure-mode timers.
type Config struct {
	FPS int // stable cadence, 30-60 Hz

	// HoldThreshold is how long without a new real frame before the
	// heartbeat starts holding the last valid pose. Production default is
	// 100ms.
	HoldThreshold time.Duration
	// FreezeThreshold is how long without a new real frame before easing
	// toward the neutral pose begins. Production default is 150ms.
	FreezeThreshold time.Duration
	// EaseDuration is how long the ease-to-neutral transition takes once
	// triggered. Production default is 150ms; weights never snap
	// instantly.
	EaseDuration time.Duration
	// DropLagThreshold: if the gap since the last real frame exceeds this,
	// frames are dropped unconditionally rather than synthesized (audio
	// continues regardless) — a local last-resort timeout for an adapter
	// that never recovers, distinct from the Backpressure Controller's own
	// animation-lag trigger (ANIMATION_YIELD, driven by SetYield
	// regardless of this value). Must exceed FreezeThreshold+EaseDuration,
	// or the ease-to-neutral phase can never run to completion. Production
	// default is 400ms.
	DropLagThreshold time.Duration
}

// DefaultConfig matches the production thresholds.
func DefaultConfig() Config {
	return Config{
		FPS:              60,
		HoldThreshold:    100 * time.Millisecond,
		FreezeThreshold:  150 * time.Millisecond,
		EaseDuration:     150 * time.Millisecond,
		DropLagThreshold: 400 * time.Millisecond,
	}
}

// Heartbeat produces a stable-cadence blendshape stream for one session,
// holding the last pose across small provider gaps and easing to neutral
// across larger ones.
type Heartbeat struct {
	sessionID string
	cfg       Config
	clock     *audioclock.Clock

	mu           sync.Mutex
	lastWeights  map[string]float64
	lastFrameAt  time.Time
	easing       bool
	easeStart    time.Time
	easeFrom     map[string]float64
	yield        bool // ANIMATION_YIELD backpressure: drop unconditionally
}

// NewHeartbeat creates a Heartbeat for one session.
func NewHeartbeat(sessionID string, clock *audioclock.Clock, cfg Config) *Heartbeat {
	return &Heartbeat{
		sessionID:   sessionID,
		cfg:         cfg,
		clock:       clock,
		lastWeights: NeutralPose(),
	}
}

// SetYield toggles unconditional frame dropping, driven by the
// Backpressure Controller's ANIMATION_YIELD level.
func (h *Heartbeat) SetYield(yield bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.yield = yield
}

// OnRealFrame records a provider-produced frame's weights as the current
// pose. Non jaw/mouth channels are sanitized to 0 before being recorded.
func (h *Heartbeat) OnRealFrame(weights map[string]float64) {
	Sanitize(weights)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastWeights = weights
	h.lastFrameAt = time.Now()
	h.easing = false
}

// Run drives the stable cadence, calling emit once per tick with either a
// real-derived pose, a held pose (heartbeat=true), an eased pose, or
// nothing at all if frames are being dropped. Run returns when ctx is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context, emit func(Frame) error) error {
	interval := time.Second / time.Duration(h.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			frame, ok := h.tick(now)
			if !ok {
				continue
			}
			if err := emit(frame); err != nil {
				return err
			}
		}
	}
}

func (h *Heartbeat) tick(now time.Time) (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.yield {
		return Frame{}, false
	}

	gap := now.Sub(h.lastFrameAt)
	if h.lastFrameAt.IsZero() {
		gap = 0
	}

	if gap > h.cfg.DropLagThreshold && h.cfg.DropLagThreshold > 0 {
		return Frame{}, false
	}

	heartbeat := false
	weights := h.lastWeights

	switch {
	case gap >= h.cfg.FreezeThreshold:
		if !h.easing {
			h.easing = true
			h.easeStart = h.lastFrameAt.Add(h.cfg.FreezeThreshold)
			h.easeFrom = cloneWeights(h.lastWeights)
		}
		elapsed := now.Sub(h.easeStart)
		t := 1.0
		if h.cfg.EaseDuration > 0 {
			t = float64(elapsed) / float64(h.cfg.EaseDuration)
		}
		if t > 1 {
			t = 1
		}
		weights = easeTowardNeutral(h.easeFrom, t)
		heartbeat = true
	case gap >= h.cfg.HoldThreshold:
		heartbeat = true
	}

	seq, tAudioMs := h.clock.NextSeq(), h.clock.Now()
	return Frame{
		SessionID: h.sessionID,
		Seq:       seq,
		TAudioMs:  tAudioMs,
		FPS:       h.cfg.FPS,
		Heartbeat: heartbeat,
		Weights:   weights,
	}, true
}

func cloneWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// easeTowardNeutral linearly interpolates every channel toward 0 by
// fraction t (0 = unchanged, 1 = fully neutral). Never snaps instantly:
// callers drive t up from 0 over EaseDuration.
func easeTowardNeutral(from map[string]float64, t float64) map[string]float64 {
	out := make(map[string]float64, len(from))
	for k, v := range from {
		out[k] = v * (1 - t)
	}
	return out
}

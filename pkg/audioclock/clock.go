// Package audioclock owns the per-session audio clock and the Packetizer
// that re-chunks streaming TTS PCM into fixed-duration packets tagged with
// that clock.
package audioclock

import "sync"

// Clock is a session-scoped monotonic audio clock. It starts at 0 at
// session open and advances only when a packet is emitted — overlap bytes
// never advance it.
type Clock struct {
	mu       sync.Mutex
	tAudioMs int64
	nextSeq  uint64
}

// NewClock returns a Clock initialized to t_audio_ms=0, seq=0.
func NewClock() *Clock {
	return &Clock{}
}

// Advance allocates the next (seq, t_audio_ms) pair for an about-to-be-
// emitted packet of the given duration, then advances the clock by that
// duration. seq is strictly increasing; t_audio_ms is strictly increasing
// by exactly durationMs.
func (c *Clock) Advance(durationMs int64) (seq uint64, tAudioMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq = c.nextSeq
	tAudioMs = c.tAudioMs
	c.nextSeq++
	c.tAudioMs += durationMs
	return seq, tAudioMs
}

// Now returns the current t_audio_ms without advancing it — used by the
// animation heartbeat to time-align blendshape frames to the same clock.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tAudioMs
}

// NextSeq returns the sequence number the next Advance call will assign,
// without consuming it.
func (c *Clock) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

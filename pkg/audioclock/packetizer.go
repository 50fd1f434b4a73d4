package audioclock

import (
	"context"
)

// Codec identifies the wire encoding of an AudioPacket's payload.
type Codec string

const (
	CodecPCM16LE Codec = "pcm16le"
	CodecOpus    Codec = "opus"
)

// AudioPacket is the outbound agent-audio unit: a fixed-duration frame
// tagged with the session's audio clock.
type AudioPacket struct {
	SessionID  string
	Seq        uint64
	TAudioMs   int64
	DurationMs int64
	OverlapMs  int64
	Codec      Codec
	Payload    []byte
}

// Format describes the raw PCM a Packetizer consumes: sample rate,
// channel count and bit depth, used to convert ms durations into byte
// counts.
type Format struct {
	SampleRateHz int
	Channels     int
	BitDepth     int // bits per sample, e.g. 16
}

func (f Format) bytesPerMs() int {
	return f.SampleRateHz * f.Channels * (f.BitDepth / 8) / 1000
}

// PartialFramePolicy controls what happens to an incomplete trailing PCM
// chunk once the source stream closes mid-frame.
type PartialFramePolicy int

const (
	// PartialFramePad zero-pads a short final frame up to frameSize and
	// still emits it, provided the shortfall is within
	// MaxPartialFramePadMs. The production default.
	PartialFramePad PartialFramePolicy = iota
	// PartialFrameDrop always discards an incomplete trailing frame.
	PartialFrameDrop
)

// MaxPartialFramePadMs bounds how much silence a trailing frame may be
// padded with and still be emitted; a shortfall beyond this is dropped
// even under PartialFramePad.
const MaxPartialFramePadMs = 10

// Packetizer rechunks a lazy PCM byte stream into exactly duration_ms
// frames, duplicating the last overlap_ms of each frame as the lead-in of
// the next for receiver cross-fade, while the clock advances only by
// duration_ms per emitted packet.
type Packetizer struct {
	sessionID  string
	format     Format
	durationMs int64
	overlapMs  int64
	codec      Codec
	clock      *Clock

	buf       []byte
	prevTail  []byte
	frameSize int
	tailSize  int
	policy    PartialFramePolicy
}

// NewPacketizer creates a Packetizer for one session. durationMs and
// overlapMs are expected to be 20 and 5 respectively in production, but
// are parameters so tests can use smaller frames. The trailing-frame
// policy defaults to PartialFramePad; override with
// SetPartialFramePolicy.
func NewPacketizer(sessionID string, format Format, durationMs, overlapMs int64, codec Codec, clock *Clock) *Packetizer {
	bpm := format.bytesPerMs()
	return &Packetizer{
		sessionID:  sessionID,
		format:     format,
		durationMs: durationMs,
		overlapMs:  overlapMs,
		codec:      codec,
		clock:      clock,
		frameSize:  bpm * int(durationMs),
		tailSize:   bpm * int(overlapMs),
		policy:     PartialFramePad,
	}
}

// SetPartialFramePolicy overrides how an incomplete trailing frame at
// stream end is handled.
func (p *Packetizer) SetPartialFramePolicy(policy PartialFramePolicy) {
	p.policy = policy
}

// Run consumes pcm (a lazy sequence of raw PCM chunks at the configured
// format's rate) until it closes or ctx is cancelled, calling emit once
// per complete frame. Once pcm closes, any final partial frame is handled
// per the configured PartialFramePolicy: padded with silence and emitted
// if the shortfall is within MaxPartialFramePadMs (the default), or
// dropped outright — either way a turn interrupted mid-frame never emits
// a short, malformed packet.
func (p *Packetizer) Run(ctx context.Context, pcm <-chan []byte, emit func(AudioPacket) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				return p.flushTrailing(emit)
			}
			p.buf = append(p.buf, chunk...)
			for len(p.buf) >= p.frameSize {
				frame := p.buf[:p.frameSize]
				p.buf = p.buf[p.frameSize:]

				payload := p.composePayload(frame)
				seq, tAudioMs := p.clock.Advance(p.durationMs)

				pkt := AudioPacket{
					SessionID:  p.sessionID,
					Seq:        seq,
					TAudioMs:   tAudioMs,
					DurationMs: p.durationMs,
					OverlapMs:  p.overlapMs,
					Codec:      p.codec,
					Payload:    payload,
				}
				if err := emit(pkt); err != nil {
					return err
				}

				if p.tailSize > 0 && p.tailSize <= len(frame) {
					tail := make([]byte, p.tailSize)
					copy(tail, frame[len(frame)-p.tailSize:])
					p.prevTail = tail
				}
			}
		}
	}
}

// composePayload prepends the previous frame's duplicated overlap tail
// (zero-filled lead-in silence for the very first frame) ahead of the new
// frame content. The clock is unaffected by this — only duration_ms worth
// of *new* source content ever advances t_audio_ms.
func (p *Packetizer) composePayload(frame []byte) []byte {
	if p.tailSize == 0 {
		out := make([]byte, len(frame))
		copy(out, frame)
		return out
	}
	lead := p.prevTail
	if lead == nil {
		lead = make([]byte, p.tailSize)
	}
	out := make([]byte, 0, len(lead)+len(frame))
	out = append(out, lead...)
	out = append(out, frame...)
	return out
}

// flushTrailing disposes of any partial frame left in buf once the source
// stream closes, per p.policy. Must only be called once, from Run's
// stream-closed branch.
func (p *Packetizer) flushTrailing(emit func(AudioPacket) error) error {
	if len(p.buf) == 0 {
		return nil
	}
	defer func() { p.buf = nil }()

	if p.policy == PartialFrameDrop {
		return nil
	}

	shortfall := p.frameSize - len(p.buf)
	bpm := p.format.bytesPerMs()
	if bpm == 0 || shortfall > MaxPartialFramePadMs*bpm {
		return nil
	}

	frame := make([]byte, p.frameSize)
	copy(frame, p.buf)

	payload := p.composePayload(frame)
	seq, tAudioMs := p.clock.Advance(p.durationMs)

	pkt := AudioPacket{
		SessionID:  p.sessionID,
		Seq:        seq,
		TAudioMs:   tAudioMs,
		DurationMs: p.durationMs,
		OverlapMs:  p.overlapMs,
		Codec:      p.codec,
		Payload:    payload,
	}
	return emit(pkt)
}

// Package animation implements the blendshape heartbeat and slow-freeze
// policy: holding the last valid pose across small gaps, easing to a
// neutral pose over larger ones, and dropping frames outright under lag
// or backpressure.
package animation

// ARKit52 is the canonical list of ARKit blendshape channel names a Frame
// carries weights for.
var ARKit52 = []string{
	"eyeBlinkLeft", "eyeLookDownLeft", "eyeLookInLeft", "eyeLookOutLeft", "eyeLookUpLeft",
	"eyeSquintLeft", "eyeWideLeft", "eyeBlinkRight", "eyeLookDownRight", "eyeLookInRight",
	"eyeLookOutRight", "eyeLookUpRight", "eyeSquintRight", "eyeWideRight",
	"jawForward", "jawLeft", "jawRight", "jawOpen",
	"mouthClose", "mouthFunnel", "mouthPucker", "mouthLeft", "mouthRight",
	"mouthSmileLeft", "mouthSmileRight", "mouthFrownLeft", "mouthFrownRight",
	"mouthDimpleLeft", "mouthDimpleRight", "mouthStretchLeft", "mouthStretchRight",
	"mouthRollLower", "mouthRollUpper", "mouthShrugLower", "mouthShrugUpper",
	"mouthPressLeft", "mouthPressRight", "mouthLowerDownLeft", "mouthLowerDownRight",
	"mouthUpperUpLeft", "mouthUpperUpRight",
	"browDownLeft", "browDownRight", "browInnerUp", "browOuterUpLeft", "browOuterUpRight",
	"cheekPuff", "cheekSquintLeft", "cheekSquintRight",
	"noseSneerLeft", "noseSneerRight",
	"tongueOut",
}

// jawMouthChannels are the only weights a normal (non-heartbeat,
// non-easing) frame drives from audio; every other ARKit52 channel stays
// pinned at 0 — no emotion overlay, no inference-driven expression.
var jawMouthChannels = map[string]bool{
	"jawForward": true, "jawLeft": true, "jawRight": true, "jawOpen": true,
	"mouthClose": true, "mouthFunnel": true, "mouthPucker": true, "mouthLeft": true, "mouthRight": true,
	"mouthSmileLeft": true, "mouthSmileRight": true, "mouthFrownLeft": true, "mouthFrownRight": true,
	"mouthDimpleLeft": true, "mouthDimpleRight": true, "mouthStretchLeft": true, "mouthStretchRight": true,
	"mouthRollLower": true, "mouthRollUpper": true, "mouthShrugLower": true, "mouthShrugUpper": true,
	"mouthPressLeft": true, "mouthPressRight": true, "mouthLowerDownLeft": true, "mouthLowerDownRight": true,
	"mouthUpperUpLeft": true, "mouthUpperUpRight": true,
}

// Frame is one outbound blendshape sample, time-aligned to the audio
// clock.
type Frame struct {
	SessionID string
	Seq       uint64
	TAudioMs  int64
	FPS       int
	Heartbeat bool
	Weights   map[string]float64
}

// NeutralPose returns a fresh weight map with every ARKit52 channel
// pinned at 0 — jaw/mouth included, since a neutral pose by definition
// carries no audio-driven articulation either.
func NeutralPose() map[string]float64 {
	w := make(map[string]float64, len(ARKit52))
	for _, name := range ARKit52 {
		w[name] = 0
	}
	return w
}

// Sanitize clears every non jaw/mouth channel to 0 in place, enforcing
// "no emotion overlay" on a provider-supplied weight map before it is
// emitted.
func Sanitize(weights map[string]float64) {
	for _, name := range ARKit52 {
		if !jawMouthChannels[name] {
			weights[name] = 0
		}
	}
}

package transport

// ClientMessage is one inbound media-channel message: either a raw PCM
// chunk or a control event (the transcript STT committed, or an
// explicit barge-in signal from a client-side VAD).
type ClientMessage struct {
	Type       string `json:"type"` // "audio", "transcript_final", "barge_in"
	PCM        []byte `json:"pcm,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ServerMessage is one outbound media-channel message.
type ServerMessage struct {
	Type       string `json:"type"` // "audio_chunk", "blendshape_chunk", "event", "error"
	PCM        []byte `json:"pcm,omitempty"`
	Blendshape any    `json:"blendshape,omitempty"`
	Event      string `json:"event,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

package orchestrator

import (
	"context"
)



type Logger interface {
	
	Debug(msg string, args ...interface{})
	
	Info(msg string, args ...interface{})
	
	Warn(msg string, args ...interface{})
	
	Error(msg string, args ...interface{})
}


type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}


type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}


type StreamingSTTProvider interface {
	STTProvider
	StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error)
}


type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}


type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error
	// Abort forcibly tears down any in-flight synthesis (e.g. a streaming
	// connection) so that a barge-in stops audio at the provider, not just at
	// the local context boundary. Providers with nothing to tear down return nil.
	Abort() error
	Name() string
}


// AnimationProvider is the streaming contract for an audio-to-blendshape
// engine. It mirrors STTProvider/LLMProvider/TTSProvider: start a stream,
// receive chunks via callback, cancel must be safe to call at any time.
type AnimationProvider interface {
	StreamAnimate(ctx context.Context, pcm <-chan []byte, onFrame func(frame any) error) error
	Health() HealthState
	Name() string
}


type HealthState string

const (
	HealthReady    HealthState = "ready"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)


type VADProvider interface {
	Process(chunk []byte) (*VADEvent, error)
	Reset()
	Clone() VADProvider
	Name() string
}


type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)


type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}


type EventType string

const (
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	TranscriptPartial EventType = "TRANSCRIPT_PARTIAL"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	BotThinking       EventType = "BOT_THINKING"
	BotResponse       EventType = "BOT_RESPONSE"
	BotSpeaking       EventType = "BOT_SPEAKING"
	Interrupted       EventType = "INTERRUPTED"
	AudioChunk        EventType = "AUDIO_CHUNK"
	BlendshapeChunk   EventType = "BLENDSHAPE_CHUNK"
	DegradedEvent     EventType = "DEGRADED"
	TurnTimeoutEvent  EventType = "TURN_TIMEOUT"
	ErrorEvent        EventType = "ERROR"
)


type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}


type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)


type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)


type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}


// MinWordsToInterrupt debounces barge-in: a non-empty transcript shorter
// than this many words does not interrupt, whatever the turn state. An
// empty transcript always interrupts. Read from session.Config and
// consulted by pkg/pipeline's BargeIn.
const DefaultMinWordsToInterrupt = 1

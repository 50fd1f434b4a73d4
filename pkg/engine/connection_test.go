package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/audioclock"
	"github.com/duet-ai/duet-orchestrator/pkg/backpressure"
	"github.com/duet-ai/duet-orchestrator/pkg/config"
	"github.com/duet-ai/duet-orchestrator/pkg/observability"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/session"
	"github.com/duet-ai/duet-orchestrator/pkg/storage"
	"github.com/duet-ai/duet-orchestrator/pkg/transport"
)

type fakeSTT struct{}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return "fallback transcript", nil
}
func (f *fakeSTT) Name() string { return "fake-stt" }

type fakeLLM struct{}

func (f *fakeLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return "hi there", nil
}
func (f *fakeLLM) Name() string { return "fake-llm" }

type fakeTTS struct{}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return []byte("audio"), nil
}
func (f *fakeTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	return onChunk(make([]byte, 640))
}
func (f *fakeTTS) Abort() error { return nil }
func (f *fakeTTS) Name() string { return "fake-tts" }

type fakeFactory struct{}

func (f *fakeFactory) STT(name string) (orchestrator.STTProvider, error) { return &fakeSTT{}, nil }
func (f *fakeFactory) LLM(name string) (orchestrator.LLMProvider, error) { return &fakeLLM{}, nil }
func (f *fakeFactory) TTS(name string) (orchestrator.TTSProvider, error) { return &fakeTTS{}, nil }
func (f *fakeFactory) Animation() orchestrator.AnimationProvider         { return nil }

var testEngineNamespaceCounter int64

func newTestEngine(t *testing.T) (*Engine, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(10, time.Minute, nil)
	ns := fmt.Sprintf("test_engine_%d", atomic.AddInt64(&testEngineNamespaceCounter, 1))
	metrics := observability.NewMetrics(ns)
	store := storage.NewInMemoryStore()
	cfg := config.Config{
		SampleRateHz:           16000,
		PreFirstAudioTimeoutMs: 500,
	}
	return New(sessions, &fakeFactory{}, metrics, store, cfg), sessions
}

func TestEngine_RunConnection_ProcessesTranscriptFinal(t *testing.T) {
	e, sessions := newTestEngine(t)
	sess, err := sessions.Create(context.Background(), session.Config{TenantID: "acme"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan transport.ClientMessage, 4)
	outbound := make(chan transport.ServerMessage, 256)

	var mu sync.Mutex
	var seen []transport.ServerMessage
	go func() {
		for msg := range outbound {
			mu.Lock()
			seen = append(seen, msg)
			mu.Unlock()
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- e.RunConnection(ctx, sess, inbound, outbound)
	}()

	inbound <- transport.ClientMessage{Type: "transcript_final", Transcript: "hello there"}

	// Allow the single in-process turn to complete.
	time.Sleep(200 * time.Millisecond)

	close(inbound)
	cancel()
	<-done
	close(outbound)

	updated, err := sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("session disappeared: %v", err)
	}
	if updated.TurnsCompleted != 1 {
		t.Errorf("expected 1 completed turn, got %d", updated.TurnsCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Error("expected at least one outbound message (audio or event)")
	}
}

func TestEngine_MakeEmit_RecordsOutboundAudioForEchoSuppression(t *testing.T) {
	e, _ := newTestEngine(t)
	outbound := make(chan transport.ServerMessage, 4)
	echo := orchestrator.NewEchoSuppressor()
	emit := e.makeEmit("sess-1", outbound, echo)

	played := []byte("synthesized-tts-audio")
	emit(orchestrator.AudioChunk, audioclock.AudioPacket{Payload: played})

	select {
	case msg := <-outbound:
		if msg.Type != "audio_chunk" {
			t.Fatalf("expected audio_chunk message, got %q", msg.Type)
		}
	default:
		t.Fatal("expected an outbound audio_chunk message")
	}

	if !echo.IsEcho(played) {
		t.Error("expected the just-emitted audio chunk to be recognized as echo immediately afterward")
	}
}

func TestEngine_BargeIn_UnknownConnectionReturnsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.BargeIn("nonexistent", ""); err != session.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_VerbosityAndAnimationHints_FollowBackpressureLevel(t *testing.T) {
	e, _ := newTestEngine(t)

	if hint := e.verbosityHint(); hint != "" {
		t.Errorf("expected no verbosity hint with no backpressure controller wired, got %q", hint)
	}
	if e.animationYield() {
		t.Error("expected no animation yield with no backpressure controller wired")
	}

	bp := backpressure.NewController(&orchestrator.NoOpLogger{})
	e.SetBackpressure(bp)

	if hint := e.verbosityHint(); hint != "" {
		t.Errorf("expected no verbosity hint at NORMAL, got %q", hint)
	}

	bp.Evaluate(backpressure.Metrics{TTFAP95Ms: 210, ActiveSessions: 1, MaxSessions: 10})

	if hint := e.verbosityHint(); hint == "" {
		t.Error("expected a verbosity hint once the ladder reaches VERBOSITY_REDUCE")
	}
	if !e.animationYield() {
		t.Error("expected animation yield once the ladder is at or past VERBOSITY_REDUCE")
	}
}

func TestEngine_SetPersona_SeedsPinnedPrefixAndDefaultVoice(t *testing.T) {
	e, sessions := newTestEngine(t)
	e.SetPersona(&config.Persona{
		PinnedPrefix: "You are Aria, a concise voice assistant.",
		DefaultVoice: "voice-aria",
	})

	sess, err := sessions.Create(context.Background(), session.Config{TenantID: "acme"})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan transport.ClientMessage, 1)
	outbound := make(chan transport.ServerMessage, 64)
	go func() {
		for range outbound {
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- e.RunConnection(ctx, sess, inbound, outbound)
	}()

	inbound <- transport.ClientMessage{Type: "transcript_final", Transcript: "hi"}
	time.Sleep(100 * time.Millisecond)

	close(inbound)
	cancel()
	<-done
	close(outbound)

	updated, err := sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("session disappeared: %v", err)
	}
	if updated.TurnsCompleted != 1 {
		t.Errorf("expected 1 completed turn, got %d", updated.TurnsCompleted)
	}
}

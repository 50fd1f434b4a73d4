package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/audioclock"
	"github.com/duet-ai/duet-orchestrator/pkg/backpressure"
	"github.com/duet-ai/duet-orchestrator/pkg/cancel"
	"github.com/duet-ai/duet-orchestrator/pkg/config"
	"github.com/duet-ai/duet-orchestrator/pkg/llmcontext"
	"github.com/duet-ai/duet-orchestrator/pkg/observability"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/pipeline"
	"github.com/duet-ai/duet-orchestrator/pkg/session"
	"github.com/duet-ai/duet-orchestrator/pkg/storage"
	"github.com/duet-ai/duet-orchestrator/pkg/transport"
	"github.com/duet-ai/duet-orchestrator/pkg/turn"
)

// conn bundles the running Pipeline and VAD state for one admitted
// session, enough for Engine.BargeIn to reach back into a live turn from
// an HTTP request handled on a different goroutine than RunConnection.
type conn struct {
	pipeline *pipeline.Pipeline
	vad      orchestrator.VADProvider
}

// ProviderFactory resolves named provider adapters. Factory is the
// production implementation, backed by configured credentials; tests
// substitute a fake so RunConnection can be exercised without touching
// the network.
type ProviderFactory interface {
	STT(name string) (orchestrator.STTProvider, error)
	LLM(name string) (orchestrator.LLMProvider, error)
	TTS(name string) (orchestrator.TTSProvider, error)
	Animation() orchestrator.AnimationProvider
}

// Engine implements transport.Orchestrator: it builds one Pipeline per
// connection from the session's configured engines, bridges the
// websocket's inbound/outbound channels into RunTurn/BargeIn calls, and
// records turn outcomes to storage and metrics.
type Engine struct {
	sessions   *session.Manager
	factory    ProviderFactory
	metrics    *observability.Metrics
	store      storage.Store
	cancelCtrl *cancel.Controller
	cfg        config.Config
	bp         *backpressure.Controller
	persona    *config.Persona

	mu    sync.Mutex
	conns map[string]*conn
}

func New(sessions *session.Manager, factory ProviderFactory, metrics *observability.Metrics, store storage.Store, cfg config.Config) *Engine {
	return &Engine{
		sessions:   sessions,
		factory:    factory,
		metrics:    metrics,
		store:      store,
		cancelCtrl: cancel.NewController(cancel.DefaultStageDeadlines),
		cfg:        cfg,
		conns:      make(map[string]*conn),
	}
}

// SetBackpressure wires the shared degradation-ladder controller so each
// turn can consult its current level (VERBOSITY_REDUCE shortens
// responses via Dependencies.VerbosityHint). Optional: a nil controller
// leaves every turn running at full verbosity.
func (e *Engine) SetBackpressure(bp *backpressure.Controller) {
	e.bp = bp
}

// SetPersona installs the loaded persona whose PinnedPrefix seeds every
// new session's context buffer. Optional: a nil persona leaves sessions
// with no pinned system prompt.
func (e *Engine) SetPersona(p *config.Persona) {
	e.persona = p
}

// RunConnection builds the session's provider stack and turn pipeline,
// then drains inbound messages until the channel closes (connection
// teardown), running at most one turn at a time — concurrent barge-in
// arrives out of band via BargeIn, not through inbound.
func (e *Engine) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan transport.ClientMessage, outbound chan<- transport.ServerMessage) error {
	sttProvider, err := e.factory.STT(sess.Config.EngineSTT)
	if err != nil {
		return err
	}
	llmProvider, err := e.factory.LLM(sess.Config.EngineLLM)
	if err != nil {
		return err
	}
	ttsProvider, err := e.factory.TTS(sess.Config.EngineTTS)
	if err != nil {
		return err
	}
	animProvider := e.factory.Animation()

	ctxBuf := llmcontext.New(llmcontext.DefaultConfig(), newLLMSummarizer(llmProvider))
	if e.persona != nil && e.persona.PinnedPrefix != "" {
		_ = ctxBuf.SetPinnedPrefix(e.persona.PinnedPrefix)
	}

	clock := audioclock.NewClock()
	format := audioclock.Format{SampleRateHz: e.cfg.SampleRateHz, Channels: 1, BitDepth: 16}

	voice := orchestrator.Voice(sess.Config.VoiceID)
	if voice == "" && e.persona != nil && e.persona.DefaultVoice != "" {
		voice = orchestrator.Voice(e.persona.DefaultVoice)
	}
	if voice == "" {
		voice = orchestrator.VoiceF1
	}
	lang := orchestrator.LanguageEn
	if e.persona != nil && e.persona.DefaultLanguage != "" {
		lang = orchestrator.Language(e.persona.DefaultLanguage)
	}

	echo := orchestrator.NewEchoSuppressor()
	emit := e.makeEmit(sess.ID, outbound, echo)

	deps := pipeline.Dependencies{
		STT:                  sttProvider,
		LLM:                  llmProvider,
		TTS:                  ttsProvider,
		Animation:            animProvider,
		Context:              ctxBuf,
		Clock:                clock,
		Format:               format,
		Voice:                voice,
		Lang:                 lang,
		Logger:               &orchestrator.NoOpLogger{},
		StageDeadlines:       cancel.DefaultStageDeadlines,
		PreFirstAudioTimeout: time.Duration(e.cfg.PreFirstAudioTimeoutMs) * time.Millisecond,
		VerbosityHint:        e.verbosityHint,
		AnimationYield:       e.animationYield,
	}

	pl := pipeline.New(sess.ID, deps, sess.FSM, emit)
	if sess.FSM.State() == turn.StateIdle {
		if _, err := sess.FSM.Fire(turn.EventSessionOpen); err != nil {
			return err
		}
	}
	vad := orchestrator.NewRMSVAD(0.02, 500*time.Millisecond)

	e.mu.Lock()
	e.conns[sess.ID] = &conn{pipeline: pl, vad: vad}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.conns, sess.ID)
		e.mu.Unlock()
	}()

	var audioBuf []byte

	for msg := range inbound {
		switch msg.Type {
		case "transcript_final":
			e.runTurn(ctx, sess, pl, ctxBuf, msg.Transcript)
		case "audio":
			// Cleaned ahead of VAD: the agent's own just-played TTS audio
			// leaking back through an open mic would otherwise look like
			// user speech and fire a false barge-in.
			pcmIn := echo.RemoveEchoRealtime(msg.PCM)
			audioBuf = append(audioBuf, pcmIn...)
			ev, verr := vad.Process(pcmIn)
			if verr != nil {
				e.metrics.ObserveProviderError("vad", "process")
				continue
			}
			if ev == nil || ev.Type != orchestrator.VADSpeechEnd {
				continue
			}
			pcm := audioBuf
			audioBuf = nil
			transcript, terr := sttProvider.Transcribe(ctx, pcm, lang)
			if terr != nil {
				e.metrics.ObserveProviderError(sttProvider.Name(), "transcribe")
				continue
			}
			if transcript == "" {
				continue
			}
			e.runTurn(ctx, sess, pl, ctxBuf, transcript)
		}

		if ctx.Err() != nil {
			break
		}
	}

	return ctx.Err()
}

// runTurn drives one turn end to end and records its outcome, swallowing
// the turn error into a provider-error metric rather than tearing down
// the whole connection — a single bad turn should not kill the session.
func (e *Engine) runTurn(ctx context.Context, sess *session.Session, pl *pipeline.Pipeline, ctxBuf *llmcontext.Buffer, transcript string) {
	before := ctxBuf.Snapshot().StateBlock

	start := time.Now()
	if err := pl.RunTurn(ctx, transcript); err != nil {
		e.metrics.ObserveProviderError("pipeline", "run_turn")
		return
	}
	e.metrics.ObserveTurnStage("turn_total", time.Since(start))

	after := ctxBuf.Snapshot().StateBlock
	if after != before {
		e.metrics.ContextRollovers.Inc()
		_ = e.sessions.Touch(sess.ID)
	}

	_ = e.sessions.RecordTurnCompleted(sess.ID)

	if e.store != nil {
		rec := storage.TurnRecord{
			SessionID:  sess.ID,
			TenantID:   sess.Config.TenantID,
			Transcript: transcript,
			CreatedAt:  time.Now().UTC(),
		}
		_ = e.store.SaveTurn(ctx, rec)
	}
}

// verbosityHint reports the degraded-response system note VERBOSITY_REDUCE
// (or worse) calls for, or "" at normal load.
func (e *Engine) verbosityHint() string {
	if e.bp == nil {
		return ""
	}
	if e.bp.Level() >= backpressure.LevelVerbosityReduce {
		return "Keep your response brief: one or two short sentences."
	}
	return ""
}

// animationYield reports whether the current backpressure level calls
// for unconditional blendshape frame dropping (ANIMATION_YIELD or
// worse).
func (e *Engine) animationYield() bool {
	if e.bp == nil {
		return false
	}
	return e.bp.Level() >= backpressure.LevelAnimationYield
}

// BargeIn drives SPEAKING -> INTERRUPTED -> LISTENING for the session's
// current turn, returning session.ErrNotFound if the connection is not
// currently running (already closed, or never reached RunConnection).
// transcript is whatever speech-so-far backs this interruption attempt
// (empty for a transcript-less signal, e.g. the HTTP cancel endpoint or
// a client with no local STT); the session's MinWordsToInterrupt debounces
// short backchannels when a transcript is actually supplied.
func (e *Engine) BargeIn(sessionID string, transcript string) error {
	e.mu.Lock()
	c, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return session.ErrNotFound
	}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return session.ErrNotFound
	}

	res, err := c.pipeline.BargeIn(e.cancelCtrl, time.Now().UnixMilli(), transcript, sess.Config.MinWordsToInterrupt)
	if err != nil {
		return fmt.Errorf("engine: barge-in failed: %w", err)
	}
	e.metrics.ObserveBargeInLatency(time.Duration(res.ElapsedMs) * time.Millisecond)
	_ = e.sessions.RecordBargeIn(sessionID)
	return nil
}

// makeEmit adapts pipeline lifecycle events onto the websocket's outbound
// channel. Audio and control events block for up to 2 seconds on a full
// channel; past that they are dropped and counted as an outbound_timeout
// provider error. Blendshape frames never block: a full channel drops them
// at once (counted as blendshape_drop) — a stale blendshape frame is
// worthless once superseded anyway.
// Every outbound audio chunk is also fed to echo so the inbound mic path
// can recognize and strip the agent's own playback before it reaches VAD.
func (e *Engine) makeEmit(sessionID string, outbound chan<- transport.ServerMessage, echo *orchestrator.EchoSuppressor) pipeline.EventFunc {
	return func(eventType orchestrator.EventType, data interface{}) {
		var msg transport.ServerMessage
		switch eventType {
		case orchestrator.AudioChunk:
			pkt, ok := data.(audioclock.AudioPacket)
			if !ok {
				return
			}
			echo.RecordPlayedAudio(pkt.Payload)
			msg = transport.ServerMessage{Type: "audio_chunk", PCM: pkt.Payload}
		case orchestrator.BlendshapeChunk:
			msg = transport.ServerMessage{Type: "blendshape_chunk", Blendshape: data}
			select {
			case outbound <- msg:
			default:
				e.metrics.ObserveProviderError("transport", "blendshape_drop")
			}
			return
		case orchestrator.ErrorEvent:
			msg = transport.ServerMessage{Type: "error", Detail: fmt.Sprintf("%v", data)}
		default:
			msg = transport.ServerMessage{Type: "event", Event: string(eventType), Detail: fmt.Sprintf("%v", data)}
		}
		select {
		case outbound <- msg:
		case <-time.After(2 * time.Second):
			e.metrics.ObserveProviderError("transport", "outbound_timeout")
		}
	}
}

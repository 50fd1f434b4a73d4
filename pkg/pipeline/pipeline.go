// Package pipeline wires one session's per-turn stages — ASR, LLM
// generation, TTS synthesis, the Packetizer, and the animation heartbeat
// — into the turn state machine and the shared cancellation token,
// using the explicit state/cancellation primitives of pkg/turn,
// pkg/cancel, pkg/audioclock, and pkg/llmcontext.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duet-ai/duet-orchestrator/pkg/animation"
	"github.com/duet-ai/duet-orchestrator/pkg/audioclock"
	"github.com/duet-ai/duet-orchestrator/pkg/cancel"
	"github.com/duet-ai/duet-orchestrator/pkg/llmcontext"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/turn"
)

// StreamingLLMProvider is an optional capability an LLMProvider may
// additionally implement: incremental token delivery so the pipeline can
// fire first_token_emitted as soon as generation starts producing
// output, rather than only after the full completion returns.
type StreamingLLMProvider interface {
	orchestrator.LLMProvider
	StreamComplete(ctx context.Context, messages []orchestrator.Message, onToken func(token string) error) (full string, err error)
}

// Dependencies bundles the stage adapters and shared infrastructure one
// Pipeline needs. Animation and the streaming LLM capability are
// optional: a nil AnimationProvider simply skips the animation fan-out
// for the turn, and an LLMProvider that does not also implement
// StreamingLLMProvider falls back to treating its one-shot Complete
// result as a single "first token."
type Dependencies struct {
	STT       orchestrator.STTProvider
	LLM       orchestrator.LLMProvider
	TTS       orchestrator.TTSProvider
	Animation orchestrator.AnimationProvider

	Context   *llmcontext.Buffer
	Clock     *audioclock.Clock
	Format    audioclock.Format
	Heartbeat *animation.Heartbeat

	// VerbosityHint, when set, is consulted once per turn. A non-empty
	// return value is injected as an extra system message ahead of the
	// rolling window, letting a degraded VERBOSITY_REDUCE backpressure
	// level steer generation shorter without touching PinnedPrefix.
	VerbosityHint func() string

	// AnimationYield, when set, is consulted once at the start of each
	// speaking stage and forwarded to the heartbeat's SetYield, so an
	// ANIMATION_YIELD backpressure level drops blendshape frames
	// unconditionally for that turn.
	AnimationYield func() bool

	Voice orchestrator.Voice
	Lang  orchestrator.Language

	Logger orchestrator.Logger

	StageDeadlines      cancel.StageDeadlines
	PreFirstAudioTimeout time.Duration // production default 500ms
}

// EventFunc receives pipeline lifecycle events for metrics/transport
// fan-out. eventType mirrors pkg/orchestrator's EventType vocabulary so a
// single event bus can carry both.
type EventFunc func(eventType orchestrator.EventType, data interface{})

// Pipeline runs turns for a single session, serializing FSM transitions
// through turn.Machine while the stage adapters themselves run
// concurrently, coordinated by a per-turn cancel.Token.
type Pipeline struct {
	sessionID string
	deps      Dependencies
	machine   *turn.Machine
	emit      EventFunc

	mu          sync.Mutex
	packetizer  *audioclock.Packetizer
	currentTok  *cancel.Token
}

// New creates a Pipeline for one session, sharing machine (the session's
// turn state machine) so admission/session-level code and the pipeline
// observe the same FSM.
func New(sessionID string, deps Dependencies, machine *turn.Machine, emit EventFunc) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = &orchestrator.NoOpLogger{}
	}
	if deps.PreFirstAudioTimeout <= 0 {
		deps.PreFirstAudioTimeout = 500 * time.Millisecond
	}
	if emit == nil {
		emit = func(orchestrator.EventType, interface{}) {}
	}
	return &Pipeline{sessionID: sessionID, deps: deps, machine: machine, emit: emit}
}

// RunTurn executes one full turn from an endpoint-detected final
// transcript through to LISTENING. It returns once the turn has
// completed, been cancelled, or timed out waiting for first audio.
func (p *Pipeline) RunTurn(ctx context.Context, transcript string) error {
	if _, err := p.machine.Fire(turn.EventEndpointDetected); err != nil {
		return err
	}

	if err := p.deps.Context.AddTurn(ctx, "user", transcript); err != nil {
		p.emit(orchestrator.ErrorEvent, fmt.Sprintf("context limit: %v", err))
		p.machine.Fire(turn.EventPreFirstAudioTimeout)
		return err
	}

	tok := cancel.New(ctx, cancel.AllObservers...)
	p.mu.Lock()
	p.currentTok = tok
	p.mu.Unlock()

	turnCtx, turnCancel := context.WithCancel(ctx)
	defer turnCancel()
	go func() {
		select {
		case <-tok.Done():
			turnCancel()
		case <-turnCtx.Done():
		}
	}()

	p.emit(orchestrator.BotThinking, nil)

	firstToken := make(chan string, 1)
	llmDone := make(chan llmResult, 1)
	go p.runLLM(turnCtx, tok, firstToken, llmDone)

	select {
	case text := <-firstToken:
		if _, err := p.machine.Fire(turn.EventFirstTokenEmitted); err != nil {
			return err
		}
		return p.runSpeaking(turnCtx, tok, text, llmDone)
	case res := <-llmDone:
		// LLM returned without ever signaling a usable first token
		// (error, or empty completion).
		if res.err != nil {
			p.emit(orchestrator.ErrorEvent, fmt.Sprintf("LLM error: %v", res.err))
		}
		p.machine.Fire(turn.EventPreFirstAudioTimeout)
		return res.err
	case <-time.After(p.deps.PreFirstAudioTimeout):
		tok.Fire(cancel.ReasonTimeout, nowMs())
		p.emit(orchestrator.TurnTimeoutEvent, nil)
		p.machine.Fire(turn.EventPreFirstAudioTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type llmResult struct {
	text string
	err  error
}

// runLLM drives the LLM stage, preferring StreamingLLMProvider if the
// configured provider supports it. The first emitted token (or the full
// completion, for non-streaming providers) is sent on firstToken at most
// once, and not at all if the provider fails before producing output or
// returns an empty completion; the final result always arrives on done.
func (p *Pipeline) runLLM(ctx context.Context, tok *cancel.Token, firstToken chan<- string, done chan<- llmResult) {
	defer func() {
		tok.Ack(cancel.ObserverLLM)
	}()

	snap := p.deps.Context.Snapshot()
	messages := make([]orchestrator.Message, 0, len(snap.Window)+1)
	if snap.PinnedPrefix != "" {
		messages = append(messages, orchestrator.Message{Role: "system", Content: snap.PinnedPrefix})
	}
	if snap.StateBlock != "" {
		messages = append(messages, orchestrator.Message{Role: "system", Content: snap.StateBlock})
	}
	if p.deps.VerbosityHint != nil {
		if hint := p.deps.VerbosityHint(); hint != "" {
			messages = append(messages, orchestrator.Message{Role: "system", Content: hint})
		}
	}
	for _, w := range snap.Window {
		messages = append(messages, orchestrator.Message{Role: w.Role, Content: w.Text})
	}

	var sent bool
	sendFirst := func(text string) {
		if sent {
			return
		}
		sent = true
		select {
		case firstToken <- text:
		case <-ctx.Done():
		}
	}

	if streaming, ok := p.deps.LLM.(StreamingLLMProvider); ok {
		full, err := streaming.StreamComplete(ctx, messages, func(token string) error {
			sendFirst(token)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		})
		done <- llmResult{text: full, err: err}
		return
	}

	full, err := p.deps.LLM.Complete(ctx, messages)
	if err == nil && full != "" {
		sendFirst(full)
	}
	done <- llmResult{text: full, err: err}
}

// runSpeaking drives TTS, the Packetizer, and (optionally) the animation
// heartbeat for one turn, transitioning SPEAKING -> LISTENING on clean
// completion.
func (p *Pipeline) runSpeaking(ctx context.Context, tok *cancel.Token, firstText string, llmDone <-chan llmResult) error {
	p.emit(orchestrator.BotSpeaking, nil)

	pz := audioclock.NewPacketizer(p.sessionID, p.deps.Format, 20, 5, audioclock.CodecPCM16LE, p.deps.Clock)
	p.mu.Lock()
	p.packetizer = pz
	p.mu.Unlock()

	pcmForPacketizer := make(chan []byte, 64)
	pcmForAnimation := make(chan []byte, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(pcmForPacketizer)
		defer close(pcmForAnimation)
		p.runTTS(ctx, tok, firstText, llmDone, pcmForPacketizer, pcmForAnimation)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer tok.Ack(cancel.ObserverPacketizer)
		pz.Run(ctx, pcmForPacketizer, func(pkt audioclock.AudioPacket) error {
			p.emit(orchestrator.AudioChunk, pkt)
			return nil
		})
	}()

	var hbWg sync.WaitGroup
	var hbCancel context.CancelFunc
	if p.deps.Animation != nil {
		hb := p.deps.Heartbeat
		if hb == nil {
			hb = animation.NewHeartbeat(p.sessionID, p.deps.Clock, animation.DefaultConfig())
		}
		if p.deps.AnimationYield != nil {
			hb.SetYield(p.deps.AnimationYield())
		}

		var hbCtx context.Context
		hbCtx, hbCancel = context.WithCancel(ctx)
		hbWg.Add(1)
		go func() {
			defer hbWg.Done()
			hb.Run(hbCtx, func(frame animation.Frame) error {
				p.emit(orchestrator.BlendshapeChunk, frame)
				return nil
			})
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer tok.Ack(cancel.ObserverAnimation)
			p.deps.Animation.StreamAnimate(ctx, pcmForAnimation, func(frame any) error {
				if f, ok := frame.(animation.Frame); ok {
					hb.OnRealFrame(f.Weights)
				}
				return nil
			})
		}()
	} else {
		tok.Ack(cancel.ObserverAnimation)
	}

	wg.Wait()
	if hbCancel != nil {
		hbCancel()
		hbWg.Wait()
	}

	if tok.Fired() {
		// A barge-in (or other cancellation) already drove the FSM out of
		// SPEAKING itself; firing tts_complete here would race against
		// that transition and is redundant.
		return nil
	}

	if _, err := p.machine.Fire(turn.EventTTSComplete); err != nil {
		return err
	}
	p.emit(orchestrator.BotResponse, firstText)
	return nil
}

// runTTS waits for the full LLM completion in both streaming and batch
// mode, synthesizes it (falling back to firstText if the completion is
// empty), and fans the resulting PCM out to both the packetizer and the
// animation stage. Audio sends block; animation sends never do — a chunk
// the animation channel cannot take at once is dropped.
func (p *Pipeline) runTTS(ctx context.Context, tok *cancel.Token, firstText string, llmDone <-chan llmResult, toPacketizer, toAnimation chan<- []byte) {
	defer tok.Ack(cancel.ObserverTTS)

	// The hand-rolled TTS adapters synthesize a complete utterance, not
	// individual tokens, so TTS always waits for the full LLM completion
	// even if first_token_emitted already armed the FSM transition.
	text := firstText
	select {
	case res := <-llmDone:
		if res.text != "" {
			text = res.text
		}
	case <-ctx.Done():
		return
	}

	go func() {
		select {
		case <-tok.Done():
			p.deps.TTS.Abort()
		case <-ctx.Done():
		}
	}()

	err := p.deps.TTS.StreamSynthesize(ctx, text, p.deps.Voice, p.deps.Lang, func(chunk []byte) error {
		select {
		case toPacketizer <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case toAnimation <- chunk:
		default:
			// Animation is the slow consumer of the tee: drop the chunk
			// rather than stall audio.
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		p.emit(orchestrator.ErrorEvent, fmt.Sprintf("TTS error: %v", err))
	}
}

// countWords returns the number of whitespace-separated words in s.
func countWords(s string) int {
	fields := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			fields++
			inWord = true
		}
	}
	return fields
}

// BargeIn fires USER_BARGE_IN on the current turn's token (if any is
// armed), transitions SPEAKING -> INTERRUPTED, awaits (or forces) every
// stage's acknowledgment via ctrl, and finally transitions back to
// LISTENING. A second barge-in arriving while one is already being
// processed is coalesced by cancel.Token.Fire's write-once semantics.
//
// transcript is the user's speech-so-far backing this barge-in attempt.
// When it's non-empty and minWords > 1, a transcript shorter than that
// is treated as a backchannel ("mhm", "yeah") rather than a real
// interruption and the call is a no-op success — the assistant keeps
// speaking. An empty transcript (no STT signal available yet, or an
// explicit out-of-band cancel request) always interrupts.
func (p *Pipeline) BargeIn(ctrl *cancel.Controller, tEventMs int64, transcript string, minWords int) (cancel.CompletionResult, error) {
	if transcript != "" && minWords > 1 && countWords(transcript) < minWords {
		return cancel.CompletionResult{}, nil
	}

	p.mu.Lock()
	tok := p.currentTok
	p.mu.Unlock()

	if tok == nil {
		return cancel.CompletionResult{}, fmt.Errorf("pipeline: no active turn to interrupt")
	}

	if !tok.Fire(cancel.ReasonUserBargeIn, tEventMs) {
		return cancel.CompletionResult{}, nil // already cancelled: coalesced no-op
	}

	if _, err := p.machine.Fire(turn.EventBargeIn); err != nil {
		return cancel.CompletionResult{}, err
	}

	res := ctrl.AwaitCompletion(tok)

	if _, err := p.machine.Fire(turn.EventCancelComplete); err != nil {
		return res, err
	}
	p.emit(orchestrator.Interrupted, res)
	return res, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

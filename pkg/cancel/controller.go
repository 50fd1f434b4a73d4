package cancel

import (
	"sync"
	"time"
)

// StageDeadlines holds the per-stage cancel-acknowledgment budgets: each
// stage must honor cancellation within its own deadline.
type StageDeadlines struct {
	LLM        time.Duration
	TTS        time.Duration
	Packetizer time.Duration
	Animation  time.Duration
}

// DefaultStageDeadlines are the production defaults.
var DefaultStageDeadlines = StageDeadlines{
	LLM:        30 * time.Millisecond,
	TTS:        30 * time.Millisecond,
	Packetizer: 20 * time.Millisecond,
	Animation:  20 * time.Millisecond,
}

func (d StageDeadlines) forObserver(o Observer) time.Duration {
	switch o {
	case ObserverLLM:
		return d.LLM
	case ObserverTTS:
		return d.TTS
	case ObserverPacketizer:
		return d.Packetizer
	case ObserverAnimation:
		return d.Animation
	default:
		return d.Packetizer
	}
}

// Controller fans a fired Token's cancellation out to every registered
// stage (implicit — stages observe the Token's Done() channel directly and
// call Ack themselves) and measures how long full acknowledgment took,
// forcing completion at each stage's deadline so a stuck adapter never
// blocks the turn's SPEAKING → INTERRUPTED → LISTENING transition past its
// budget.
type Controller struct {
	deadlines StageDeadlines
}

func NewController(deadlines StageDeadlines) *Controller {
	return &Controller{deadlines: deadlines}
}

// CompletionResult summarizes how cancellation of one Token resolved.
type CompletionResult struct {
	// Forced lists observers that did not ack within their per-stage
	// deadline and were treated as force-terminated.
	Forced []Observer
	// ElapsedMs is the wall-clock time from AwaitCompletion's call to the
	// point every observer was (really or forcibly) accounted for.
	ElapsedMs int64
	// PacketizerAckMs is the Unix-ms timestamp the packetizer acked at —
	// the audible-stop-at-server marker. Zero if the packetizer was not a
	// registered observer.
	PacketizerAckMs int64
}

// AwaitCompletion blocks until every observer registered on tok has acked,
// forcing any that exceed its per-stage deadline. It returns once the
// token is fully cancelled: real acks plus forced ones together cover
// every registered observer.
func (c *Controller) AwaitCompletion(tok *Token) CompletionResult {
	start := time.Now()

	var (
		mu     sync.Mutex
		forced []Observer
	)

	var wg sync.WaitGroup
	for _, o := range AllObservers {
		if !tok.registeredObserver(o) {
			continue
		}
		wg.Add(1)
		go func(o Observer) {
			defer wg.Done()
			deadline := c.deadlines.forObserver(o)
			select {
			case <-tok.WaitAck(o):
			case <-time.After(deadline):
				// Force-terminate: the stage gets no further say: mark it
				// acked so FullyCancelled and ObservedBy converge, but
				// record that this was a forced completion, not a real one.
				tok.Ack(o)
				mu.Lock()
				forced = append(forced, o)
				mu.Unlock()
			}
		}(o)
	}
	wg.Wait()

	packetizerAckMs := int64(0)
	if ts, ok := tok.AckTime(ObserverPacketizer); ok {
		packetizerAckMs = ts.UnixMilli()
	}

	return CompletionResult{
		Forced:          forced,
		ElapsedMs:       time.Since(start).Milliseconds(),
		PacketizerAckMs: packetizerAckMs,
	}
}

// BargeInLatencyMs computes the barge-in latency metric:
// packetizer_stop_ms − t_event_ms. Returns 0 if the packetizer never acked.
func BargeInLatencyMs(tok *Token, packetizerAckMs int64) int64 {
	if packetizerAckMs == 0 {
		return 0
	}
	return packetizerAckMs - tok.EventTimeMs()
}

func (t *Token) registeredObserver(o Observer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered[o]
}

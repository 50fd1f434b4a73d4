// Package animation adapts a hosted audio-to-blendshape engine to
// orchestrator.AnimationProvider, following the same lazy-dial,
// reconnect-on-error websocket shape as pkg/providers/tts's Lokutor
// adapter.
package animation

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/duet-ai/duet-orchestrator/pkg/animation"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
)

// wireFrame is the engine's JSON frame format: a flat channel-name ->
// weight map plus the sequence/timestamp the engine assigned it.
type wireFrame struct {
	Seq      uint64             `json:"seq"`
	TAudioMs int64              `json:"t_audio_ms"`
	Weights  map[string]float64 `json:"weights"`
}

// VisageAnimation streams PCM to a hosted blendshape engine over a
// websocket and decodes its JSON frame stream back, sanitizing every
// frame to jaw/mouth-only weights before handing it to the caller.
type VisageAnimation struct {
	apiKey string
	host   string
	scheme string

	mu     sync.Mutex
	conn   *websocket.Conn
	health orchestrator.HealthState
}

func NewVisageAnimation(apiKey string) *VisageAnimation {
	return &VisageAnimation{
		apiKey: apiKey,
		host:   "api.visage.ai",
		scheme: "wss",
		health: orchestrator.HealthReady,
	}
}

func (a *VisageAnimation) dial(ctx context.Context) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return a.conn, nil
	}

	scheme := a.scheme
	if scheme == "" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: a.host, Path: "/v1/animate", RawQuery: "api_key=" + a.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		a.health = orchestrator.HealthDown
		return nil, fmt.Errorf("failed to connect to visage: %w", err)
	}

	a.conn = conn
	a.health = orchestrator.HealthReady
	return conn, nil
}

// StreamAnimate dials the engine, pumps pcm frames to it as binary
// websocket messages on one goroutine, and decodes each JSON blendshape
// frame it sends back on the calling goroutine, sanitizing it before
// invoking onFrame. It returns once pcm closes and the engine's
// end-of-stream message arrives, or ctx is cancelled.
func (a *VisageAnimation) StreamAnimate(ctx context.Context, pcm <-chan []byte, onFrame func(frame any) error) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}

	writeErrCh := make(chan error, 1)
	go func() {
		for {
			select {
			case chunk, ok := <-pcm:
				if !ok {
					writeErrCh <- conn.Write(ctx, websocket.MessageBinary, []byte("EOS"))
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					writeErrCh <- err
					return
				}
			case <-ctx.Done():
				writeErrCh <- ctx.Err()
				return
			}
		}
	}()

	for {
		var wf wireFrame
		err := wsjson.Read(ctx, conn, &wf)
		if err != nil {
			a.mu.Lock()
			a.conn = nil
			a.health = orchestrator.HealthDegraded
			a.mu.Unlock()
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from visage: %w", err)
		}

		if wf.Weights == nil {
			// End-of-stream sentinel: the engine sends one zero-value
			// frame (no weights) once it has drained the writer's EOS.
			return <-writeErrCh
		}

		animation.Sanitize(wf.Weights)
		frame := animation.Frame{
			Seq:      wf.Seq,
			TAudioMs: wf.TAudioMs,
			Weights:  wf.Weights,
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

// Health reports the adapter's last observed connection state.
func (a *VisageAnimation) Health() orchestrator.HealthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

func (a *VisageAnimation) Name() string {
	return "visage"
}

// Close tears down any live connection.
func (a *VisageAnimation) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		err := a.conn.Close(websocket.StatusNormalClosure, "")
		a.conn = nil
		return err
	}
	return nil
}

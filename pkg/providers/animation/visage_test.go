package animation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	blendshape "github.com/duet-ai/duet-orchestrator/pkg/animation"
)

func TestVisageAnimation_StreamAnimateSanitizesFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		// Drain the client's binary PCM pushes until it sends "EOS".
		for {
			mt, payload, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if mt == websocket.MessageBinary && string(payload) == "EOS" {
				break
			}
		}

		wsjson.Write(r.Context(), conn, wireFrame{
			Seq:      1,
			TAudioMs: 20,
			Weights:  map[string]float64{"jawOpen": 0.5, "browInnerUp": 0.9},
		})
		wsjson.Write(r.Context(), conn, wireFrame{}) // end-of-stream sentinel
	}))
	defer server.Close()

	a := &VisageAnimation{
		apiKey: "test-key",
		host:   strings.TrimPrefix(server.URL, "http://"),
		scheme: "ws",
	}

	pcm := make(chan []byte, 1)
	pcm <- []byte{1, 2, 3}
	close(pcm)

	var frames []blendshape.Frame
	err := a.StreamAnimate(context.Background(), pcm, func(frame any) error {
		frames = append(frames, frame.(blendshape.Frame))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 frame, got %d", len(frames))
	}
	if frames[0].Weights["jawOpen"] != 0.5 {
		t.Errorf("expected jawOpen 0.5 to survive sanitize, got %v", frames[0].Weights["jawOpen"])
	}
	if frames[0].Weights["browInnerUp"] != 0 {
		t.Errorf("expected browInnerUp sanitized to 0, got %v", frames[0].Weights["browInnerUp"])
	}

	if a.Name() != "visage" {
		t.Errorf("expected visage, got %s", a.Name())
	}

	a.Close()
}

package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// handleSessionWS upgrades to a websocket media channel for an already-
// admitted session: client audio/control messages flow in as JSON
// frames, server audio/blendshape/event messages flow out the same way,
// bridged through buffered channels so a slow client never blocks the
// orchestrator's stage goroutines.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	if !sameOriginOnly(s.allowAnyOrigin, r.Host, r.Header.Get("Origin")) {
		respondError(w, http.StatusForbidden, "origin_not_allowed", "cross-origin websocket connections are disabled")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan ClientMessage, 256)
	outbound := make(chan ServerMessage, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
				err := wsjson.Write(writeCtx, conn, msg)
				cancelWrite()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

readLoop:
	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			break
		}
		if msg.Type == "barge_in" {
			_ = s.orchestrator.BargeIn(id, msg.Transcript)
			s.metrics.BargeIns.Inc()
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- msg:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "session ended")
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

package bridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/engine"
)

// handleStream upgrades to a WebSocket carrying one turn's events. The
// client first receives hub/hello and a hub/state snapshot, both stamped
// with the sequence number the snapshot reflects, then every later event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("id")
	sub, err := s.backend.Subscribe(turnID)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	defer sub.Close()

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		apierror.Write(w, apierror.New(apierror.UpstreamError, "bridge is shutting down"))
		return
	default:
	}
	s.streams.Add(1)
	s.mu.Unlock()
	defer s.streams.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("stream upgrade failed", "turn_id", turnID, "error", err)
		return
	}
	defer conn.Close()

	threadID := sub.State.Thread.ID
	now := s.now()
	hello, err := engine.NewEvent(sub.Seq, now, threadID, turnID, engine.MethodHello, map[string]interface{}{
		"turnId":   turnID,
		"threadId": threadID,
		"seq":      sub.Seq,
	})
	if err != nil {
		s.log.Errorw("failed to encode hello", "turn_id", turnID, "error", err)
		return
	}
	state, err := engine.NewEvent(sub.Seq, now, threadID, turnID, engine.MethodState, sub.State)
	if err != nil {
		s.log.Errorw("failed to encode state", "turn_id", turnID, "error", err)
		return
	}
	for _, ev := range []engine.Event{hello, state} {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	// Inbound frames are ignored; reading keeps control frames flowing and
	// notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				s.log.Warnw("stream subscriber dropped", "turn_id", turnID)
				closeStream(conn, websocket.CloseTryAgainLater, "subscriber fell behind")
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.log.Debugw("stream write failed", "turn_id", turnID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.done:
			closeStream(conn, websocket.CloseGoingAway, "bridge shutting down")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev engine.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

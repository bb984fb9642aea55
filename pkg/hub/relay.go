package hub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/turnhub/pkg/apierror"
)

const relayWriteWait = 10 * time.Second

// handleRelay splices a client WebSocket onto the bridge's turn stream. The
// bridge is dialed first so an unreachable bridge is a plain 502 response
// rather than an upgraded socket that closes at once.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	turnID := r.PathValue("turnId")
	rec, ok := s.lookup(w, bridgeID)
	if !ok {
		return
	}

	target := url.URL{Scheme: "ws", Host: rec.Addr(), Path: internalPrefix + "turns/" + turnID + "/stream"}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	upstream, resp, err := s.cfg.Dialer.DialContext(ctx, target.String(), nil)
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			apierror.Write(w, apierror.New(apierror.NotFound, "turn %s not found", turnID))
			return
		}
		s.log.Warnw("bridge stream unreachable", "bridge_id", bridgeID, "turn_id", turnID, "error", err)
		apierror.Write(w, apierror.New(apierror.UpstreamError, "bridge %s is unreachable", bridgeID))
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		upstream.Close()
		apierror.Write(w, apierror.New(apierror.UpstreamError, "hub is shutting down"))
		return
	default:
	}
	s.relays.Add(1)
	s.mu.Unlock()
	defer s.relays.Done()

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("relay upgrade failed", "bridge_id", bridgeID, "turn_id", turnID, "error", err)
		closeWith(upstream, websocket.CloseGoingAway, "client handshake failed")
		upstream.Close()
		return
	}
	s.log.Debugw("relay opened", "bridge_id", bridgeID, "turn_id", turnID)
	s.splice(client, upstream)
	s.log.Debugw("relay closed", "bridge_id", bridgeID, "turn_id", turnID)
}

// splice runs until either side goes away or the hub shuts down.
func (s *Server) splice(client, upstream *websocket.Conn) {
	defer client.Close()
	defer upstream.Close()

	ended := make(chan error, 2)
	go func() { ended <- relayFrames(upstream, client) }()
	go func() { ended <- relayFrames(client, upstream) }()

	select {
	case <-ended:
	case <-s.done:
		closeWith(client, websocket.CloseGoingAway, "hub shutting down")
		closeWith(upstream, websocket.CloseGoingAway, "hub shutting down")
	}
}

// relayFrames copies messages from src to dst with their frame type. When
// src ends, dst is closed with the matching code.
func relayFrames(dst, src *websocket.Conn) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			code, text := relayCloseCode(err)
			closeWith(dst, code, text)
			return err
		}
		_ = dst.SetWriteDeadline(time.Now().Add(relayWriteWait))
		if err := dst.WriteMessage(messageType, data); err != nil {
			closeWith(src, websocket.CloseInternalServerErr, "relay peer unavailable")
			return err
		}
	}
}

// relayCloseCode picks the close code to forward. Codes that may not be
// sent on the wire, and errors without a close frame, become 1011.
func relayCloseCode(err error) (int, string) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.CloseInternalServerErr, "relay peer connection lost"
	}
	switch closeErr.Code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr, "relay peer closed abnormally"
	}
	return closeErr.Code, closeErr.Text
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	"github.com/holon-run/turnhub/pkg/engine"
	holonlog "github.com/holon-run/turnhub/pkg/log"
)

const simTick = time.Second

type testBridge struct {
	server *Server
	http   *httptest.Server
	sim    *engine.Simulator
	clock  *clock.Fake
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	sim := engine.NewSimulator(engine.SimulatorConfig{
		Settings:  engine.Settings{BridgeID: "bridge-test", Clock: fake, Logger: holonlog.Nop()},
		StepDelay: simTick,
	})
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Backend: sim, Logger: holonlog.Nop(), Now: fake.Now})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = sim.Close()
	})
	return &testBridge{server: srv, http: ts, sim: sim, clock: fake}
}

func (b *testBridge) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, b.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorCode(t *testing.T, data []byte) apierror.Code {
	t.Helper()
	var body apierror.Body
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("error body %s: %v", data, err)
	}
	return body.Error.Code
}

func (b *testBridge) startTurn(t *testing.T, threadID string) engine.TurnState {
	t.Helper()
	resp, data := b.do(t, http.MethodPost, "/internal/v1/threads/"+threadID+"/message", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message status = %d, body %s", resp.StatusCode, data)
	}
	var state engine.TurnState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode turn state: %v", err)
	}
	return state
}

func TestServerRoutes(t *testing.T) {
	b := newTestBridge(t)

	resp, data := b.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"ok"`) {
		t.Errorf("GET /health = %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodGet, "/internal/v1/meta", "")
	var meta engine.Meta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Backend != engine.BackendSimulated || meta.BridgeID != "bridge-test" {
		t.Errorf("GET meta = %d %s", resp.StatusCode, data)
	}

	state := b.startTurn(t, "draft")
	if state.Turn.Status != engine.StatusRunning || state.Thread.ID == "draft" {
		t.Errorf("turn state = %+v", state)
	}

	resp, data = b.do(t, http.MethodPost, "/internal/v1/threads/"+state.Thread.ID+"/message", `{"text":"again"}`)
	if resp.StatusCode != http.StatusConflict || errorCode(t, data) != apierror.Busy {
		t.Errorf("second send = %d %s, want 409 BUSY", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodGet, "/internal/v1/threads", "")
	var list struct {
		Threads []engine.Thread `json:"threads"`
	}
	if err := json.Unmarshal(data, &list); err != nil || len(list.Threads) != 1 {
		t.Errorf("GET threads = %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodGet, "/internal/v1/threads/"+state.Thread.ID, "")
	var detail struct {
		Thread engine.ThreadDetail `json:"thread"`
	}
	if err := json.Unmarshal(data, &detail); err != nil || len(detail.Thread.Turns) != 1 {
		t.Errorf("GET thread = %d %s", resp.StatusCode, data)
	}

	resp, data = b.do(t, http.MethodPost, "/internal/v1/turns/"+state.Turn.ID+"/steer", `{"text":"shorter"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("steer = %d %s", resp.StatusCode, data)
	}

	resp, _ = b.do(t, http.MethodPost, "/internal/v1/turns/"+state.Turn.ID+"/interrupt", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("interrupt status = %d, want 200", resp.StatusCode)
	}
	resp, data = b.do(t, http.MethodPost, "/internal/v1/turns/"+state.Turn.ID+"/interrupt", "")
	if resp.StatusCode != http.StatusConflict || errorCode(t, data) != apierror.InvalidState {
		t.Errorf("second interrupt = %d %s, want 409 INVALID_STATE", resp.StatusCode, data)
	}
}

func TestServerErrors(t *testing.T) {
	b := newTestBridge(t)
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   apierror.Code
	}{
		{"unknown thread", http.MethodGet, "/internal/v1/threads/missing", "", http.StatusNotFound, apierror.NotFound},
		{"empty body", http.MethodPost, "/internal/v1/threads/t1/message", "", http.StatusBadRequest, apierror.InvalidInput},
		{"malformed body", http.MethodPost, "/internal/v1/threads/t1/message", "{", http.StatusBadRequest, apierror.InvalidInput},
		{"blank text", http.MethodPost, "/internal/v1/threads/t1/message", `{"text":" "}`, http.StatusBadRequest, apierror.InvalidInput},
		{"bad access mode", http.MethodPost, "/internal/v1/threads/t1/message", `{"text":"x","accessMode":"root"}`, http.StatusBadRequest, apierror.InvalidInput},
		{"bad decision", http.MethodPost, "/internal/v1/approvals/a1/decision", `{"decision":"maybe"}`, http.StatusBadRequest, apierror.InvalidInput},
		{"unknown approval", http.MethodPost, "/internal/v1/approvals/a1/decision", `{"decision":"approve"}`, http.StatusNotFound, apierror.NotFound},
		{"unknown turn", http.MethodPost, "/internal/v1/turns/nope/interrupt", "", http.StatusNotFound, apierror.NotFound},
		{"empty steer", http.MethodPost, "/internal/v1/turns/nope/steer", `{"text":""}`, http.StatusBadRequest, apierror.InvalidInput},
		{"unknown route", http.MethodGet, "/internal/v2/whatever", "", http.StatusNotFound, apierror.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := b.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, data)
			}
			if got := errorCode(t, data); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) engine.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev engine.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	b := newTestBridge(t)
	state := b.startTurn(t, "thread-1")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(b.http.URL, "/internal/v1/turns/"+state.Turn.ID+"/stream"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello := readEvent(t, conn)
	if hello.Method != engine.MethodHello || hello.Context.TurnID != state.Turn.ID {
		t.Fatalf("first frame = %+v, want hub/hello", hello)
	}
	snapshot := readEvent(t, conn)
	if snapshot.Method != engine.MethodState || snapshot.Seq != hello.Seq {
		t.Fatalf("second frame = %+v, want hub/state with seq %d", snapshot, hello.Seq)
	}
	var ts engine.TurnState
	if err := json.Unmarshal(snapshot.Params, &ts); err != nil || ts.Turn.ID != state.Turn.ID {
		t.Errorf("snapshot params = %s", snapshot.Params)
	}

	b.clock.Advance(simTick)
	ev := readEvent(t, conn)
	if ev.Method != engine.MethodPlanUpdated || ev.Seq != hello.Seq+1 {
		t.Errorf("event = %s seq %d, want %s seq %d", ev.Method, ev.Seq, engine.MethodPlanUpdated, hello.Seq+1)
	}
}

func TestStreamUnknownTurn(t *testing.T) {
	b := newTestBridge(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(b.http.URL, "/internal/v1/turns/nope/stream"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake response = %v, want 404", resp)
	}
}

func TestServerShutdownClosesStreams(t *testing.T) {
	fake := clock.NewFake(time.Now())
	sim := engine.NewSimulator(engine.SimulatorConfig{
		Settings:  engine.Settings{Clock: fake, Logger: holonlog.Nop()},
		StepDelay: simTick,
	})
	defer sim.Close()
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Backend: sim, Logger: holonlog.Nop()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	state, err := sim.StartTurn(context.Background(), "t1", engine.StartTurnInput{Text: "hi"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	base := "http://" + srv.Addr().String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base, "/internal/v1/turns/"+state.Turn.ID+"/stream"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readEvent(t, conn)
	readEvent(t, conn)

	cancel()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("ReadMessage() error = %v, want close 1001", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

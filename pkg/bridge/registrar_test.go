package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holon-run/turnhub/pkg/clock"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/registry"
)

type fakeHub struct {
	mu         sync.Mutex
	registers  int
	heartbeats int
	auth       []string
	payloads   []registry.Payload
	// failRegisters answers the next n registrations with 503.
	failRegisters int
	// forget answers heartbeats with 404.
	forget bool
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auth = append(h.auth, r.Header.Get("Authorization"))
	var p registry.Payload
	_ = json.NewDecoder(r.Body).Decode(&p)
	h.payloads = append(h.payloads, p)

	switch {
	case r.URL.Path == RegisterPath:
		h.registers++
		if h.failRegisters > 0 {
			h.failRegisters--
			http.Error(w, "hub starting", http.StatusServiceUnavailable)
			return
		}
	case strings.HasSuffix(r.URL.Path, "/heartbeat"):
		h.heartbeats++
		if h.forget {
			h.forget = false
			http.Error(w, "unknown bridge", http.StatusNotFound)
			return
		}
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (h *fakeHub) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registers, h.heartbeats
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRegistrar(t *testing.T, hub *fakeHub) (*Registrar, *clock.Fake) {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	fake := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	r, err := NewRegistrar(RegistrarConfig{
		HubURL: server.URL + "/",
		Token:  "s3cret",
		Payload: func() registry.Payload {
			return registry.Payload{ID: "bridge-a", Host: "127.0.0.1", Port: 7001, Backend: "simulated"}
		},
		HeartbeatInterval: 10 * time.Second,
		RetryBase:         time.Second,
		RetryMax:          8 * time.Second,
		Clock:             fake,
		Logger:            holonlog.Nop(),
		Rand:              func() float64 { return 0.5 },
	})
	if err != nil {
		t.Fatalf("NewRegistrar() error = %v", err)
	}
	t.Cleanup(r.Stop)
	return r, fake
}

func TestRegistrarRegistersAndHeartbeats(t *testing.T) {
	hub := &fakeHub{}
	r, fake := newTestRegistrar(t, hub)
	r.Start(t.Context())

	waitFor(t, "registration", func() bool { return r.Status().Registered })
	if regs, _ := hub.counts(); regs != 1 {
		t.Errorf("registrations = %d, want 1", regs)
	}

	fake.Advance(10 * time.Second)
	waitFor(t, "heartbeat", func() bool {
		_, hbs := hub.counts()
		return hbs == 1
	})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for i, got := range hub.auth {
		if got != "Bearer s3cret" {
			t.Errorf("request %d Authorization = %q, want bearer token", i, got)
		}
	}
	if hub.payloads[0].ID != "bridge-a" || hub.payloads[0].Port != 7001 {
		t.Errorf("payload = %+v", hub.payloads[0])
	}
}

func TestRegistrarReRegistersWhenHubForgets(t *testing.T) {
	hub := &fakeHub{forget: true}
	r, fake := newTestRegistrar(t, hub)
	r.Start(t.Context())
	waitFor(t, "registration", func() bool { return r.Status().Registered })

	fake.Advance(10 * time.Second)
	waitFor(t, "re-registration", func() bool {
		regs, _ := hub.counts()
		return regs == 2 && r.Status().Registered
	})
	if _, hbs := hub.counts(); hbs != 1 {
		t.Errorf("heartbeats = %d, want 1", hbs)
	}
}

func TestRegistrarRetriesWithBackoff(t *testing.T) {
	hub := &fakeHub{failRegisters: 2}
	r, fake := newTestRegistrar(t, hub)
	r.Start(t.Context())

	waitFor(t, "first failure", func() bool { return r.Status().Attempts == 1 })
	st := r.Status()
	if st.Registered || !strings.Contains(st.LastError, "503") {
		t.Errorf("status after failure = %+v", st)
	}

	// first retry after RetryBase (jitter factor is 1 with Rand = 0.5)
	fake.Advance(999 * time.Millisecond)
	if regs, _ := hub.counts(); regs != 1 {
		t.Fatalf("registrations before backoff elapsed = %d, want 1", regs)
	}
	fake.Advance(time.Millisecond)
	waitFor(t, "second failure", func() bool { return r.Status().Attempts == 2 })

	// second retry waits twice as long
	fake.Advance(time.Second)
	if regs, _ := hub.counts(); regs != 2 {
		t.Fatalf("registrations one second into second backoff = %d, want 2", regs)
	}
	fake.Advance(time.Second)
	waitFor(t, "registration", func() bool { return r.Status().Registered })

	st = r.Status()
	if st.Attempts != 0 || st.LastError != "" {
		t.Errorf("status after success = %+v, want attempts reset", st)
	}
}

func TestRegistrarStopHaltsRetries(t *testing.T) {
	hub := &fakeHub{failRegisters: 100}
	r, fake := newTestRegistrar(t, hub)
	r.Start(t.Context())
	waitFor(t, "first failure", func() bool { return r.Status().Attempts == 1 })

	r.Stop()
	if got := fake.Pending(); got != 0 {
		t.Errorf("armed timers after Stop = %d, want 0", got)
	}
	fake.Advance(time.Minute)
	if regs, _ := hub.counts(); regs != 1 {
		t.Errorf("registrations after Stop = %d, want 1", regs)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(1s, 30s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewRegistrarValidates(t *testing.T) {
	if _, err := NewRegistrar(RegistrarConfig{Payload: func() registry.Payload { return registry.Payload{} }}); err == nil {
		t.Error("NewRegistrar() without hub url succeeded")
	}
	if _, err := NewRegistrar(RegistrarConfig{HubURL: "http://127.0.0.1:1"}); err == nil {
		t.Error("NewRegistrar() without payload succeeded")
	}
}

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	holonlog "github.com/holon-run/turnhub/pkg/log"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(ttl time.Duration) (*Registry, *clock.Fake) {
	fake := clock.NewFake(t0)
	return New(Config{TTL: ttl, Clock: fake, Logger: holonlog.Nop()}), fake
}

func TestRegistryTTL(t *testing.T) {
	const ttl = 30 * time.Second
	r, fake := newTestRegistry(ttl)

	if _, err := r.Register(Payload{ID: "b1", Port: 8790}, "10.0.0.5", t0); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, ok := r.Heartbeat("b1", nil, t0); !ok {
		t.Fatal("Heartbeat(T0) = false")
	}
	if _, ok := r.Heartbeat("b1", nil, t0.Add(5*time.Second)); !ok {
		t.Fatal("Heartbeat(T0+5s) = false")
	}

	fake.Advance(5*time.Second + ttl - time.Second)
	if _, ok := r.Get("b1"); !ok {
		t.Error("Get() at T0+5s+ttl-1s = absent, want active")
	}
	if got := r.ListActive(); len(got) != 1 {
		t.Errorf("ListActive() at T0+5s+ttl-1s = %d records, want 1", len(got))
	}
	if removed := r.PruneStale(); len(removed) != 0 {
		t.Errorf("PruneStale() = %v, want none", removed)
	}

	fake.Advance(2 * time.Second)
	if _, ok := r.Get("b1"); ok {
		t.Error("Get() at T0+5s+ttl+1s = active, want absent")
	}
	if got := r.ListActive(); len(got) != 0 {
		t.Errorf("ListActive() = %v, want empty", got)
	}
	all := r.List()
	if len(all) != 1 || !all[0].Stale {
		t.Errorf("List() = %+v, want one stale record", all)
	}
	if removed := r.PruneStale(); len(removed) != 1 || removed[0] != "b1" {
		t.Errorf("PruneStale() = %v, want [b1]", removed)
	}
	if _, ok := r.Heartbeat("b1", nil, fake.Now()); ok {
		t.Error("Heartbeat() after prune = true, want false")
	}
}

func TestRegisterUpsert(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)

	first, err := r.Register(Payload{ID: "b1", Host: "0.0.0.0", Port: 8790, Workspace: &Workspace{Name: "api"}}, "192.168.1.7", t0)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if first.Host != "192.168.1.7" {
		t.Errorf("host = %q, want the source host", first.Host)
	}
	if first.Addr() != "192.168.1.7:8790" {
		t.Errorf("Addr() = %q", first.Addr())
	}

	second, err := r.Register(Payload{ID: "b1", Host: "bridge.local", Port: 9000}, "192.168.1.7", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !second.RegisteredAt.Equal(t0) {
		t.Errorf("registeredAt = %v, want the original %v", second.RegisteredAt, t0)
	}
	if second.Host != "bridge.local" || second.Port != 9000 {
		t.Errorf("record = %s:%d, want bridge.local:9000", second.Host, second.Port)
	}
	if second.Workspace.Name != "api" {
		t.Errorf("workspace = %+v, want it kept", second.Workspace)
	}
	if !second.LastHeartbeatAt.Equal(t0.Add(time.Second)) {
		t.Errorf("lastHeartbeatAt = %v", second.LastHeartbeatAt)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	tests := []Payload{
		{Port: 80},
		{ID: " ", Port: 80},
		{ID: "b", Port: 0},
		{ID: "b", Port: 70000},
	}
	for _, p := range tests {
		if _, err := r.Register(p, "127.0.0.1", t0); !apierror.Is(err, apierror.InvalidInput) {
			t.Errorf("Register(%+v) error = %v, want INVALID_INPUT", p, err)
		}
	}
}

func TestIsUnspecifiedHost(t *testing.T) {
	tests := map[string]bool{
		"":          true,
		"0.0.0.0":   true,
		"::":        true,
		"[::]":      true,
		"127.0.0.1": false,
		"host":      false,
	}
	for host, want := range tests {
		if got := isUnspecifiedHost(host); got != want {
			t.Errorf("isUnspecifiedHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestHeartbeatUpdatesMetadata(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	if _, err := r.Register(Payload{ID: "b1", Port: 8790}, "127.0.0.1", t0); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec, ok := r.Heartbeat("b1", &Payload{Port: 8800, Workspace: &Workspace{Name: "web", Path: "/src/web"}}, t0.Add(time.Second))
	if !ok {
		t.Fatal("Heartbeat() = false")
	}
	if rec.Port != 8800 || rec.Workspace.Path != "/src/web" {
		t.Errorf("record = %+v, want port and workspace updated", rec)
	}
	if _, ok := r.Heartbeat("unknown", nil, t0); ok {
		t.Error("Heartbeat(unknown) = true")
	}
}

func TestListActiveOrder(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		if _, err := r.Register(Payload{ID: id, Port: 8000 + i}, "127.0.0.1", t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	got := r.ListActive()
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "a" {
		t.Errorf("ListActive() order = %v, want newest first", got)
	}
}

func TestRunPruner(t *testing.T) {
	r, fake := newTestRegistry(10 * time.Second)
	if _, err := r.Register(Payload{ID: "b1", Port: 8790}, "127.0.0.1", t0); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunPruner(ctx, 5*time.Second)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pruner did not remove the stale bridge")
		}
		// the ticker may not be armed yet; keep advancing
		fake.Advance(5 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPruner did not return after cancel")
	}
}

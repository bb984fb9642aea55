package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/config"
	"github.com/holon-run/turnhub/pkg/registry"
)

func TestFetchBridges(t *testing.T) {
	var gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/v1/bridges" {
			apierror.Write(w, apierror.New(apierror.NotFound, "no route"))
			return
		}
		if gotAuth != "Bearer tok" {
			apierror.Write(w, apierror.New(apierror.Unauthorized, "missing or invalid token"))
			return
		}
		_, _ = w.Write([]byte(`{"bridges":[{"id":"b1","host":"10.0.0.5","port":7001,"stale":true}]}`))
	}))
	defer server.Close()

	records, err := fetchBridges(context.Background(), server.URL+"/", "tok", true)
	if err != nil {
		t.Fatalf("fetchBridges() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != "b1" || !records[0].Stale {
		t.Errorf("records = %+v", records)
	}
	if gotQuery != "includeStale=true" {
		t.Errorf("query = %q, want includeStale=true", gotQuery)
	}

	_, err = fetchBridges(context.Background(), server.URL, "wrong", false)
	if err == nil || !strings.Contains(err.Error(), "UNAUTHORIZED") {
		t.Errorf("fetchBridges() with bad token error = %v, want UNAUTHORIZED", err)
	}
}

func TestRenderBridges(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	out := renderBridges([]registry.Record{
		{ID: "b1", Host: "10.0.0.5", Port: 7001, Workspace: registry.Workspace{Name: "api"}, Backend: "appserver", LastHeartbeatAt: now.Add(-5 * time.Second)},
		{ID: "b2", Host: "10.0.0.6", Port: 7002, Workspace: registry.Workspace{Path: "/srv/web"}, LastHeartbeatAt: now.Add(-2 * time.Hour), Stale: true},
	}, now)
	for _, want := range []string{"b1", "10.0.0.5:7001", "api", "5s ago", "live", "b2", "/srv/web", "2h ago", "stale"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered table missing %q:\n%s", want, out)
		}
	}
}

func TestAgo(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "just now"},
		{42 * time.Second, "42s ago"},
		{3 * time.Minute, "3m ago"},
		{26 * time.Hour, "26h ago"},
	}
	for _, tt := range tests {
		if got := ago(tt.d); got != tt.want {
			t.Errorf("ago(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestAdvertiseHost(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BridgeConfig
		want string
	}{
		{"explicit", config.BridgeConfig{AdvertiseHost: "bridge.internal", Listen: "0.0.0.0:1"}, "bridge.internal"},
		{"listen host", config.BridgeConfig{Listen: "127.0.0.1:8790"}, "127.0.0.1"},
		{"wildcard", config.BridgeConfig{Listen: "0.0.0.0:8790"}, "0.0.0.0"},
		{"bad listen", config.BridgeConfig{Listen: "nope"}, ""},
	}
	for _, tt := range tests {
		if got := advertiseHost(tt.cfg); got != tt.want {
			t.Errorf("%s: advertiseHost() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLoopbackListen(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:8787": true,
		"[::1]:8787":     true,
		"localhost:8787": true,
		"0.0.0.0:8787":   false,
		":8787":          false,
	}
	for addr, want := range tests {
		if got := loopbackListen(addr); got != want {
			t.Errorf("loopbackListen(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestResolveWorkspace(t *testing.T) {
	dir := t.TempDir()
	ws, err := resolveWorkspace(config.WorkspaceConfig{Path: dir})
	if err != nil {
		t.Fatalf("resolveWorkspace() error = %v", err)
	}
	if ws.Path != dir || ws.Name == "" {
		t.Errorf("workspace = %+v, want path %s with a derived name", ws, dir)
	}
	ws, err = resolveWorkspace(config.WorkspaceConfig{Name: "named", Path: dir})
	if err != nil || ws.Name != "named" {
		t.Errorf("workspace = %+v, %v; want name kept", ws, err)
	}
}

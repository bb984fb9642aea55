package rpc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"00:07", 7 * time.Second},
		{"12:34", 12*time.Minute + 34*time.Second},
		{"01:00:00", time.Hour},
		{"2-03:04:05", 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second},
	}
	for _, tt := range tests {
		got, err := parseElapsed(tt.in)
		if err != nil {
			t.Fatalf("parseElapsed(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseElapsed(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"7", "a:b", "x-00:01"} {
		if _, err := parseElapsed(bad); err == nil {
			t.Errorf("parseElapsed(%q) expected error", bad)
		}
	}
}

func TestNormalizeListenAddr(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:4500": "127.0.0.1:4500",
		"*:4500":         "127.0.0.1:4500",
		"0.0.0.0:4500":   "127.0.0.1:4500",
		"localhost:81":   "127.0.0.1:81",
		"[::1]:4500":     "[::1]:4500",
		"[::]:4500":      "[::1]:4500",
		"127.0.0.1":      "",
		"host:http":      "",
	}
	for in, want := range tests {
		if got := normalizeListenAddr(in); got != want {
			t.Errorf("normalizeListenAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLsof(t *testing.T) {
	out := "p4242\nf12\nn127.0.0.1:4500\nf13\nn*:4501\n"
	got := parseLsof(out)
	if strings.Join(got, ",") != "127.0.0.1:4500,127.0.0.1:4501" {
		t.Fatalf("parseLsof() = %v", got)
	}
}

func TestDiscoverOrdersNewestFirst(t *testing.T) {
	restore := runCommand
	defer func() { runCommand = restore }()

	var lsofPIDs []string
	runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "ps":
			return []byte(strings.Join([]string{
				"  200 1-00:00:00 /usr/bin/codex app-server --listen ws://127.0.0.1:4000",
				"  300 00:30 /usr/bin/codex app-server",
				"  400 05:00 node codex app-server --listen=ws://0.0.0.0:4100",
				"  500 00:01 bash",
				"",
			}, "\n")), nil
		case "lsof":
			pid := args[3]
			lsofPIDs = append(lsofPIDs, pid)
			switch pid {
			case "300":
				return []byte("p300\nf9\nn127.0.0.1:4200\n"), nil
			case "400":
				// same socket as the --listen argument
				return []byte("p400\nf9\nn*:4100\n"), nil
			}
			return nil, errors.New("lsof failed: exit status 1")
		}
		return nil, errors.New("unexpected command " + name)
	}

	candidates, err := Discover(context.Background(), "app-server")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	var got []string
	for _, c := range candidates {
		got = append(got, c.Addr)
	}
	want := "127.0.0.1:4200,127.0.0.1:4100,127.0.0.1:4000"
	if strings.Join(got, ",") != want {
		t.Fatalf("Discover() addrs = %v, want %s", got, want)
	}
	if candidates[0].PID != 300 || candidates[0].URL() != "ws://127.0.0.1:4200" {
		t.Fatalf("first candidate = %+v", candidates[0])
	}
	if len(lsofPIDs) != 3 {
		t.Fatalf("lsof called for %v, want the three matching pids", lsofPIDs)
	}
}

func TestDiscoverPropagatesPSFailure(t *testing.T) {
	restore := runCommand
	defer func() { runCommand = restore }()
	runCommand = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("ps: not found")
	}
	if _, err := Discover(context.Background(), "app-server"); err == nil {
		t.Fatal("Discover() expected error")
	}
}

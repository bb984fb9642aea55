package rpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Candidate is a running process that looks like an app-server, with one
// address it may be listening on.
type Candidate struct {
	PID     int
	Age     time.Duration
	Addr    string
	Command string
}

// URL is the WebSocket endpoint for the candidate.
func (c Candidate) URL() string { return "ws://" + c.Addr }

var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return out, fmt.Errorf("%s failed: %w (stderr: %s)", name, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, fmt.Errorf("%s failed: %w", name, err)
	}
	return out, nil
}

var listenArgPattern = regexp.MustCompile(`--listen(?:=|\s+)(?:wss?://)?([^\s/]+)`)

type psEntry struct {
	pid     int
	age     time.Duration
	command string
}

// Discover lists app-server candidates whose command line contains match,
// newest process first. Addresses come from a --listen argument and from the
// process's listening TCP sockets. Reachability is not checked here.
func Discover(ctx context.Context, match string) ([]Candidate, error) {
	out, err := runCommand(ctx, "ps", "-axo", "pid=,etime=,command=")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := os.Getpid()
	var entries []psEntry
	for _, entry := range parsePS(string(out)) {
		if entry.pid == self || !strings.Contains(entry.command, match) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].age < entries[j].age })

	seen := make(map[string]bool)
	var candidates []Candidate
	add := func(entry psEntry, addr string) {
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		candidates = append(candidates, Candidate{PID: entry.pid, Age: entry.age, Addr: addr, Command: entry.command})
	}
	for _, entry := range entries {
		for _, m := range listenArgPattern.FindAllStringSubmatch(entry.command, -1) {
			add(entry, normalizeListenAddr(m[1]))
		}
		lsofOut, err := runCommand(ctx, "lsof", "-nP", "-a", "-p", strconv.Itoa(entry.pid), "-iTCP", "-sTCP:LISTEN", "-Fn")
		if err != nil && len(lsofOut) == 0 {
			// lsof exits 1 when the process has no listening sockets
			continue
		}
		for _, addr := range parseLsof(string(lsofOut)) {
			add(entry, addr)
		}
	}
	return candidates, nil
}

func parsePS(out string) []psEntry {
	var entries []psEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		age, err := parseElapsed(fields[1])
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{pid: pid, age: age, command: strings.Join(fields[2:], " ")})
	}
	return entries
}

// parseElapsed parses ps etime: [[dd-]hh:]mm:ss.
func parseElapsed(s string) (time.Duration, error) {
	var days int
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid etime %q", s)
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid etime %q", s)
	}
	total := time.Duration(days) * 24 * time.Hour
	unit := time.Second
	for i := len(parts) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, fmt.Errorf("invalid etime %q", s)
		}
		total += time.Duration(n) * unit
		if unit == time.Second {
			unit = time.Minute
		} else {
			unit = time.Hour
		}
	}
	return total, nil
}

// parseLsof extracts host:port pairs from `lsof -Fn` output.
func parseLsof(out string) []string {
	var addrs []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "n") {
			continue
		}
		if addr := normalizeListenAddr(strings.TrimPrefix(line, "n")); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// normalizeListenAddr turns wildcard binds into a loopback address we can
// dial. Anything that is not host:port yields "".
func normalizeListenAddr(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || port == "" {
		return ""
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	switch host {
	case "", "*", "0.0.0.0":
		host = "127.0.0.1"
	case "::", "[::]":
		host = "::1"
	case "localhost":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// reachable reports whether a TCP connection to addr succeeds within timeout.
func reachable(ctx context.Context, addr string, timeout time.Duration) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

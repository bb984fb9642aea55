package hub

import (
	"context"
	"sync"
	"time"

	"github.com/holon-run/turnhub/pkg/clock"
)

// RateLimiter counts requests per key in fixed windows. A key's window
// starts with its first request and resets once it has fully elapsed.
type RateLimiter struct {
	window time.Duration
	max    int
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func NewRateLimiter(window time.Duration, max int, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real()
	}
	return &RateLimiter{
		window:  window,
		max:     max,
		clock:   c,
		windows: make(map[string]*rateWindow),
	}
}

// Allow records one request for key. When the window is exhausted it
// returns false and the time until the window resets.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &rateWindow{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.max {
		retry := w.start.Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return false, retry
	}
	w.count++
	return true, 0
}

// Evict drops windows that have elapsed and returns how many were removed.
func (l *RateLimiter) Evict() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunEvictor calls Evict on every tick until ctx is done.
func (l *RateLimiter) RunEvictor(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Evict()
		}
	}
}

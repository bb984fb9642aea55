// Package registry tracks the bridges a hub can route to. Liveness is a pure
// function of the last heartbeat and the TTL, evaluated on every read, so a
// bridge that stops heartbeating disappears from routing before the pruner
// removes its record.
package registry

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"go.uber.org/zap"
)

// DefaultTTL is how long a bridge stays live after its last heartbeat.
const DefaultTTL = 30 * time.Second

// Workspace describes what a bridge is serving.
type Workspace struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Payload is the body of a register or heartbeat call.
type Payload struct {
	ID        string     `json:"id"`
	Host      string     `json:"host,omitempty"`
	Port      int        `json:"port"`
	Workspace *Workspace `json:"workspace,omitempty"`
	Backend   string     `json:"backend,omitempty"`
	Version   string     `json:"version,omitempty"`
}

// Record is one registered bridge.
type Record struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Workspace       Workspace `json:"workspace"`
	Backend         string    `json:"backend,omitempty"`
	Version         string    `json:"version,omitempty"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Stale           bool      `json:"stale"`
}

// Addr is the bridge's host:port.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Config configures a Registry.
type Config struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Registry is safe for concurrent use.
type Registry struct {
	ttl   time.Duration
	clock clock.Clock
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	records map[string]*Record
}

func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = holonlog.Named("registry")
	}
	return &Registry{
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		records: make(map[string]*Record),
	}
}

// TTL reports the liveness window.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Validate checks a registration payload.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return apierror.New(apierror.InvalidInput, "id is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return apierror.New(apierror.InvalidInput, "port must be between 1 and 65535")
	}
	return nil
}

// Register upserts a bridge. A re-registration keeps the original
// registeredAt. sourceHost replaces an empty or wildcard advertised host.
func (r *Registry) Register(p Payload, sourceHost string, now time.Time) (Record, error) {
	if err := p.Validate(); err != nil {
		return Record{}, err
	}
	host := p.Host
	if isUnspecifiedHost(host) {
		host = sourceHost
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[p.ID]
	if !ok {
		rec = &Record{ID: p.ID, RegisteredAt: now}
		r.records[p.ID] = rec
		r.log.Infow("bridge registered", "bridge_id", p.ID, "host", host, "port", p.Port)
	} else {
		r.log.Debugw("bridge re-registered", "bridge_id", p.ID, "host", host, "port", p.Port)
	}
	rec.Host = host
	rec.Port = p.Port
	if p.Workspace != nil {
		rec.Workspace = *p.Workspace
	}
	if p.Backend != "" {
		rec.Backend = p.Backend
	}
	if p.Version != "" {
		rec.Version = p.Version
	}
	rec.LastHeartbeatAt = now
	return r.snapshot(rec, now), nil
}

// Heartbeat refreshes liveness and, when given, the port and workspace. It
// returns false for bridges that never registered or were pruned.
func (r *Registry) Heartbeat(id string, p *Payload, now time.Time) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	rec.LastHeartbeatAt = now
	if p != nil {
		if p.Port > 0 && p.Port <= 65535 {
			rec.Port = p.Port
		}
		if p.Workspace != nil {
			rec.Workspace = *p.Workspace
		}
	}
	return r.snapshot(rec, now), true
}

// Get returns a live bridge; stale and unknown bridges both report false.
func (r *Registry) Get(id string) (Record, bool) {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	snap := r.snapshot(rec, now)
	if snap.Stale {
		return Record{}, false
	}
	return snap, true
}

// ListActive returns live bridges, most recently registered first.
func (r *Registry) ListActive() []Record {
	var out []Record
	for _, rec := range r.List() {
		if !rec.Stale {
			out = append(out, rec)
		}
	}
	if out == nil {
		out = []Record{}
	}
	return out
}

// List returns every record, including stale ones not yet pruned.
func (r *Registry) List() []Record {
	now := r.clock.Now()
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, r.snapshot(rec, now))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

// PruneStale removes stale records and returns their ids.
func (r *Registry) PruneStale() []string {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, rec := range r.records {
		if r.stale(rec, now) {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		r.log.Infow("pruned stale bridges", "bridge_ids", removed)
	}
	return removed
}

// RunPruner calls PruneStale on every tick until ctx is done.
func (r *Registry) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneStale()
		}
	}
}

func (r *Registry) stale(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastHeartbeatAt) > r.ttl
}

func (r *Registry) snapshot(rec *Record, now time.Time) Record {
	out := *rec
	out.Stale = r.stale(rec, now)
	return out
}

func isUnspecifiedHost(host string) bool {
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		return true
	}
	return false
}

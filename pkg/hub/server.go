// Package hub is the public entry point: it keeps the bridge registry,
// enforces origin, token and rate-limit rules, and relays HTTP calls and
// turn streams to the registered bridges.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/clock"
	"github.com/holon-run/turnhub/pkg/httplog"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/registry"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Config configures a hub Server.
type Config struct {
	Addr           string
	Token          string
	AllowedOrigins []string

	ProxyTimeout    time.Duration
	PruneInterval   time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int

	Registry *registry.Registry
	// Transport carries proxied requests. Defaults to a clone of
	// http.DefaultTransport.
	Transport http.RoundTripper
	Dialer    *websocket.Dialer
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

func (c *Config) setDefaults() {
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = 15 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Second
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 60
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = holonlog.Named("hub")
	}
	if c.Registry == nil {
		c.Registry = registry.New(registry.Config{Clock: c.Clock, Logger: c.Logger})
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: c.ProxyTimeout}
	}
}

// Server is the hub HTTP server.
type Server struct {
	cfg      Config
	log      *zap.SugaredLogger
	registry *registry.Registry
	limiter  *RateLimiter
	origins  map[string]struct{}
	wildcard bool
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	relays   sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	cfg.setDefaults()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		limiter:  NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax, cfg.Clock),
		origins:  make(map[string]struct{}),
		done:     make(chan struct{}),
		// origins are checked by withCORS before the upgrade
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		switch origin {
		case "":
		case "*":
			s.wildcard = true
		default:
			s.origins[origin] = struct{}{}
		}
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Registry is the registry the hub routes with.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Handler returns the full middleware chain: logging, CORS, auth, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/runtime/security", s.handleSecurity)
	mux.HandleFunc("GET /api/v1/bridges", s.handleListBridges)
	mux.HandleFunc("POST /api/v1/internal/bridges/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/internal/bridges/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/v1/bridges/{bridgeId}/{rest...}", s.handleProxy)
	mux.HandleFunc("GET /ws/v1/bridges/{bridgeId}/turns/{turnId}", s.handleRelay)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, apierror.New(apierror.NotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	return httplog.Middleware(s.log, s.withCORS(s.withAuth(mux)))
}

// Listen binds the listener ahead of Start.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves and runs the registry pruner and the rate-limit evictor until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	s.log.Infow("hub listening", "addr", ln.Addr().String(), "auth", s.posture().AuthMode)

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go s.registry.RunPruner(bgCtx, s.cfg.PruneInterval)
	go s.limiter.RunEvictor(bgCtx, s.cfg.PruneInterval)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("hub server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Infow("shutting down hub")
		s.shutdown()
		return nil
	case err := <-errChan:
		s.shutdown()
		return err
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.relays.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"time":    s.cfg.Clock.Now().UTC().Format(time.RFC3339Nano),
		"bridges": len(s.registry.ListActive()),
	})
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, http.StatusOK, s.posture())
}

// handleListBridges lists live bridges; ?includeStale=true adds records the
// pruner has not removed yet.
func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	var records []registry.Record
	if r.URL.Query().Get("includeStale") == "true" {
		records = s.registry.List()
	} else {
		records = s.registry.ListActive()
	}
	apierror.WriteJSON(w, http.StatusOK, map[string]interface{}{"bridges": records})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var p registry.Payload
	if err := apierror.DecodeBody(r, &p); err != nil {
		apierror.Write(w, err)
		return
	}
	rec, err := s.registry.Register(p, httplog.ClientIP(r.RemoteAddr), s.cfg.Clock.Now())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bridge": rec,
		"ttlMs":  s.registry.TTL().Milliseconds(),
	})
}

// handleHeartbeat accepts an empty body or a payload carrying updated
// port and workspace metadata.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload *registry.Payload
	var p registry.Payload
	present, err := apierror.DecodeOptionalBody(r, &p)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if present {
		payload = &p
	}
	rec, ok := s.registry.Heartbeat(id, payload, s.cfg.Clock.Now())
	if !ok {
		apierror.Write(w, apierror.New(apierror.NotFound, "bridge %s is not registered", id))
		return
	}
	apierror.WriteJSON(w, http.StatusOK, map[string]interface{}{"bridge": rec})
}

// lookup resolves a live bridge or writes NOT_FOUND.
func (s *Server) lookup(w http.ResponseWriter, id string) (registry.Record, bool) {
	rec, ok := s.registry.Get(id)
	if !ok {
		apierror.Write(w, apierror.New(apierror.NotFound, "bridge %s not found", id))
		return registry.Record{}, false
	}
	return rec, true
}

// Package bridge exposes one engine Backend over the internal HTTP and
// WebSocket API the hub proxies to, and keeps the bridge registered with
// the hub.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/engine"
	"github.com/holon-run/turnhub/pkg/httplog"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"go.uber.org/zap"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ServerConfig configures a bridge Server.
type ServerConfig struct {
	Addr    string
	Backend engine.Backend
	Logger  *zap.SugaredLogger
	// Now stamps hub/hello and hub/state frames. Defaults to time.Now.
	Now func() time.Time
}

// Server serves the internal API for one Backend.
type Server struct {
	backend  engine.Backend
	log      *zap.SugaredLogger
	now      func() time.Time
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	streams  sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = holonlog.Named("bridge")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		backend: cfg.Backend,
		log:     cfg.Logger,
		now:     cfg.Now,
		done:    make(chan struct{}),
		// the hub is the only peer and enforces origin rules itself
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /internal/v1/meta", s.handleMeta)
	mux.HandleFunc("GET /internal/v1/threads", s.handleListThreads)
	mux.HandleFunc("GET /internal/v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("POST /internal/v1/threads/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /internal/v1/turns/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /internal/v1/turns/{id}/steer", s.handleSteer)
	mux.HandleFunc("POST /internal/v1/approvals/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /internal/v1/turns/{id}/stream", s.handleStream)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.Write(w, apierror.New(apierror.NotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	return httplog.Middleware(s.log, mux)
}

// Listen binds the listener so the bound port is known before Start.
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

// Start serves until ctx is cancelled, then shuts down and closes open
// streams.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	s.log.Infow("bridge server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("bridge server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Infow("shutting down bridge server")
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
	s.streams.Wait()
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	apierror.WriteJSON(w, status, value)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Meta(r.Context()))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.backend.ListThreads(r.Context())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	detail, err := s.backend.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread": detail})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var in engine.StartTurnInput
	if err := apierror.DecodeBody(r, &in); err != nil {
		apierror.Write(w, err)
		return
	}
	state, err := s.backend.StartTurn(r.Context(), r.PathValue("id"), in)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	turn, err := s.backend.InterruptTurn(r.Context(), r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"turn": turn})
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	var in engine.SteerInput
	if err := apierror.DecodeBody(r, &in); err != nil {
		apierror.Write(w, err)
		return
	}
	turn, err := s.backend.SteerTurn(r.Context(), r.PathValue("id"), in)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"turn": turn})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
	}
	if err := apierror.DecodeBody(r, &body); err != nil {
		apierror.Write(w, err)
		return
	}
	decision, err := engine.ParseDecision(body.Decision)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	approval, err := s.backend.DecideApproval(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approval": approval})
}

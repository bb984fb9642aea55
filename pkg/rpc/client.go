// Package rpc is a JSON-RPC 2.0 client for the app-server. One Client owns
// one WebSocket connection; the protocol is bidirectional, so the client also
// delivers server-initiated calls (approval requests) to a Handler and sends
// their replies.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"go.uber.org/zap"
)

const (
	ModeSpawn  = "spawn"
	ModeAttach = "attach"

	writeTimeout      = 10 * time.Second
	reconnectBase     = 500 * time.Millisecond
	reconnectMaxDelay = 5 * time.Second
)

// Handler receives inbound traffic that is not a reply to our own calls.
// Methods run on the reader goroutine, in arrival order, and must not block
// on further reads from the same Client.
type Handler interface {
	HandleNotification(method string, params json.RawMessage)
	HandleRequest(id RequestID, method string, params json.RawMessage)
}

// Config selects and tunes the connection strategy.
type Config struct {
	Mode string
	// Command and Args launch the app-server in spawn mode; --listen is
	// appended.
	Command string
	Args    []string
	Dir     string
	// URL pins attach mode; empty means discover using Match.
	URL   string
	Match string

	ConnectTimeout time.Duration
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	StopGrace      time.Duration
	Reconnect      bool

	ClientName    string
	ClientVersion string

	Logger *zap.SugaredLogger
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSpawn
	}
	if c.Match == "" {
		c.Match = "app-server"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "turnhub"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if c.Logger == nil {
		c.Logger = holonlog.Named("rpc")
	}
}

// Client is a JSON-RPC connection to one app-server.
type Client struct {
	cfg    Config
	log    *zap.SugaredLogger
	nextID atomic.Int64

	mu          sync.Mutex
	handler     Handler
	conn        *websocket.Conn
	ready       *websocket.Conn
	url         string
	proc        *process
	pending     map[string]chan *Message
	started     bool
	stopped     bool
	lastError   string
	connectedAt time.Time
	onReconnect []func()
	onLost      []func(error)
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	writeMu sync.Mutex
}

// NewClient creates a Client. Call SetHandler before Start.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		pending: make(map[string]chan *Message),
	}
}

// SetHandler installs the receiver for notifications and server calls.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnDisconnect registers f to run when an established connection drops,
// before any reconnect attempt. It runs on the reader goroutine, so nothing
// from a later connection is dispatched until it returns.
func (c *Client) OnDisconnect(f func(error)) {
	c.mu.Lock()
	c.onLost = append(c.onLost, f)
	c.mu.Unlock()
}

// OnReconnect registers f to run after a dropped connection is re-established
// and the handshake has completed.
func (c *Client) OnReconnect(f func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, f)
	c.mu.Unlock()
}

// Start connects using the configured strategy and performs the initialize
// handshake.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("rpc client already started")
	}
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("rpc client was stopped and cannot be restarted")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.setLastError(err)
		// a child that never answered the handshake must not outlive us
		c.mu.Lock()
		proc := c.proc
		c.proc = nil
		c.mu.Unlock()
		if proc != nil {
			proc.stop(c.cfg.StopGrace)
		}
		return err
	}
	return nil
}

// establish runs one full connection attempt for the configured mode.
func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	switch c.cfg.Mode {
	case ModeSpawn:
		return c.establishSpawn(ctx)
	case ModeAttach:
		return c.establishAttach(ctx)
	default:
		return fmt.Errorf("unknown app-server mode %q", c.cfg.Mode)
	}
}

func (c *Client) establishSpawn(ctx context.Context) error {
	c.mu.Lock()
	proc := c.proc
	target := c.url
	c.mu.Unlock()

	if proc == nil || proc.exited() {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := freeLoopbackPort()
		if err != nil {
			return err
		}
		target = "ws://127.0.0.1:" + strconv.Itoa(port)
		args := append(append([]string{}, c.cfg.Args...), "--listen", target)
		proc, err = startProcess(c.cfg.Command, args, c.cfg.Dir, c.log)
		if err != nil {
			return err
		}
		c.mu.Lock()
		stopped := c.stopped
		c.proc = proc
		c.url = target
		c.mu.Unlock()
		if stopped {
			proc.stop(c.cfg.StopGrace)
			return ErrTransportClosed
		}
	}

	var lastErr error
	for {
		if proc.exited() {
			return proc.exitError()
		}
		err := c.dialAndHandshake(ctx, target)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to spawned app-server at %s: %w (last error: %v)", target, ctx.Err(), lastErr)
		case <-proc.waitDone:
			return proc.exitError()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
}

func (c *Client) establishAttach(ctx context.Context) error {
	var candidates []string
	if c.cfg.URL != "" {
		u, err := url.Parse(c.cfg.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid app-server url %q", c.cfg.URL)
		}
		if !reachable(ctx, u.Host, c.cfg.AttemptTimeout) {
			return fmt.Errorf("%w: %s is not accepting connections", ErrNoCandidate, u.Host)
		}
		candidates = []string{c.cfg.URL}
	} else {
		found, err := Discover(ctx, c.cfg.Match)
		if err != nil {
			return err
		}
		for _, cand := range found {
			if reachable(ctx, cand.Addr, c.cfg.AttemptTimeout) {
				candidates = append(candidates, cand.URL())
				continue
			}
			c.log.Debugw("skipping unreachable app-server candidate", "pid", cand.PID, "addr", cand.Addr)
		}
		if len(candidates) == 0 {
			return fmt.Errorf("%w matching %q (%d unreachable)", ErrNoCandidate, c.cfg.Match, len(found))
		}
	}

	var errs []error
	for _, target := range candidates {
		err := c.dialAndHandshake(ctx, target)
		if err == nil {
			c.mu.Lock()
			c.url = target
			c.mu.Unlock()
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", target, err))
	}
	return fmt.Errorf("attach to app-server: %w", errors.Join(errs...))
}

func (c *Client) dialAndHandshake(ctx context.Context, target string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.AttemptTimeout}
	conn, _, err := dialer.DialContext(attemptCtx, target, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrTransportClosed
	}
	c.conn = conn
	c.connectedAt = time.Now()
	c.wg.Add(1)
	c.mu.Unlock()
	go c.readLoop(conn)

	if err := c.handshake(attemptCtx); err != nil {
		c.dropConn(conn)
		return fmt.Errorf("initialize: %w", err)
	}
	c.mu.Lock()
	c.ready = conn
	c.mu.Unlock()
	c.log.Infow("connected to app-server", "url", target)
	return nil
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]interface{}{
		"clientInfo": clientInfo{Name: c.cfg.ClientName, Title: "turnhub bridge", Version: c.cfg.ClientVersion},
	}
	if err := c.Request(ctx, "initialize", params, nil); err != nil {
		return err
	}
	return c.Notify(ctx, "initialized", nil)
}

// dropConn closes conn; the reader goroutine then performs disconnect
// bookkeeping.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warnw("dropping malformed app-server frame", "error", err, "bytes", len(data))
		return
	}

	switch {
	case msg.IsResponse():
		c.mu.Lock()
		ch, ok := c.pending[msg.ID.Key()]
		delete(c.pending, msg.ID.Key())
		c.mu.Unlock()
		if !ok {
			c.log.Debugw("response for unknown request", "id", msg.ID.String())
			return
		}
		ch <- &msg
	case msg.IsRequest():
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			_ = c.SendErrorResponse(*msg.ID, ErrCodeMethodNotFound, "method not found: "+msg.Method, nil)
			return
		}
		h.HandleRequest(*msg.ID, msg.Method, msg.Params)
	case msg.IsNotification():
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.HandleNotification(msg.Method, msg.Params)
		}
	default:
		c.log.Debugw("ignoring app-server frame without method or id")
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, readErr error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	stopped := c.stopped
	// only a connection that completed its handshake is worth restoring;
	// failed attempts are retried by establish itself
	established := c.ready == conn
	reconnect := c.cfg.Reconnect && !stopped && established
	if established {
		c.ready = nil
	}
	lost := append([]func(error){}, c.onLost...)
	if !stopped {
		c.lastError = readErr.Error()
	}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if stopped {
		return
	}
	if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		c.log.Warnw("app-server connection lost", "error", readErr, "rejected_calls", len(pending))
	}
	if established {
		for _, f := range lost {
			f(readErr)
		}
	}
	if reconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop re-establishes the connection with exponential backoff until
// it succeeds or the client is stopped.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	ctx := c.ctx
	backoff := reconnectBase
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := c.establish(ctx); err != nil {
			c.setLastError(err)
			c.log.Warnw("app-server reconnect failed", "error", err, "retry_in", backoff)
			backoff *= 2
			if backoff > reconnectMaxDelay {
				backoff = reconnectMaxDelay
			}
			continue
		}
		c.log.Infow("app-server connection restored")
		c.mu.Lock()
		callbacks := append([]func(){}, c.onReconnect...)
		c.mu.Unlock()
		for _, f := range callbacks {
			f()
		}
		return
	}
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Client) write(msg *Message) error {
	msg.JSONRPC = Version
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Request sends a correlated call and decodes its result into out (which may
// be nil). A peer error is returned as *Error; a connection loss as
// ErrTransportClosed.
func (c *Client) Request(ctx context.Context, method string, params, out interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	id := NumericID(c.nextID.Add(1))
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.pending[id.Key()] = ch
	c.mu.Unlock()

	if err := c.write(&Message{ID: &id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return ErrTransportClosed
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(id RequestID) {
	c.mu.Lock()
	delete(c.pending, id.Key())
	c.mu.Unlock()
}

// Notify sends a message that expects no reply.
func (c *Client) Notify(_ context.Context, method string, params interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(&Message{Method: method, Params: raw})
}

// SendResponse replies to a server-initiated call.
func (c *Client) SendResponse(id RequestID, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.write(&Message{ID: &id, Result: raw})
}

// SendErrorResponse rejects a server-initiated call.
func (c *Client) SendErrorResponse(id RequestID, code int, message string, data interface{}) error {
	rpcErr, err := NewError(code, message, data)
	if err != nil {
		return err
	}
	return c.write(&Message{ID: &id, Error: rpcErr})
}

// Stop closes the connection and stops a spawned app-server: SIGTERM to its
// process group, then SIGKILL after the grace window.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.dropConn(conn)
		// the reader may be blocked on a dead peer; mark it gone ourselves
		c.handleDisconnect(conn, ErrTransportClosed)
	}
	c.wg.Wait()

	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		proc.stop(c.cfg.StopGrace)
	}
	return nil
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Status returns a snapshot for diagnostics.
func (c *Client) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := map[string]interface{}{
		"mode":      c.cfg.Mode,
		"url":       c.url,
		"connected": c.conn != nil,
	}
	if c.conn != nil {
		status["connected_at"] = c.connectedAt.UTC().Format(time.RFC3339Nano)
	}
	if c.proc != nil {
		status["pid"] = c.proc.pid
		status["running"] = !c.proc.exited()
	}
	if c.lastError != "" {
		status["last_error"] = c.lastError
	}
	return status
}

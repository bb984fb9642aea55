package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/holon-run/turnhub/pkg/clock"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/registry"
	"go.uber.org/zap"
)

const (
	RegisterPath  = "/api/v1/internal/bridges/register"
	heartbeatPath = "/api/v1/internal/bridges/%s/heartbeat"
)

// errUnknownBridge is a heartbeat answered with 404: the hub restarted or
// pruned this bridge.
var errUnknownBridge = errors.New("hub does not know this bridge")

// RegistrarConfig configures a Registrar.
type RegistrarConfig struct {
	HubURL string
	Token  string
	// Payload is evaluated on every call so port and workspace changes
	// reach the hub.
	Payload func() registry.Payload

	HeartbeatInterval time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration
	JitterRatio       float64
	RequestTimeout    time.Duration

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	// Rand returns a value in [0,1) for jitter. Defaults to math/rand.
	Rand func() float64
}

func (c *RegistrarConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.JitterRatio < 0 || c.JitterRatio >= 1 {
		c.JitterRatio = 0.2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = holonlog.Named("registrar")
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// RegistrarStatus is a diagnostic snapshot.
type RegistrarStatus struct {
	Registered       bool      `json:"registered"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"lastError,omitempty"`
	LastRegisteredAt time.Time `json:"lastRegisteredAt,omitempty"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt,omitempty"`
}

// Registrar keeps a bridge registered with its hub: one registration at
// start, periodic heartbeats, and re-registration with jittered exponential
// backoff when the hub is unreachable or has forgotten the bridge.
type Registrar struct {
	cfg RegistrarConfig
	log *zap.SugaredLogger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	ticker      *clock.Ticker
	retry       *clock.Timer
	registering bool
	stopped     bool
	status      RegistrarStatus
	wg          sync.WaitGroup
}

func NewRegistrar(cfg RegistrarConfig) (*Registrar, error) {
	if _, err := url.Parse(cfg.HubURL); err != nil || cfg.HubURL == "" {
		return nil, fmt.Errorf("invalid hub url %q", cfg.HubURL)
	}
	if cfg.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	cfg.setDefaults()
	cfg.HubURL = strings.TrimRight(cfg.HubURL, "/")
	return &Registrar{cfg: cfg, log: cfg.Logger}, nil
}

// Start fires the first registration without waiting for it and starts the
// heartbeat ticker.
func (r *Registrar) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil || r.stopped {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.ticker = r.cfg.Clock.NewTicker(r.cfg.HeartbeatInterval)
	ticks := r.ticker.C
	r.wg.Add(1)
	r.mu.Unlock()

	r.registerAsync()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticks:
				r.heartbeat()
			}
		}
	}()
}

// Stop cancels timers and waits for in-flight calls.
func (r *Registrar) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registrar) Status() RegistrarStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Backoff is the un-jittered delay before retry number attempt (from 0).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return max
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (r *Registrar) retryDelay(attempt int) time.Duration {
	d := Backoff(r.cfg.RetryBase, r.cfg.RetryMax, attempt)
	factor := 1 - r.cfg.JitterRatio + 2*r.cfg.JitterRatio*r.cfg.Rand()
	return time.Duration(float64(d) * factor)
}

func (r *Registrar) registerAsync() {
	r.mu.Lock()
	if r.stopped || r.registering {
		r.mu.Unlock()
		return
	}
	r.registering = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.register()
	}()
}

func (r *Registrar) register() {
	err := r.post(RegisterPath, r.cfg.Payload())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registering = false
	if r.stopped {
		return
	}
	if err != nil {
		delay := r.retryDelay(r.status.Attempts)
		r.status.Attempts++
		r.status.Registered = false
		r.status.LastError = err.Error()
		r.log.Warnw("bridge registration failed", "hub", r.cfg.HubURL, "attempt", r.status.Attempts, "retry_in", delay, "error", err)
		if r.retry != nil {
			r.retry.Stop()
		}
		r.retry = r.cfg.Clock.AfterFunc(delay, r.registerAsync)
		return
	}
	if r.status.Attempts > 0 || !r.status.Registered {
		r.log.Infow("bridge registered with hub", "hub", r.cfg.HubURL)
	}
	r.status.Attempts = 0
	r.status.Registered = true
	r.status.LastError = ""
	r.status.LastRegisteredAt = r.cfg.Clock.Now()
	r.status.LastHeartbeatAt = r.status.LastRegisteredAt
}

func (r *Registrar) heartbeat() {
	r.mu.Lock()
	if !r.status.Registered || r.registering {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	payload := r.cfg.Payload()
	err := r.post(fmt.Sprintf(heartbeatPath, url.PathEscape(payload.ID)), payload)

	r.mu.Lock()
	switch {
	case err == nil:
		r.status.LastHeartbeatAt = r.cfg.Clock.Now()
		r.mu.Unlock()
	case errors.Is(err, errUnknownBridge):
		r.status.Registered = false
		r.status.LastError = err.Error()
		if r.retry != nil {
			r.retry.Stop()
			r.retry = nil
		}
		r.mu.Unlock()
		r.log.Warnw("hub lost this bridge, re-registering", "hub", r.cfg.HubURL)
		r.registerAsync()
	default:
		r.status.LastError = err.Error()
		r.mu.Unlock()
		r.log.Warnw("heartbeat failed", "hub", r.cfg.HubURL, "error", err)
	}
}

func (r *Registrar) post(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.HubURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusNotFound && path != RegisterPath:
		return errUnknownBridge
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("hub returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}

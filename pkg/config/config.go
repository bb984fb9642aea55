// Package config loads turnhub configuration.
//
// Configuration comes from a single file named by --config or the
// TURNHUB_CONFIG environment variable. YAML is the native format; .json and
// .jsonc files (as written by editor tooling, comments and trailing commas
// allowed) are accepted too. Anything not set in the file keeps its default.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfig    = "TURNHUB_CONFIG"
	EnvHubToken  = "TURNHUB_HUB_TOKEN"
	EnvHubURL    = "TURNHUB_HUB_URL"
	EnvBridgeID  = "TURNHUB_BRIDGE_ID"
	EnvLogLevel  = "TURNHUB_LOG_LEVEL"
	EnvLogFormat = "TURNHUB_LOG_FORMAT"
)

const (
	BackendAppServer = "appserver"
	BackendSimulated = "simulated"

	ModeSpawn  = "spawn"
	ModeAttach = "attach"
)

// Config is the root configuration shared by the bridge and hub commands.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Bridge BridgeConfig `yaml:"bridge"`
	Hub    HubConfig    `yaml:"hub"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BridgeConfig configures one bridge process.
type BridgeConfig struct {
	// ID defaults to a random uuid at startup when empty.
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
	// AdvertiseHost is the host the hub should dial; empty lets the hub use
	// the registration request's source address.
	AdvertiseHost string `yaml:"advertiseHost"`

	Backend           string          `yaml:"backend"`
	AutoApprove       bool            `yaml:"autoApprove"`
	DefaultAccessMode string          `yaml:"defaultAccessMode"`
	DefaultModel      string          `yaml:"defaultModel"`
	Workspace         WorkspaceConfig `yaml:"workspace"`

	AppServer    AppServerConfig    `yaml:"appServer"`
	Registration RegistrationConfig `yaml:"registration"`
}

type WorkspaceConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// AppServerConfig selects how the bridge reaches the upstream app-server.
type AppServerConfig struct {
	Mode    string   `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// URL pins attach mode to one address; empty means discover.
	URL   string `yaml:"url"`
	Match string `yaml:"match"`

	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	StopGrace      time.Duration `yaml:"stopGrace"`
	Reconnect      bool          `yaml:"reconnect"`
}

// RegistrationConfig points a bridge at its hub. An empty HubURL disables
// registration.
type RegistrationConfig struct {
	HubURL            string        `yaml:"hubUrl"`
	Token             string        `yaml:"token"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	RetryBase         time.Duration `yaml:"retryBase"`
	RetryMax          time.Duration `yaml:"retryMax"`
	JitterRatio       float64       `yaml:"jitterRatio"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

// HubConfig configures the public hub.
type HubConfig struct {
	Listen         string          `yaml:"listen"`
	Token          string          `yaml:"token"`
	AllowedOrigins []string        `yaml:"allowedOrigins"`
	BridgeTTL      time.Duration   `yaml:"bridgeTTL"`
	PruneInterval  time.Duration   `yaml:"pruneInterval"`
	ProxyTimeout   time.Duration   `yaml:"proxyTimeout"`
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
}

type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Default returns a configuration with every default filled in.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  string(holonlog.LevelProgress),
			Format: holonlog.FormatConsole,
		},
		Bridge: BridgeConfig{
			Listen:            "127.0.0.1:8790",
			Backend:           BackendAppServer,
			DefaultAccessMode: "plan-only",
			AppServer: AppServerConfig{
				Mode:           ModeSpawn,
				Command:        "codex",
				Args:           []string{"app-server"},
				Match:          "app-server",
				ConnectTimeout: 15 * time.Second,
				AttemptTimeout: 2 * time.Second,
				RetryDelay:     250 * time.Millisecond,
				StopGrace:      3 * time.Second,
				Reconnect:      true,
			},
			Registration: RegistrationConfig{
				HeartbeatInterval: 10 * time.Second,
				RetryBase:         time.Second,
				RetryMax:          30 * time.Second,
				JitterRatio:       0.2,
				RequestTimeout:    5 * time.Second,
			},
		},
		Hub: HubConfig{
			Listen:        "127.0.0.1:8787",
			BridgeTTL:     30 * time.Second,
			PruneInterval: 10 * time.Second,
			ProxyTimeout:  15 * time.Second,
			RateLimit: RateLimitConfig{
				Window: time.Minute,
				Max:    60,
			},
		},
	}
}

// Load reads path (or $TURNHUB_CONFIG when path is empty) on top of the
// defaults, applies environment overrides and validates the result. With no
// file at all the defaults are used.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, filepath.Ext(path), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data into cfg. ext selects JSONC handling for ".json" and
// ".jsonc"; JSON is valid YAML, so both go through the same decoder.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvHubToken); v != "" {
		cfg.Hub.Token = v
		cfg.Bridge.Registration.Token = v
	}
	if v := getenv(EnvHubURL); v != "" {
		cfg.Bridge.Registration.HubURL = v
	}
	if v := getenv(EnvBridgeID); v != "" {
		cfg.Bridge.ID = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := holonlog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "" && c.Log.Format != holonlog.FormatConsole && c.Log.Format != holonlog.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	b := c.Bridge
	if b.Backend != BackendAppServer && b.Backend != BackendSimulated {
		errs = append(errs, fmt.Errorf("bridge.backend: must be %q or %q, got %q", BackendAppServer, BackendSimulated, b.Backend))
	}
	if b.DefaultAccessMode != "plan-only" && b.DefaultAccessMode != "full-access" {
		errs = append(errs, fmt.Errorf("bridge.defaultAccessMode: must be plan-only or full-access, got %q", b.DefaultAccessMode))
	}
	if err := checkListen("bridge.listen", b.Listen); err != nil {
		errs = append(errs, err)
	}
	if b.Backend == BackendAppServer {
		a := b.AppServer
		switch a.Mode {
		case ModeSpawn:
			if a.Command == "" {
				errs = append(errs, errors.New("bridge.appServer.command: required in spawn mode"))
			}
		case ModeAttach:
		default:
			errs = append(errs, fmt.Errorf("bridge.appServer.mode: must be %q or %q, got %q", ModeSpawn, ModeAttach, a.Mode))
		}
		if a.ConnectTimeout <= 0 || a.AttemptTimeout <= 0 {
			errs = append(errs, errors.New("bridge.appServer: connectTimeout and attemptTimeout must be positive"))
		}
	}
	r := b.Registration
	if r.HubURL != "" {
		if r.HeartbeatInterval <= 0 {
			errs = append(errs, errors.New("bridge.registration.heartbeatInterval: must be positive"))
		}
		if r.RetryBase <= 0 || r.RetryMax < r.RetryBase {
			errs = append(errs, errors.New("bridge.registration: retryBase must be positive and not exceed retryMax"))
		}
		if r.JitterRatio < 0 || r.JitterRatio >= 1 {
			errs = append(errs, fmt.Errorf("bridge.registration.jitterRatio: must be in [0, 1), got %v", r.JitterRatio))
		}
	}

	h := c.Hub
	if err := checkListen("hub.listen", h.Listen); err != nil {
		errs = append(errs, err)
	}
	if h.BridgeTTL <= 0 || h.PruneInterval <= 0 || h.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("hub: bridgeTTL, pruneInterval and proxyTimeout must be positive"))
	}
	if h.RateLimit.Window <= 0 || h.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("hub.rateLimit: window and max must be positive"))
	}
	return errors.Join(errs...)
}

func checkListen(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

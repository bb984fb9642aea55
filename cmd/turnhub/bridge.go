package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/holon-run/turnhub/pkg/bridge"
	"github.com/holon-run/turnhub/pkg/config"
	"github.com/holon-run/turnhub/pkg/engine"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/registry"
	"github.com/holon-run/turnhub/pkg/rpc"
	"github.com/spf13/cobra"
)

var (
	bridgeListen       string
	bridgeBackend      string
	bridgeID           string
	bridgeHubURL       string
	bridgeWorkspace    string
	bridgeAppServerURL string
	bridgeAutoApprove  bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve one workspace's app-server to the hub",
	Long: `Run a bridge: connect to (or spawn) the local app-server, serve the
internal turn API, and keep this bridge registered with the hub.

Examples:
  turnhub bridge --hub-url http://127.0.0.1:8787
  turnhub bridge --backend simulated --listen 127.0.0.1:0`,
	RunE: runBridge,
}

// applyBridgeFlags lets explicit flags win over the config file.
func applyBridgeFlags(cmd *cobra.Command, b *config.BridgeConfig) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		b.Listen = bridgeListen
	}
	if flags.Changed("backend") {
		b.Backend = bridgeBackend
	}
	if flags.Changed("id") {
		b.ID = bridgeID
	}
	if flags.Changed("hub-url") {
		b.Registration.HubURL = bridgeHubURL
	}
	if flags.Changed("workspace") {
		b.Workspace.Path = bridgeWorkspace
	}
	if flags.Changed("app-server-url") {
		b.AppServer.Mode = config.ModeAttach
		b.AppServer.URL = bridgeAppServerURL
	}
	if flags.Changed("auto-approve") {
		b.AutoApprove = bridgeAutoApprove
	}
}

func resolveWorkspace(ws config.WorkspaceConfig) (engine.Workspace, error) {
	path := ws.Path
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return engine.Workspace{}, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		path = wd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return engine.Workspace{}, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	name := ws.Name
	if name == "" {
		name = filepath.Base(abs)
	}
	return engine.Workspace{Name: name, Path: abs}, nil
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	b := cfg.Bridge
	applyBridgeFlags(cmd, &b)
	cfg.Bridge = b
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	defer holonlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	workspace, err := resolveWorkspace(b.Workspace)
	if err != nil {
		return err
	}
	settings := engine.Settings{
		BridgeID:          b.ID,
		Version:           Version,
		AutoApprove:       b.AutoApprove,
		DefaultAccessMode: engine.AccessMode(b.DefaultAccessMode),
		DefaultModel:      b.DefaultModel,
		Workspace:         workspace,
		Logger:            holonlog.Named("engine"),
	}

	var backend engine.Backend
	switch b.Backend {
	case config.BackendSimulated:
		sim := engine.NewSimulator(engine.SimulatorConfig{Settings: settings})
		defer sim.Close()
		backend = sim
	default:
		store, client, err := startAppServer(ctx, b.AppServer, workspace.Path, settings)
		if err != nil {
			return err
		}
		defer client.Stop()
		backend = store
	}

	server, err := bridge.NewServer(bridge.ServerConfig{
		Addr:    b.Listen,
		Backend: backend,
		Logger:  holonlog.Named("bridge"),
	})
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}
	port := server.Addr().(*net.TCPAddr).Port

	if reg := b.Registration; reg.HubURL != "" {
		payload := registry.Payload{
			ID:        b.ID,
			Host:      advertiseHost(b),
			Port:      port,
			Workspace: &registry.Workspace{Name: workspace.Name, Path: workspace.Path},
			Backend:   b.Backend,
			Version:   Version,
		}
		registrar, err := bridge.NewRegistrar(bridge.RegistrarConfig{
			HubURL:            reg.HubURL,
			Token:             reg.Token,
			Payload:           func() registry.Payload { return payload },
			HeartbeatInterval: reg.HeartbeatInterval,
			RetryBase:         reg.RetryBase,
			RetryMax:          reg.RetryMax,
			JitterRatio:       reg.JitterRatio,
			RequestTimeout:    reg.RequestTimeout,
			Logger:            holonlog.Named("registrar"),
		})
		if err != nil {
			return err
		}
		registrar.Start(ctx)
		defer registrar.Stop()
	} else {
		holonlog.Warn("no hub url configured, bridge will not register")
	}

	holonlog.Progress("bridge started", "bridge_id", b.ID, "backend", b.Backend, "port", port, "workspace", workspace.Path)
	return server.Start(ctx)
}

// startAppServer connects the rpc client and wires it to a Store.
func startAppServer(ctx context.Context, a config.AppServerConfig, dir string, settings engine.Settings) (*engine.Store, *rpc.Client, error) {
	client := rpc.NewClient(rpc.Config{
		Mode:           a.Mode,
		Command:        a.Command,
		Args:           a.Args,
		Dir:            dir,
		URL:            a.URL,
		Match:          a.Match,
		ConnectTimeout: a.ConnectTimeout,
		AttemptTimeout: a.AttemptTimeout,
		RetryDelay:     a.RetryDelay,
		StopGrace:      a.StopGrace,
		Reconnect:      a.Reconnect,
		ClientVersion:  Version,
		Logger:         holonlog.Named("rpc"),
	})
	store := engine.NewStore(client, engine.StoreConfig{
		Settings:       settings,
		UpstreamStatus: client.Status,
	})
	client.SetHandler(store)

	refresh := func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := store.Refresh(refreshCtx); err != nil {
			holonlog.Warn("failed to refresh threads from app-server", "error", err)
		}
	}
	client.OnDisconnect(store.ConnectionLost)
	client.OnReconnect(func() { go refresh() })

	if err := client.Start(ctx); err != nil {
		_ = client.Stop()
		return nil, nil, fmt.Errorf("failed to connect to app-server: %w", err)
	}
	go refresh()
	return store, client, nil
}

// advertiseHost is the host the hub should dial back. A wildcard listen
// address is sent as-is and the hub substitutes the request's source.
func advertiseHost(b config.BridgeConfig) string {
	if b.AdvertiseHost != "" {
		return b.AdvertiseHost
	}
	host, _, err := net.SplitHostPort(b.Listen)
	if err != nil {
		return ""
	}
	return host
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", "", "Address for the internal API (default 127.0.0.1:8790)")
	bridgeCmd.Flags().StringVar(&bridgeBackend, "backend", "", "Backend: appserver or simulated")
	bridgeCmd.Flags().StringVar(&bridgeID, "id", "", "Bridge id (default: $TURNHUB_BRIDGE_ID or a random uuid)")
	bridgeCmd.Flags().StringVar(&bridgeHubURL, "hub-url", "", "Hub base URL to register with")
	bridgeCmd.Flags().StringVarP(&bridgeWorkspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	bridgeCmd.Flags().StringVar(&bridgeAppServerURL, "app-server-url", "", "Attach to a running app-server at this ws:// URL")
	bridgeCmd.Flags().BoolVar(&bridgeAutoApprove, "auto-approve", false, "Auto-approve requests for full-access turns")
	rootCmd.AddCommand(bridgeCmd)
}

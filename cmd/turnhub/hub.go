package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/holon-run/turnhub/pkg/config"
	"github.com/holon-run/turnhub/pkg/hub"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/holon-run/turnhub/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	hubListen         string
	hubAllowedOrigins []string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the public hub that bridges register with",
	Long: `Run the hub: accept bridge registrations, relay client HTTP calls and
turn streams to the registered bridges, and enforce the origin, token and
rate-limit rules.

The token is read from the config file or $TURNHUB_HUB_TOKEN. Without a
token the hub only accepts loopback clients.`,
	RunE: runHub,
}

func applyHubFlags(cmd *cobra.Command, h *config.HubConfig) {
	if cmd.Flags().Changed("listen") {
		h.Listen = hubListen
	}
	if cmd.Flags().Changed("allowed-origin") {
		h.AllowedOrigins = hubAllowedOrigins
	}
}

func runHub(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	h := cfg.Hub
	applyHubFlags(cmd, &h)
	cfg.Hub = h
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	defer holonlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(registry.Config{TTL: h.BridgeTTL, Logger: holonlog.Named("registry")})
	server, err := hub.NewServer(hub.Config{
		Addr:            h.Listen,
		Token:           h.Token,
		AllowedOrigins:  h.AllowedOrigins,
		ProxyTimeout:    h.ProxyTimeout,
		PruneInterval:   h.PruneInterval,
		RateLimitWindow: h.RateLimit.Window,
		RateLimitMax:    h.RateLimit.Max,
		Registry:        reg,
		Logger:          holonlog.Named("hub"),
	})
	if err != nil {
		return err
	}
	if h.Token == "" && !loopbackListen(h.Listen) {
		holonlog.Warn("no hub token configured; only loopback clients will be accepted", "listen", h.Listen)
	}
	return server.Start(ctx)
}

func loopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func init() {
	hubCmd.Flags().StringVar(&hubListen, "listen", "", "Public listen address (default 127.0.0.1:8787)")
	hubCmd.Flags().StringSliceVar(&hubAllowedOrigins, "allowed-origin", nil, "Allowed browser origin; repeat or use * for any")
	rootCmd.AddCommand(hubCmd)
}

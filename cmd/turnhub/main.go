package main

import (
	"fmt"
	"os"

	"github.com/holon-run/turnhub/pkg/config"
	holonlog "github.com/holon-run/turnhub/pkg/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "turnhub",
	Short: "Relay coding-agent turns between an app-server and remote clients.",
	Long: `turnhub runs the two halves of the relay:

  turnhub bridge   one per workspace, next to the app-server
  turnhub hub      the public entry point clients and bridges connect to

Configuration is read from --config or $TURNHUB_CONFIG (YAML, JSON or JSONC).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg, cfg.Validate()
}

func initLogging(cfg config.LogConfig) error {
	level, err := holonlog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if err := holonlog.Init(holonlog.Config{Level: level, Format: cfg.Format}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $TURNHUB_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "progress", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", holonlog.FormatConsole, "Log format: console or json")
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}

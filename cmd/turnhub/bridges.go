package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/holon-run/turnhub/pkg/apierror"
	"github.com/holon-run/turnhub/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	bridgesHubURL string
	bridgesToken  string
	bridgesAll    bool
	bridgesJSON   bool
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("cyan"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("green"))
	staleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var bridgesCmd = &cobra.Command{
	Use:   "bridges",
	Short: "List the bridges registered with a hub",
	Long: `Query a hub and print its registered bridges.

Examples:
  turnhub bridges
  turnhub bridges --hub-url https://hub.example.org --all
  turnhub bridges --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		hubURL := bridgesHubURL
		if hubURL == "" {
			hubURL = cfg.Bridge.Registration.HubURL
		}
		if hubURL == "" {
			hubURL = "http://" + cfg.Hub.Listen
		}
		token := bridgesToken
		if token == "" {
			token = cfg.Hub.Token
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		records, err := fetchBridges(ctx, hubURL, token, bridgesAll)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if bridgesJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		if len(records) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("no bridges registered"))
			return nil
		}
		fmt.Fprintln(out, renderBridges(records, time.Now()))
		return nil
	},
}

func fetchBridges(ctx context.Context, hubURL, token string, includeStale bool) ([]registry.Record, error) {
	endpoint := strings.TrimRight(hubURL, "/") + "/api/v1/bridges"
	if includeStale {
		endpoint += "?includeStale=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", hubURL, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read hub response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var body apierror.Body
		if json.Unmarshal(data, &body) == nil && body.Error.Code != "" {
			return nil, fmt.Errorf("hub returned %s: %s", body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("hub returned %s", resp.Status)
	}
	var body struct {
		Bridges []registry.Record `json:"bridges"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to decode hub response: %w", err)
	}
	return body.Bridges, nil
}

func renderBridges(records []registry.Record, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "ADDRESS", "WORKSPACE", "BACKEND", "LAST SEEN", "STATE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, rec := range records {
		state := liveStyle.Render("live")
		if rec.Stale {
			state = staleStyle.Render("stale")
		}
		workspace := rec.Workspace.Name
		if workspace == "" {
			workspace = rec.Workspace.Path
		}
		t.Row(rec.ID, rec.Addr(), workspace, rec.Backend, ago(now.Sub(rec.LastHeartbeatAt)), state)
	}
	return t.Render()
}

func ago(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d/time.Second)) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + "m ago"
	default:
		return strconv.Itoa(int(d/time.Hour)) + "h ago"
	}
}

func init() {
	bridgesCmd.Flags().StringVar(&bridgesHubURL, "hub-url", "", "Hub base URL (default: the configured hub)")
	bridgesCmd.Flags().StringVar(&bridgesToken, "token", "", "Hub token (default: $TURNHUB_HUB_TOKEN)")
	bridgesCmd.Flags().BoolVar(&bridgesAll, "all", false, "Include stale bridges")
	bridgesCmd.Flags().BoolVar(&bridgesJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(bridgesCmd)
}

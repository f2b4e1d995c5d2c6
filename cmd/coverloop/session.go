package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coverloop/internal/artifacts"
	"coverloop/internal/config"
	"coverloop/internal/mcp"
)

// =============================================================================
// BACKEND SESSION COMMANDS
// =============================================================================

var pingURL string

// sessionCmd groups backend session commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the MCP backend session",
}

// sessionPingCmd performs one handshake and tears the session down again
var sessionPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Handshake with the MCP backend and report the session",
	Args:  cobra.NoArgs,
	RunE:  runSessionPing,
}

// historyCmd prints the iterations a past run persisted
var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show the iteration history stored for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	sessionPingCmd.Flags().StringVar(&pingURL, "url", "", "MCP endpoint (overrides backend.url)")
	rootCmd.AddCommand(historyCmd)
}

func runSessionPing(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	// Ping only needs the backend section, so the full validation is skipped.
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if pingURL != "" {
		cfg.Backend.URL = pingURL
		cfg.Backend.Command = ""
	}
	if cfg.Backend.URL == "" && cfg.Backend.Command == "" {
		return fmt.Errorf("no MCP endpoint: set backend.url, backend.command or pass --url")
	}
	endpoint := backendEndpoint(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetBackendTimeout())
	defer cancel()

	sm := mcp.NewSessionManager(cfg.BackendChannel(), mcp.WithClientInfo("coverloop", clientVersion))
	start := time.Now()
	id, err := sm.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", endpoint, err)
	}
	elapsed := time.Since(start)
	status := sm.Status()
	logger.Debug("Ping succeeded", zap.String("endpoint", endpoint), zap.Duration("elapsed", elapsed))

	fmt.Printf("Endpoint: %s\n", endpoint)
	fmt.Printf("Session:  %s\n", id)
	fmt.Printf("State:    %s\n", status.State)
	fmt.Printf("Latency:  %s\n", elapsed.Round(time.Millisecond))

	if err := sm.Close(ctx); err != nil {
		logger.Warn("Session teardown failed", zap.Error(err))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Artifacts.HistoryDB == "" {
		return fmt.Errorf("artifacts.history_db is not set")
	}

	store, err := artifacts.NewHistoryStore(config.ResolvePath(ws, cfg.Artifacts.HistoryDB), args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	records, err := store.ListIterations(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No iterations stored for run %s.\n", args[0])
		return nil
	}

	fmt.Printf("Run %s\n", args[0])
	fmt.Println(strings.Repeat("─", 60))
	for _, rec := range records {
		kind := "normal"
		if rec.DeeperTest {
			kind = "deeper"
		}
		passed := 0
		for _, r := range rec.Results {
			if r.Success {
				passed++
			}
		}
		fmt.Printf("  #%-3d %-7s %d/%d passed  coverage %6.2f%%  %s\n",
			rec.Iteration, kind, passed, len(rec.Results), rec.Coverage.Percentage,
			rec.Timestamp.Format(time.RFC3339))
	}
	fmt.Println(strings.Repeat("─", 60))

	snaps, err := store.CountSnapshots(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Total: %d iteration(s), %d failure snapshot(s)\n", len(records), snaps)
	return nil
}

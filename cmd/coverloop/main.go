package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coverloop/internal/config"
)

var (
	// Global flags
	verbose     bool
	workspace   string
	configPath  string
	metricsAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "coverloop",
	Short: "coverloop - coverage-guided end-to-end test loop",
	Long: `coverloop runs end-to-end test iterations against a browser automation
backend until the aspect coverage target is reached or the iteration budget
is spent. Past the budget it offers a ranked menu of follow-up actions.

The backend is a Playwright MCP server (backend.mode: mcp) or a local Chrome
driven through go-rod (backend.mode: local).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .coverloop or current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.coverloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during a run")

	sessionCmd.AddCommand(sessionPingCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(recommendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the --workspace flag or the discovered root.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return config.FindWorkspaceRoot()
}

// loadConfig loads and validates the configuration for ws. Flag overrides
// run before validation; --metrics-addr always overrides metrics.addr.
func loadConfig(ws string, overrides ...func(*config.Config)) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Loaded config", zap.String("path", path), zap.String("backend", cfg.Backend.Mode))
	return cfg, nil
}

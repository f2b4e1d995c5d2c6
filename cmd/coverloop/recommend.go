package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coverloop/internal/config"
	"coverloop/internal/recommend"
	"coverloop/internal/report"
)

var recommendJSON bool

// recommendCmd recomputes the menu from a saved report without a backend
var recommendCmd = &cobra.Command{
	Use:   "recommend [report.json]",
	Short: "Show the recommendation menu for a saved report",
	Long: `Loads a report.json written by "coverloop run" and prints the ranked
recommendations for it. Without an argument the report under report.dir is
used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().BoolVar(&recommendJSON, "json", false, "Print recommendations as JSON")
}

func runRecommend(cmd *cobra.Command, args []string) error {
	path, err := reportPath(args)
	if err != nil {
		return err
	}

	rep, err := report.Load(path)
	if err != nil {
		return err
	}
	recs := recommend.Recommend(rep.Results, rep.Coverage)
	logger.Debug("Computed recommendations", zap.String("report", path), zap.Int("count", len(recs)))

	if recommendJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	fmt.Printf("Report %s (run %s)\n", path, rep.Session.RunID)
	fmt.Print(renderMenu(recs, rep.Coverage))
	return nil
}

func reportPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	ws, err := resolveWorkspace()
	if err != nil {
		return "", err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(config.ResolvePath(ws, cfg.Report.Dir), "report.json"), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coverloop/internal/artifacts"
	"coverloop/internal/browser"
	"coverloop/internal/config"
	"coverloop/internal/controller"
	"coverloop/internal/executor"
	"coverloop/internal/logging"
	"coverloop/internal/mcp"
	"coverloop/internal/planner"
	"coverloop/internal/report"
	"coverloop/internal/retry"
	"coverloop/internal/telemetry"
)

const clientVersion = "0.3.0"

var (
	runTimeout       time.Duration
	runURL           string
	runMaxIterations int
	runNoInteractive bool
)

// runCmd drives the coverage loop to completion.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coverage loop against the configured target",
	Long: `Runs normal iterations until the coverage target is reached or the
iteration budget is spent, then (when interactive) shows the recommendation
menu. A report is written to report.dir when the loop ends, including when it
is aborted.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort the run after this long (0 = no limit)")
	runCmd.Flags().StringVar(&runURL, "url", "", "Target URL (overrides target.url)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Normal iteration budget (overrides iteration.max_iterations)")
	runCmd.Flags().BoolVar(&runNoInteractive, "no-interactive", false, "Skip the recommendation menu")
}

func runLoop(cmd *cobra.Command, args []string) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if runTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), runTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ws, runOverrides)
	if err != nil {
		return err
	}

	if err := logging.Initialize(ws, cfg.Logging); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	}
	defer logging.CloseAll()

	runID := uuid.NewString()
	if err := logging.InitAudit(runID); err != nil {
		logger.Warn("Audit trail disabled", zap.Error(err))
	}
	defer logging.CloseAudit()
	started := time.Now()
	logger.Info("Starting run", zap.String("run_id", runID), zap.String("url", cfg.Target.URL), zap.String("backend", cfg.Backend.Mode))
	logging.Boot("run %s starting: backend=%s url=%s", runID, cfg.Backend.Mode, cfg.Target.URL)
	logging.Audit().RunStart(cfg.Target.URL, cfg.Backend.Mode)

	metrics := telemetry.New()
	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, metrics)
		defer stop()
	}

	store, dir, err := openArtifacts(ws, cfg, runID)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := be.close(closeCtx); err != nil {
			logger.Warn("Backend close failed", zap.Error(err))
		}
	}()

	plans, err := buildPlanners(ctx, ws, cfg)
	if err != nil {
		return err
	}

	instrOpts := []retry.Option{
		retry.WithMetrics(metrics),
		retry.WithBeforeRetry(executor.SessionRecovery(be.recoverer)),
	}
	if cfg.Retry.Snapshots {
		instrOpts = append(instrOpts, retry.WithFailureSnapshots(be.capturer, dir, be.sessionID))
	}
	exec := executor.New(be.driver, retry.New(cfg.Retry.Instruction.Policy(), instrOpts...),
		executor.WithArtifacts(dir),
		executor.WithSessionID(be.sessionID),
	)

	deps := controller.Deps{
		Planner:   plans.planner,
		Generator: plans.generator,
		Executor:  exec,
		Reporter:  report.NewWriter(config.ResolvePath(ws, cfg.Report.Dir)),
		Retry:     retry.New(cfg.Retry.TestCase.Policy(), retry.WithMetrics(metrics)),
		Metrics:   metrics,
		SessionMeta: func() report.SessionMeta {
			return report.SessionMeta{
				RunID:     runID,
				SessionID: be.sessionID(),
				URL:       cfg.Target.URL,
				Backend:   be.name,
			}
		},
	}
	if plans.healer != nil {
		deps.Healer = plans.healer
	}
	if store != nil {
		deps.History = store
	}
	if cfg.Iteration.Interactive {
		deps.Prompter = newLinePrompter(os.Stdin, os.Stdout)
	}

	ctrl, err := controller.New(controller.Config{
		MaxIterations:  cfg.Iteration.MaxIterations,
		CoverageTarget: cfg.Iteration.CoverageTarget,
		Interactive:    cfg.Iteration.Interactive,
		AutoHeal:       cfg.Iteration.AutoHeal,
		RecommendFrom:  controller.RecommendSource(cfg.Iteration.RecommendFrom),
		AspectCount:    plans.aspects,
		URL:            cfg.Target.URL,
	}, deps)
	if err != nil {
		return err
	}

	summary, runErr := ctrl.Run(ctx)
	logger.Info("Run finished",
		zap.String("reason", summary.ExitReason),
		zap.Int("iterations", len(summary.History)),
		zap.Float64("coverage", summary.Coverage.Percentage))

	logging.Audit().RunEnd(summary.ExitReason, len(summary.History), summary.Coverage.Percentage, time.Since(started).Milliseconds(), runErr)

	printSummary(cfg, summary)
	return runErr
}

func runOverrides(cfg *config.Config) {
	if runURL != "" {
		cfg.Target.URL = runURL
	}
	if runMaxIterations > 0 {
		cfg.Iteration.MaxIterations = runMaxIterations
	}
	if runNoInteractive {
		cfg.Iteration.Interactive = false
	}
}

// printSummary writes the report locations and, when enabled, the rendered
// report to stdout.
func printSummary(cfg *config.Config, summary controller.Summary) {
	fmt.Printf("\n%s  coverage %.2f%% (%d/%d aspects), %d iteration(s)\n",
		summary.ExitReason, summary.Coverage.Percentage,
		len(summary.Coverage.TestedAspectIDs), summary.Coverage.TotalAspects, len(summary.History))

	if summary.Report.JSON == "" {
		return
	}
	fmt.Printf("Report: %s\n        %s\n        %s\n", summary.Report.JSON, summary.Report.Markdown, summary.Report.HTML)

	if !cfg.Report.Terminal {
		return
	}
	rep, err := report.Load(summary.Report.JSON)
	if err != nil {
		logger.Warn("Failed to reload report", zap.Error(err))
		return
	}
	out, err := report.RenderTerminal(rep, 100)
	if err != nil {
		logger.Warn("Failed to render report", zap.Error(err))
		return
	}
	fmt.Print(out)
}

// =============================================================================
// WIRING
// =============================================================================

// backend is one opened browser backend with the hooks the retry wrapper
// and the executor need.
type backend struct {
	name      string
	driver    executor.Driver
	recoverer executor.Reinitializer
	capturer  retry.StateCapturer
	sessionID func() string
	close     func(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend.Mode {
	case "local":
		d := browser.NewRodDriver(cfg.Backend.Browser, cfg.Target.URL)
		if err := d.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start local browser: %w", err)
		}
		logger.Info("Local browser started", zap.String("session", d.SessionID()))
		return &backend{
			name:      "local",
			driver:    d,
			recoverer: d,
			capturer:  d,
			sessionID: d.SessionID,
			close:     d.Close,
		}, nil
	default:
		sm := mcp.NewSessionManager(cfg.BackendChannel(), mcp.WithClientInfo("coverloop", clientVersion))
		id, err := sm.Initialize(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MCP session at %s: %w", backendEndpoint(cfg), err)
		}
		logger.Info("MCP session established", zap.String("endpoint", backendEndpoint(cfg)), zap.String("session", id))
		d := executor.NewMCPDriver(sm, cfg.Target.URL)
		return &backend{
			name:      "mcp",
			driver:    d,
			recoverer: sm,
			capturer:  d,
			sessionID: sm.SessionID,
			close:     sm.Close,
		}, nil
	}
}

// backendEndpoint names the MCP backend for messages.
func backendEndpoint(cfg *config.Config) string {
	if cfg.Backend.Command != "" {
		return "stdio:" + cfg.Backend.Command
	}
	return cfg.Backend.URL
}

func openArtifacts(ws string, cfg *config.Config, runID string) (*artifacts.HistoryStore, *artifacts.Dir, error) {
	dir := artifacts.NewDir(config.ResolvePath(ws, cfg.Artifacts.Dir))
	if cfg.Artifacts.HistoryDB == "" {
		return nil, dir, nil
	}
	store, err := artifacts.NewHistoryStore(config.ResolvePath(ws, cfg.Artifacts.HistoryDB), runID)
	if err != nil {
		return nil, nil, err
	}
	return store, dir.WithStore(store), nil
}

// planners bundles the planning collaborators for one run.
type planners struct {
	planner   controller.Planner
	generator controller.Generator
	healer    controller.Healer
	aspects   int
}

func buildPlanners(ctx context.Context, ws string, cfg *config.Config) (planners, error) {
	var out planners

	var catalog *planner.CatalogPlanner
	if cfg.Target.Catalog != "" {
		var err error
		catalog, err = planner.LoadCatalog(config.ResolvePath(ws, cfg.Target.Catalog), planner.WithBatchSize(cfg.Iteration.BatchSize))
		if err != nil {
			return out, err
		}
		out.planner, out.generator = catalog, catalog
		out.aspects = catalog.AspectCount()
	}
	if cfg.Target.AspectCount > 0 {
		out.aspects = cfg.Target.AspectCount
	}

	if cfg.AI.Enabled {
		model, err := planner.NewGeminiModel(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Temperature)
		if err != nil {
			return out, err
		}
		opts := []planner.AIOption{planner.WithTargetURL(cfg.Target.URL)}
		if catalog != nil {
			opts = append(opts, planner.WithAspects(catalog.Aspects()))
		}
		ai := planner.NewAIPlanner(model, opts...)
		out.planner, out.generator = ai, ai
		if cfg.Iteration.AutoHeal {
			out.healer = ai
		}
		logger.Info("AI planning enabled", zap.String("model", model.Name()))
	}

	if out.planner == nil {
		return out, errors.New("no planner configured: set target.catalog or enable ai")
	}
	return out, nil
}

// serveMetrics exposes /metrics until the returned stop func is called.
func serveMetrics(addr string, metrics *telemetry.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

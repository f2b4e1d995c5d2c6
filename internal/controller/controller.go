// Package controller runs the coverage loop: bounded normal iterations,
// early exit at the coverage target, and an interactive recommendation menu
// once the iteration budget is spent.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coverloop/internal/executor"
	"coverloop/internal/planner"
	"coverloop/internal/report"
	"coverloop/internal/retry"
	"coverloop/internal/telemetry"
	"coverloop/internal/types"
)

// RecommendSource selects which results feed the recommendation engine.
type RecommendSource string

const (
	RecommendCumulative RecommendSource = "cumulative"
	RecommendLatest     RecommendSource = "latest"
)

// Config holds the controller settings.
type Config struct {
	MaxIterations  int
	CoverageTarget float64
	Interactive    bool
	AutoHeal       bool
	RecommendFrom  RecommendSource
	// AspectCount is the size of the aspect universe 1..N.
	AspectCount int
	URL         string
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Planner produces test plans.
type Planner interface {
	PlanForAspect(ctx context.Context, aspectID *int) (types.Plan, error)
	PlanDeeper(ctx context.Context, req planner.DeeperRequest) (types.Plan, error)
}

// Generator attaches instructions to planned test cases.
type Generator interface {
	Generate(ctx context.Context, plan types.Plan) ([]types.TestCase, error)
}

// Executor runs one test case.
type Executor interface {
	Execute(ctx context.Context, iteration int, tc types.TestCase) (executor.Outcome, error)
}

// Healer revises the instructions of a failing test case.
type Healer interface {
	Heal(ctx context.Context, req planner.HealRequest) (planner.HealResult, error)
}

// Reporter saves the final report.
type Reporter interface {
	Save(ctx context.Context, req report.Request) (report.Paths, error)
}

// Prompter shows the menu and returns one raw line of user input.
type Prompter interface {
	Prompt(ctx context.Context, recs []types.Recommendation, cov types.CoverageSnapshot) (string, error)
}

// HistorySink persists iteration records as they are appended.
type HistorySink interface {
	SaveIteration(ctx context.Context, rec types.IterationRecord) error
}

// Deps wires the collaborators. Healer, Prompter, History, Retry, Metrics
// and SessionMeta are optional.
type Deps struct {
	Planner   Planner
	Generator Generator
	Executor  Executor
	Healer    Healer
	Reporter  Reporter
	Prompter  Prompter
	History   HistorySink
	// Retry wraps every Execute call.
	Retry       *retry.Wrapper
	Metrics     *telemetry.Metrics
	SessionMeta func() report.SessionMeta
}

// Summary is what Run returns.
type Summary struct {
	History     []types.IterationRecord
	Coverage    types.CoverageSnapshot
	Report      report.Paths
	ExitReason  string
	Transitions []Transition
}

// Controller is the iteration state machine. It is the single writer of
// the run history.
type Controller struct {
	cfg  Config
	deps Deps

	mu          sync.Mutex
	state       State
	history     types.History
	transitions []Transition
	normalRuns  int
	exitReason  string
	startedAt   time.Time
	now         func() time.Time
}

// New validates the configuration and creates a controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("controller: planner is required")
	case deps.Generator == nil:
		return nil, errors.New("controller: generator is required")
	case deps.Executor == nil:
		return nil, errors.New("controller: executor is required")
	case deps.Reporter == nil:
		return nil, errors.New("controller: reporter is required")
	case cfg.Interactive && deps.Prompter == nil:
		return nil, errors.New("controller: interactive mode needs a prompter")
	}
	if cfg.MaxIterations < 1 {
		return nil, types.NewValidationError("iteration.max_iterations", fmt.Sprintf("must be at least 1, got %d", cfg.MaxIterations))
	}
	if cfg.CoverageTarget < 0 || cfg.CoverageTarget > 100 {
		return nil, types.NewValidationError("iteration.coverage_target", fmt.Sprintf("must be within 0..100, got %v", cfg.CoverageTarget))
	}
	if cfg.AspectCount < 0 {
		return nil, types.NewValidationError("iteration.aspect_count", "must not be negative")
	}
	if cfg.RecommendFrom == "" {
		cfg.RecommendFrom = RecommendCumulative
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultPolicy())
	}
	return &Controller{cfg: cfg, deps: deps, state: StateInit, now: time.Now}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns a copy of the transition log.
func (c *Controller) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.transitions...)
}

// History returns a copy of the iteration records.
func (c *Controller) History() []types.IterationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Records()
}

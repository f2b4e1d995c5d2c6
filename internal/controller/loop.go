package controller

import (
	"context"
	"errors"
	"fmt"
	"io"

	"coverloop/internal/coverage"
	"coverloop/internal/logging"
	"coverloop/internal/planner"
	"coverloop/internal/recommend"
	"coverloop/internal/report"
	"coverloop/internal/types"
)

// Run drives the state machine until FINAL_REPORT. A fatal error still
// produces a report of what ran before it and is then returned.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	c.startedAt = c.now()
	logging.Iteration("run started: max=%d target=%.2f%% interactive=%v aspects=%d",
		c.cfg.MaxIterations, c.cfg.CoverageTarget, c.cfg.Interactive, c.cfg.AspectCount)

	state := c.transition(StateNormalIteration, "start")
	var selected *types.Recommendation
	var fatal error

	for state != StateFinalReport {
		switch state {
		case StateNormalIteration:
			if err := c.runNormal(ctx); err != nil {
				fatal = err
				state = c.abort(err)
				continue
			}
			state = c.transition(StateEvaluate, fmt.Sprintf("normal iteration %d done", c.normalRuns))

		case StateEvaluate:
			state = c.evaluate()

		case StateEarlyExit, StateExit:
			state = c.transition(StateFinalReport, c.exitReason)

		case StateEnterInteractive:
			state = c.transition(StateInteractiveMenu, "entering menu")

		case StateInteractiveMenu:
			next, rec, err := c.menu(ctx)
			if err != nil {
				fatal = err
				state = c.abort(err)
				continue
			}
			selected = rec
			state = next

		case StateRetryMenu:
			state = c.transition(StateInteractiveMenu, "redisplay")

		case StateContinue:
			if c.normalRuns < c.cfg.MaxIterations {
				state = c.transition(StateNormalIteration, "continue within budget")
			} else {
				state = c.transition(StateInteractiveMenu, "budget exhausted, redisplay")
			}

		case StateDispatchSpecific:
			if err := c.dispatchSpecific(ctx, selected); err != nil {
				fatal = err
				state = c.abort(err)
				continue
			}
			state = c.transition(StateInteractiveMenu, "specific dispatch done")

		case StateDispatchDeeper:
			if err := c.dispatchDeeper(ctx); err != nil {
				fatal = err
				state = c.abort(err)
				continue
			}
			state = c.transition(StateInteractiveMenu, "deeper dispatch done")

		default:
			return Summary{}, fmt.Errorf("controller: unexpected state %s", state)
		}
	}

	summary := c.finalReport(ctx)
	if fatal != nil {
		return summary, fatal
	}
	return summary, nil
}

func (c *Controller) evaluate() State {
	cov := c.currentCoverage()
	switch {
	case coverage.Reached(cov, c.cfg.CoverageTarget):
		c.exitReason = fmt.Sprintf("coverage target reached (%.2f%% >= %.2f%%)", cov.Percentage, c.cfg.CoverageTarget)
		return c.transition(StateEarlyExit, c.exitReason)
	case c.normalRuns < c.cfg.MaxIterations:
		return c.transition(StateNormalIteration, fmt.Sprintf("coverage %.2f%%, budget %d/%d", cov.Percentage, c.normalRuns, c.cfg.MaxIterations))
	case c.cfg.Interactive:
		return c.transition(StateEnterInteractive, "iteration budget exhausted")
	}
	c.exitReason = fmt.Sprintf("iteration budget exhausted at %.2f%% coverage", cov.Percentage)
	return c.transition(StateEarlyExit, c.exitReason)
}

// menu computes fresh recommendations, reads one input and classifies it.
func (c *Controller) menu(ctx context.Context) (State, *types.Recommendation, error) {
	results, cov := c.recommendationInput()
	recs := c.offerable(recommend.Recommend(results, cov))

	input, err := c.deps.Prompter.Prompt(ctx, recs, cov)
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.exitReason = "menu input closed"
			return c.transition(StateExit, c.exitReason), nil, nil
		}
		return StateInteractiveMenu, nil, fmt.Errorf("failed to read menu input: %w", err)
	}

	choice := Classify(input, recs)
	logging.IterationDebug("menu input %q -> %s", input, choice.Action)
	logging.AuditFor(logging.CategoryIteration).MenuChoice(input, choice.Action.String())
	switch choice.Action {
	case ActionExit:
		c.exitReason = "user exit"
		return c.transition(StateExit, c.exitReason), nil, nil
	case ActionContinue:
		return c.transition(StateContinue, "continue"), nil, nil
	case ActionDeeper:
		return c.transition(StateDispatchDeeper, choice.Recommendation.Title), choice.Recommendation, nil
	case ActionComplete:
		if HandleComplete().ShouldExit {
			c.exitReason = "testing marked complete"
			return c.transition(StateExit, c.exitReason), nil, nil
		}
		return c.transition(StateRetryMenu, "complete declined"), nil, nil
	case ActionSpecific:
		return c.transition(StateDispatchSpecific, choice.Recommendation.Title), choice.Recommendation, nil
	}
	return c.transition(StateRetryMenu, fmt.Sprintf("invalid input %q", input)), nil, nil
}

// offerable drops the deeper option when the planner says up front it
// cannot serve one.
func (c *Controller) offerable(recs []types.Recommendation) []types.Recommendation {
	dc, ok := c.deps.Planner.(planner.DeeperCapable)
	if !ok || dc.SupportsDeeper() {
		return recs
	}
	out := make([]types.Recommendation, 0, len(recs))
	for _, r := range recs {
		if r.Type == types.RecommendDeeper {
			continue
		}
		out = append(out, r)
	}
	return out
}

// recommendationInput returns the results and coverage the engine ranks.
func (c *Controller) recommendationInput() ([]types.ExecutionResult, types.CoverageSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.RecommendFrom == RecommendLatest {
		last, ok := c.history.Last()
		if !ok {
			return nil, coverage.Compute(c.cfg.AspectCount, nil)
		}
		return last.Results, coverage.Compute(c.cfg.AspectCount, last.Results)
	}
	all := c.history.AllResults()
	return all, coverage.Compute(c.cfg.AspectCount, all)
}

// currentCoverage is the cumulative coverage over the whole history.
func (c *Controller) currentCoverage() types.CoverageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return coverage.Compute(c.cfg.AspectCount, c.history.AllResults())
}

func (c *Controller) finalReport(ctx context.Context) Summary {
	c.mu.Lock()
	records := c.history.Records()
	results := c.history.AllResults()
	c.mu.Unlock()

	cov := coverage.Compute(c.cfg.AspectCount, nil)
	if n := len(records); n > 0 {
		cov = records[n-1].Coverage
	}

	meta := report.SessionMeta{}
	if c.deps.SessionMeta != nil {
		meta = c.deps.SessionMeta()
	}
	if meta.URL == "" {
		meta.URL = c.cfg.URL
	}
	meta.Iterations = len(records)
	meta.StartedAt = c.startedAt
	meta.FinishedAt = c.now()
	meta.ExitReason = c.exitReason

	// The report is written even when ctx was canceled mid-run.
	paths, err := c.deps.Reporter.Save(context.WithoutCancel(ctx), report.Request{
		Results:     results,
		Coverage:    cov,
		SessionMeta: meta,
	})
	if err != nil {
		logging.Get(logging.CategoryIteration).Error("failed to save report: %v", err)
	}

	logging.Iteration("run finished: %s, %d record(s), coverage %.2f%%", c.exitReason, len(records), cov.Percentage)
	return Summary{
		History:     records,
		Coverage:    cov,
		Report:      paths,
		ExitReason:  c.exitReason,
		Transitions: c.Transitions(),
	}
}

func (c *Controller) abort(err error) State {
	c.exitReason = fmt.Sprintf("aborted: %v", err)
	logging.Get(logging.CategoryIteration).Error("run aborted: %v", err)
	logging.AuditFor(logging.CategoryIteration).Error(err, true)
	return c.transition(StateFinalReport, c.exitReason)
}

func (c *Controller) transition(to State, reason string) State {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.transitions = append(c.transitions, Transition{From: from, To: to, Reason: reason, At: c.now()})
	c.mu.Unlock()
	logging.IterationDebug("%s -> %s (%s)", from, to, reason)
	logging.AuditFor(logging.CategoryIteration).Transition(from.String(), to.String(), reason)
	return to
}

package controller

import (
	"context"
	"errors"
	"fmt"

	"coverloop/internal/coverage"
	"coverloop/internal/executor"
	"coverloop/internal/logging"
	"coverloop/internal/mcp"
	"coverloop/internal/planner"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

// isFatal reports whether err must abort the whole run: malformed input, a
// backend handshake that never succeeds, or the run's own ctx ending.
// Transport, timeout and session-loss errors that outlive retry are recorded
// as a failing result. A per-call timeout unwraps to DeadlineExceeded too, so
// cancellation is read from ctx and never from err.
func isFatal(ctx context.Context, err error) bool {
	var initErr *mcp.SessionInitError
	return types.IsValidation(err) ||
		errors.As(err, &initErr) ||
		ctx.Err() != nil
}

// runNormal is one budgeted iteration: plan everything, generate, execute.
func (c *Controller) runNormal(ctx context.Context) error {
	c.normalRuns++
	iteration := c.nextIteration()
	logging.Iteration("normal iteration %d/%d (record %d)", c.normalRuns, c.cfg.MaxIterations, iteration)

	cases, results, err := c.planAndGenerate(ctx, iteration, func(ctx context.Context) (types.Plan, error) {
		return c.deps.Planner.PlanForAspect(ctx, nil)
	})
	if err != nil {
		return err
	}

	for _, tc := range cases {
		res, err := c.executeCase(ctx, iteration, tc)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	c.record(ctx, "normal", iteration, cases, results, false)
	return nil
}

// dispatchSpecific re-tests one recommendation: plan, execute, quick fix,
// then heal. It always appends one record.
func (c *Controller) dispatchSpecific(ctx context.Context, rec *types.Recommendation) error {
	if rec == nil {
		return fmt.Errorf("controller: specific dispatch without a recommendation")
	}
	iteration := c.nextIteration()
	logging.Iteration("specific dispatch %q (record %d)", rec.Title, iteration)

	var cases []types.TestCase
	var results []types.ExecutionResult
	if rec.Type == types.RecommendFailed && rec.AspectID == nil {
		cases = c.failingCases()
	}
	if len(cases) == 0 {
		var err error
		cases, results, err = c.planAndGenerate(ctx, iteration, func(ctx context.Context) (types.Plan, error) {
			return c.deps.Planner.PlanForAspect(ctx, rec.AspectID)
		})
		if err != nil {
			return err
		}
	}

	executed := make([]types.TestCase, 0, len(cases))
	for _, tc := range cases {
		res, ran, err := c.executeWithRepair(ctx, iteration, tc)
		if err != nil {
			return err
		}
		executed = append(executed, ran)
		results = append(results, res)
	}
	c.record(ctx, "specific", iteration, executed, results, false)
	return nil
}

// executeWithRepair executes tc, retries once in place on failure, and then
// asks the healer for revised instructions when auto-heal is on. It returns
// the final result and the test case as last executed.
func (c *Controller) executeWithRepair(ctx context.Context, iteration int, tc types.TestCase) (types.ExecutionResult, types.TestCase, error) {
	res, err := c.executeCase(ctx, iteration, tc)
	if err != nil || res.Success {
		return res, tc, err
	}

	logging.Iteration("%s failed, quick fix retry", tc.ID)
	res, err = c.executeCase(ctx, iteration, tc)
	if err == nil {
		logging.AuditFor(logging.CategoryIteration).Repair(logging.AuditQuickFix, tc.ID, res.Success, res.Error)
	}
	if err != nil || res.Success {
		return res, tc, err
	}

	if !c.cfg.AutoHeal || c.deps.Healer == nil {
		return res, tc, nil
	}

	healed, herr := c.deps.Healer.Heal(ctx, planner.HealRequest{TestCase: tc, Failed: res, Instructions: tc.Instructions})
	if herr != nil {
		if ctx.Err() != nil {
			return res, tc, herr
		}
		logging.Get(logging.CategoryIteration).Warn("heal %s failed: %v", tc.ID, herr)
		return res, tc, nil
	}
	if !healed.Success {
		logging.Iteration("heal %s: no fix (%s)", tc.ID, healed.Reason)
		return res, tc, nil
	}

	fixed := tc
	fixed.Instructions = append([]types.Instruction(nil), healed.FixedInstructions...)
	logging.Iteration("%s healed, executing %d revised instruction(s)", tc.ID, len(fixed.Instructions))
	res, err = c.executeCase(ctx, iteration, fixed)
	if err == nil {
		logging.AuditFor(logging.CategoryIteration).Repair(logging.AuditHeal, tc.ID, res.Success, res.Error)
	}
	return res, fixed, err
}

// dispatchDeeper asks for exploratory cases with the full history as context.
func (c *Controller) dispatchDeeper(ctx context.Context) error {
	iteration := c.nextIteration()
	req := planner.DeeperRequest{History: c.History(), URL: c.cfg.URL}
	logging.Iteration("deeper dispatch with %d record(s) of context", len(req.History))

	plan, perr := c.deps.Planner.PlanDeeper(ctx, req)
	if errors.Is(perr, planner.ErrUnsupported) {
		logging.Get(logging.CategoryIteration).Warn("deeper testing is not available: %v", perr)
		return nil
	}
	cases, results, err := c.planAndGenerate(ctx, iteration, func(context.Context) (types.Plan, error) {
		return plan, perr
	})
	if err != nil {
		return err
	}

	for _, tc := range cases {
		res, err := c.executeCase(ctx, iteration, tc)
		if err != nil {
			return err
		}
		results = append(results, res)
	}
	c.record(ctx, "deeper", iteration, cases, results, true)
	return nil
}

// planAndGenerate runs the planning then generation collaborators. A
// non-fatal failure yields a single failing result in place of test cases.
func (c *Controller) planAndGenerate(ctx context.Context, iteration int, plan func(context.Context) (types.Plan, error)) ([]types.TestCase, []types.ExecutionResult, error) {
	p, err := plan(ctx)
	if err != nil {
		return c.stageFailure(ctx, iteration, "plan", err)
	}
	cases, err := c.deps.Generator.Generate(ctx, p)
	if err != nil {
		return c.stageFailure(ctx, iteration, "generate", err)
	}
	for _, tc := range cases {
		if err := tc.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cases, nil, nil
}

func (c *Controller) stageFailure(ctx context.Context, iteration int, stage string, err error) ([]types.TestCase, []types.ExecutionResult, error) {
	if isFatal(ctx, err) {
		return nil, nil, err
	}
	logging.Get(logging.CategoryIteration).Warn("%s failed in record %d: %v", stage, iteration, err)
	return nil, []types.ExecutionResult{{
		TestCaseID: fmt.Sprintf("%s-%d", stage, iteration),
		Success:    false,
		Error:      fmt.Sprintf("%s failed: %v", stage, err),
	}}, nil
}

// executeCase runs one test case through the test-case retry wrapper.
func (c *Controller) executeCase(ctx context.Context, iteration int, tc types.TestCase) (types.ExecutionResult, error) {
	out, err := retry.Do(ctx, c.deps.Retry, "execute", func(ctx context.Context) (executor.Outcome, error) {
		return c.deps.Executor.Execute(ctx, iteration, tc)
	})

	payload := tc
	payload.Instructions = append([]types.Instruction(nil), tc.Instructions...)
	res := types.ExecutionResult{
		TestCaseID: tc.ID,
		AspectID:   tc.AspectID,
		Success:    err == nil && out.Success,
		DurationMs: out.DurationMs,
		Error:      out.Error,
		TestCase:   &payload,
	}
	if err != nil {
		if isFatal(ctx, err) {
			return res, err
		}
		res.Error = err.Error()
	}
	return res, nil
}

// failingCases returns the test cases whose latest result failed, in the
// order they first ran. Results without a test case payload are skipped.
func (c *Controller) failingCases() []types.TestCase {
	c.mu.Lock()
	all := c.history.AllResults()
	c.mu.Unlock()

	latest := make(map[string]types.ExecutionResult)
	var order []string
	for _, r := range all {
		if _, seen := latest[r.TestCaseID]; !seen {
			order = append(order, r.TestCaseID)
		}
		latest[r.TestCaseID] = r
	}

	var out []types.TestCase
	for _, id := range order {
		r := latest[id]
		if r.Failed() && r.TestCase != nil {
			out = append(out, *r.TestCase)
		}
	}
	return out
}

func (c *Controller) nextIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Len() + 1
}

// record computes cumulative coverage and appends one iteration record.
func (c *Controller) record(ctx context.Context, kind string, iteration int, cases []types.TestCase, results []types.ExecutionResult, deeper bool) {
	c.mu.Lock()
	all := append(c.history.AllResults(), results...)
	cov := coverage.Compute(c.cfg.AspectCount, all)
	rec := types.IterationRecord{
		Iteration:  iteration,
		TestCases:  cases,
		Results:    results,
		Coverage:   cov,
		Timestamp:  c.now(),
		DeeperTest: deeper,
	}
	c.history.Append(rec)
	c.mu.Unlock()

	passed, failed := 0, 0
	for _, r := range results {
		if r.Success {
			passed++
		} else {
			failed++
		}
	}
	c.deps.Metrics.ObserveIteration(kind, cov.Percentage, passed, failed)
	logging.Iteration("record %d (%s): %d passed, %d failed, coverage %.2f%%", iteration, kind, passed, failed, cov.Percentage)
	logging.AuditFor(logging.CategoryIteration).Iteration(iteration, kind, passed, failed, cov.Percentage)

	if c.deps.History != nil {
		if err := c.deps.History.SaveIteration(context.WithoutCancel(ctx), rec); err != nil {
			logging.Get(logging.CategoryIteration).Warn("failed to persist record %d: %v", iteration, err)
		}
	}
}

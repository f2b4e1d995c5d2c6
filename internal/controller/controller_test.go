package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coverloop/internal/executor"
	"coverloop/internal/mcp"
	"coverloop/internal/planner"
	"coverloop/internal/retry"
	"coverloop/internal/telemetry"
	"coverloop/internal/types"
)

type memorySink struct{ records []types.IterationRecord }

func (m *memorySink) SaveIteration(ctx context.Context, rec types.IterationRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func newController(t *testing.T, cfg Config, deps Deps) *Controller {
	t.Helper()
	if deps.Generator == nil {
		deps.Generator = passGenerator{}
	}
	if deps.Reporter == nil {
		deps.Reporter = &fakeReporter{}
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	return c
}

func TestEarlyExitBypassesMenu(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1, 2), nil }}
	c := newController(t, Config{MaxIterations: 3, CoverageTarget: 100, Interactive: true, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: failingPrompter{t},
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.History, 1)
	assert.Equal(t, 100.0, sum.Coverage.Percentage)
	assert.Contains(t, sum.ExitReason, "coverage target reached")
	assert.Equal(t, []State{StateNormalIteration, StateEvaluate, StateEarlyExit, StateFinalReport}, states(sum.Transitions))
	assert.Equal(t, StateFinalReport, c.State())
}

func TestBudgetExhaustedNonInteractive(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	sink := &memorySink{}
	c := newController(t, Config{MaxIterations: 2, CoverageTarget: 90, AspectCount: 4}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		History:  sink,
		Metrics:  telemetry.New(),
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.normalCalls)
	assert.Len(t, sum.History, 2)
	assert.Len(t, sink.records, 2)
	assert.Equal(t, 25.0, sum.Coverage.Percentage)
	assert.Contains(t, sum.ExitReason, "budget exhausted")
	assert.NotContains(t, states(sum.Transitions), StateInteractiveMenu)
}

func TestMenuInvalidContinueExit(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	prompt := &scriptedPrompter{t: t, inputs: []string{"abc", "", "7", "0"}}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 3}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: prompt,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.History, 1, "continue after budget exhaustion counts no iteration")
	assert.Equal(t, 1, p.normalCalls)
	assert.Len(t, prompt.shown, 4)
	assert.Equal(t, prompt.shown[0], prompt.shown[1], "menu is redisplayed unchanged")
	assert.Equal(t, "user exit", sum.ExitReason)

	got := states(sum.Transitions)
	assert.Contains(t, got, StateRetryMenu)
	assert.Contains(t, got, StateContinue)
	assert.Equal(t, StateExit, got[len(got)-2])
}

func TestMenuInputClosedExits(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: &scriptedPrompter{t: t},
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "menu input closed", sum.ExitReason)
}

func TestSpecificDeeperComplete(t *testing.T) {
	p := &fakePlanner{
		normal: func(n int) (types.Plan, error) { return planOf(1), nil },
		deeper: func(req planner.DeeperRequest) (types.Plan, error) {
			return types.Plan{TestCases: []types.TestCase{{
				ID:           "D-1",
				Instructions: []types.Instruction{{Kind: types.KindClick, Target: "#edge"}},
			}}}, nil
		},
	}
	prompt := &scriptedPrompter{t: t, inputs: []string{"1", "1", "2"}}
	rep := &fakeReporter{}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 2, URL: "https://app.test"}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: prompt,
		Reporter: rep,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	// menu 1: uncovered aspect 2 -> specific; menu 2: deeper; menu 3: complete.
	require.Len(t, prompt.shown, 3)
	assert.Equal(t, types.RecommendUncovered, prompt.shown[0][0].Type)
	assert.Equal(t, types.RecommendDeeper, prompt.shown[1][0].Type)
	assert.Equal(t, types.RecommendComplete, prompt.shown[2][1].Type)
	assert.Equal(t, []int{2}, p.aspectCalls)

	require.Len(t, sum.History, 3)
	assert.False(t, sum.History[1].DeeperTest)
	assert.True(t, sum.History[2].DeeperTest)
	assert.Equal(t, 3, sum.History[2].Iteration)

	require.Len(t, p.deeperReqs, 1)
	assert.Len(t, p.deeperReqs[0].History, 2, "deeper planning sees the entire history")
	assert.Equal(t, "https://app.test", p.deeperReqs[0].URL)

	assert.Contains(t, sum.ExitReason, "testing marked complete")
	require.Len(t, rep.requests, 1)
	assert.Len(t, rep.requests[0].Results, 3)
	assert.Equal(t, 3, rep.requests[0].SessionMeta.Iterations)
}

func TestDeeperUnsupportedReturnsToMenu(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	prompt := &scriptedPrompter{t: t, inputs: []string{"1", "1", "0"}}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: prompt,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.History, 2, "no record without a deeper planner")
}

func TestDeeperHiddenWhenPlannerCannotServeIt(t *testing.T) {
	fp := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	prompt := &scriptedPrompter{t: t, inputs: []string{"1", "1"}}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 2}, Deps{
		Planner:  noDeeperPlanner{fp},
		Executor: &fakeExecutor{},
		Prompter: prompt,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, prompt.shown, 2)
	require.Len(t, prompt.shown[1], 1)
	assert.Equal(t, types.RecommendComplete, prompt.shown[1][0].Type)
	assert.Empty(t, fp.deeperReqs)
	assert.Len(t, sum.History, 2)
	assert.Contains(t, sum.ExitReason, "testing marked complete")
}

func TestQuickFixThenHeal(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if tc.Instructions[0].Target == "#fixed" || tc.ID == "TC-1" {
			return executor.Outcome{Success: true, FailedStep: -1}, nil
		}
		return executor.Outcome{Error: "step 1 (click): element not found", FailedStep: 0}, nil
	}}
	healer := &fakeHealer{result: planner.HealResult{
		Success:           true,
		FixedInstructions: []types.Instruction{{Kind: types.KindClick, Target: "#fixed"}},
	}}
	prompt := &scriptedPrompter{t: t, inputs: []string{"1", "0"}}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AutoHeal: true, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: exec,
		Healer:   healer,
		Prompter: prompt,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, exec.counts["TC-2"], "initial run, quick fix, healed run")
	assert.Equal(t, "#fixed", exec.calls[len(exec.calls)-1].Target)
	require.Len(t, healer.reqs, 1)
	assert.Equal(t, "TC-2", healer.reqs[0].Failed.TestCaseID)

	specific := sum.History[1]
	require.Len(t, specific.Results, 1)
	assert.True(t, specific.Results[0].Success)
	assert.Equal(t, "#fixed", specific.TestCases[0].Instructions[0].Target)
	assert.Equal(t, "#fixed", specific.Results[0].TestCase.Instructions[0].Target)
}

func TestQuickFixWithoutHeal(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if tc.ID == "TC-2" && attempt == 1 {
			return executor.Outcome{Error: "flaky", FailedStep: 0}, nil
		}
		return executor.Outcome{Success: true, FailedStep: -1}, nil
	}}
	healer := &fakeHealer{}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AutoHeal: true, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: exec,
		Healer:   healer,
		Prompter: &scriptedPrompter{t: t, inputs: []string{"1", "0"}},
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, exec.counts["TC-2"])
	assert.Empty(t, healer.reqs, "quick fix succeeded")
	assert.True(t, sum.History[1].Results[0].Success)
}

func TestFailedRecommendationRerunsFailingCases(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1, 2, 3), nil }}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if tc.ID != "TC-1" && attempt == 1 {
			return executor.Outcome{Error: "boom", FailedStep: 0}, nil
		}
		return executor.Outcome{Success: true, FailedStep: -1}, nil
	}}
	prompt := &scriptedPrompter{t: t, inputs: []string{"1", "0"}}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, Interactive: true, AspectCount: 5}, Deps{
		Planner:  p,
		Executor: exec,
		Prompter: prompt,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	first := prompt.shown[0][0]
	assert.Equal(t, types.RecommendFailed, first.Type)
	assert.Nil(t, first.AspectID, "failures span two aspects")
	assert.Empty(t, p.aspectCalls, "failing cases come from history, not the planner")

	rerun := sum.History[1]
	require.Len(t, rerun.Results, 2)
	assert.Equal(t, "TC-2", rerun.Results[0].TestCaseID)
	assert.Equal(t, "TC-3", rerun.Results[1].TestCaseID)
	assert.Len(t, prompt.shown, 2)
}

func TestTransportExhaustionBecomesFailingResult(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1, 2), nil }}
	transport := &mcp.TransportError{Op: "tools/call", Err: errors.New("connection refused")}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if tc.ID == "TC-2" {
			return executor.Outcome{}, transport
		}
		return executor.Outcome{Success: true, FailedStep: -1}, nil
	}}
	var sleeps int
	w := retry.New(retry.Policy{MaxRetries: 2, RetryDelay: time.Millisecond, BackoffMultiplier: 2, MaxRetryDelay: time.Second},
		retry.WithSleep(func(ctx context.Context, d time.Duration) error { sleeps++; return nil }))
	rep := &fakeReporter{}
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, AspectCount: 4}, Deps{
		Planner:  p,
		Executor: exec,
		Retry:    w,
		Reporter: rep,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, exec.counts["TC-2"])
	assert.Equal(t, 2, sleeps)
	require.Len(t, sum.History, 1, "the iteration is still recorded")

	results := sum.History[0].Results
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, transport.Error(), results[1].Error)
	assert.Equal(t, 1, sum.Coverage.Stats.Failed)
	assert.Len(t, rep.requests, 1)
}

func TestHandshakeFailureAborts(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1, 2), nil }}
	initErr := &mcp.SessionInitError{Err: errors.New("connection refused")}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if tc.ID == "TC-2" {
			return executor.Outcome{}, initErr
		}
		return executor.Outcome{Success: true, FailedStep: -1}, nil
	}}
	w := retry.New(retry.Policy{MaxRetries: 1}, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	rep := &fakeReporter{}
	c := newController(t, Config{MaxIterations: 3, CoverageTarget: 100, AspectCount: 4}, Deps{
		Planner:  p,
		Executor: exec,
		Retry:    w,
		Reporter: rep,
	})

	sum, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Same(t, initErr, err)
	assert.Equal(t, 2, exec.counts["TC-2"])
	assert.Contains(t, sum.ExitReason, "aborted")
	assert.Empty(t, sum.History, "the aborted iteration is not recorded")
	assert.Len(t, rep.requests, 1, "a report is still written")
}

func TestTransientTransportRecovers(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		if attempt == 1 {
			return executor.Outcome{}, &mcp.TimeoutError{Op: "tools/call", Err: errors.New("deadline exceeded")}
		}
		return executor.Outcome{Success: true, FailedStep: -1}, nil
	}}
	w := retry.New(retry.Policy{MaxRetries: 1}, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	c := newController(t, Config{MaxIterations: 1, CoverageTarget: 100, AspectCount: 1}, Deps{
		Planner:  p,
		Executor: exec,
		Retry:    w,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.History[0].Results[0].Success)
}

func TestValidationErrorAborts(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(1), nil }}
	c := newController(t, Config{MaxIterations: 2, CoverageTarget: 100, AspectCount: 2}, Deps{
		Planner:   p,
		Generator: passGenerator{err: types.NewValidationError("instruction.type", `unsupported action kind "teleport"`)},
		Executor:  &fakeExecutor{},
	})

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestNonFatalFailuresBecomeResults(t *testing.T) {
	calls := 0
	p := &fakePlanner{normal: func(n int) (types.Plan, error) {
		calls++
		if calls == 1 {
			return types.Plan{}, errors.New("model overloaded")
		}
		return planOf(1), nil
	}}
	exec := &fakeExecutor{decide: func(tc types.TestCase, attempt int) (executor.Outcome, error) {
		return executor.Outcome{}, &mcp.ProtocolError{Message: "invalid response"}
	}}
	c := newController(t, Config{MaxIterations: 2, CoverageTarget: 100, AspectCount: 2}, Deps{
		Planner:  p,
		Executor: exec,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.History, 2)

	planFail := sum.History[0].Results[0]
	assert.Equal(t, "plan-1", planFail.TestCaseID)
	assert.False(t, planFail.Success)
	assert.Contains(t, planFail.Error, "model overloaded")

	execFail := sum.History[1].Results[0]
	assert.False(t, execFail.Success)
	assert.Contains(t, execFail.Error, "invalid response")
	assert.Equal(t, 50.0, sum.Coverage.Percentage, "a failing result still exercises its aspect")
}

func TestRecommendFromLatest(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) {
		if n == 1 {
			return planOf(1), nil
		}
		return planOf(2), nil
	}}
	prompt := &scriptedPrompter{t: t, inputs: []string{"0"}}
	c := newController(t, Config{MaxIterations: 2, CoverageTarget: 100, Interactive: true, AspectCount: 3, RecommendFrom: RecommendLatest}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Prompter: prompt,
	})

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, prompt.shown[0], 2)
	assert.Equal(t, 1, *prompt.shown[0][0].AspectID, "only the latest iteration's results count")
	assert.Equal(t, 3, *prompt.shown[0][1].AspectID)
}

func TestReportFoldCarriesPayloads(t *testing.T) {
	p := &fakePlanner{normal: func(n int) (types.Plan, error) { return planOf(n), nil }}
	rep := &fakeReporter{}
	c := newController(t, Config{MaxIterations: 2, CoverageTarget: 100, AspectCount: 10, URL: "https://shop.example.com"}, Deps{
		Planner:  p,
		Executor: &fakeExecutor{},
		Reporter: rep,
	})

	sum, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.requests, 1)
	req := rep.requests[0]
	require.Len(t, req.Results, 2)
	for _, r := range req.Results {
		require.NotNil(t, r.TestCase)
		assert.Equal(t, r.TestCaseID, r.TestCase.ID)
	}
	assert.Equal(t, sum.Coverage, req.Coverage)
	assert.Equal(t, 20.0, req.Coverage.Percentage)
	assert.Equal(t, "https://shop.example.com", req.SessionMeta.URL)
}

func TestNewValidatesConfig(t *testing.T) {
	deps := Deps{Planner: &fakePlanner{}, Generator: passGenerator{}, Executor: &fakeExecutor{}, Reporter: &fakeReporter{}}

	_, err := New(Config{MaxIterations: 0}, deps)
	assert.True(t, types.IsValidation(err))

	_, err = New(Config{MaxIterations: 1, CoverageTarget: 120}, deps)
	assert.True(t, types.IsValidation(err))

	_, err = New(Config{MaxIterations: 1, Interactive: true}, deps)
	assert.Error(t, err)

	_, err = New(Config{MaxIterations: 1}, Deps{})
	assert.Error(t, err)

	c, err := New(Config{MaxIterations: 1}, deps)
	require.NoError(t, err)
	assert.Equal(t, RecommendCumulative, c.cfg.RecommendFrom)
	assert.Equal(t, StateInit, c.State())
}

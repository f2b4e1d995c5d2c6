package controller

import (
	"context"
	"fmt"
	"io"
	"testing"

	"coverloop/internal/executor"
	"coverloop/internal/planner"
	"coverloop/internal/report"
	"coverloop/internal/types"
)

// --- fakePlanner ---

type fakePlanner struct {
	// normal returns the plan for the n-th unscoped call (1-based).
	normal      func(n int) (types.Plan, error)
	deeper      func(req planner.DeeperRequest) (types.Plan, error)
	normalCalls int
	aspectCalls []int
	deeperReqs  []planner.DeeperRequest
}

func (f *fakePlanner) PlanForAspect(ctx context.Context, aspectID *int) (types.Plan, error) {
	if aspectID == nil {
		f.normalCalls++
		return f.normal(f.normalCalls)
	}
	f.aspectCalls = append(f.aspectCalls, *aspectID)
	return types.Plan{TestCases: []types.TestCase{caseFor(*aspectID)}}, nil
}

func (f *fakePlanner) PlanDeeper(ctx context.Context, req planner.DeeperRequest) (types.Plan, error) {
	f.deeperReqs = append(f.deeperReqs, req)
	if f.deeper == nil {
		return types.Plan{}, planner.ErrUnsupported
	}
	return f.deeper(req)
}

// noDeeperPlanner declares up front that it cannot plan deeper tests.
type noDeeperPlanner struct{ *fakePlanner }

func (noDeeperPlanner) SupportsDeeper() bool { return false }

// --- passGenerator ---

type passGenerator struct{ err error }

func (g passGenerator) Generate(ctx context.Context, plan types.Plan) ([]types.TestCase, error) {
	if g.err != nil {
		return nil, g.err
	}
	return plan.TestCases, nil
}

// --- fakeExecutor ---

type execCall struct {
	Iteration int
	ID        string
	Target    string
}

type fakeExecutor struct {
	// decide returns the outcome for a call; nil means success.
	decide func(tc types.TestCase, attempt int) (executor.Outcome, error)
	calls  []execCall
	counts map[string]int
}

func (f *fakeExecutor) Execute(ctx context.Context, iteration int, tc types.TestCase) (executor.Outcome, error) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[tc.ID]++
	target := ""
	if len(tc.Instructions) > 0 {
		target = tc.Instructions[0].Target
	}
	f.calls = append(f.calls, execCall{Iteration: iteration, ID: tc.ID, Target: target})
	if f.decide == nil {
		return executor.Outcome{Success: true, DurationMs: 5, FailedStep: -1}, nil
	}
	return f.decide(tc, f.counts[tc.ID])
}

// --- fakeHealer ---

type fakeHealer struct {
	result planner.HealResult
	err    error
	reqs   []planner.HealRequest
}

func (f *fakeHealer) Heal(ctx context.Context, req planner.HealRequest) (planner.HealResult, error) {
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

// --- fakeReporter ---

type fakeReporter struct {
	requests []report.Request
}

func (f *fakeReporter) Save(ctx context.Context, req report.Request) (report.Paths, error) {
	f.requests = append(f.requests, req)
	return report.Paths{JSON: "report.json", Markdown: "report.md", HTML: "report.html"}, nil
}

// --- scriptedPrompter ---

type scriptedPrompter struct {
	t      *testing.T
	inputs []string
	shown  [][]types.Recommendation
}

func (p *scriptedPrompter) Prompt(ctx context.Context, recs []types.Recommendation, cov types.CoverageSnapshot) (string, error) {
	p.shown = append(p.shown, recs)
	if len(p.inputs) == 0 {
		return "", io.EOF
	}
	in := p.inputs[0]
	p.inputs = p.inputs[1:]
	return in, nil
}

// failingPrompter fails the test when the menu is shown.
type failingPrompter struct{ t *testing.T }

func (p failingPrompter) Prompt(ctx context.Context, recs []types.Recommendation, cov types.CoverageSnapshot) (string, error) {
	p.t.Fatalf("menu must not be shown")
	return "", nil
}

// --- helpers ---

func caseFor(aspect int) types.TestCase {
	return types.TestCase{
		ID:       fmt.Sprintf("TC-%d", aspect),
		AspectID: types.IntPtr(aspect),
		Title:    fmt.Sprintf("aspect %d", aspect),
		Instructions: []types.Instruction{
			{Kind: types.KindClick, Target: fmt.Sprintf("#a%d", aspect)},
		},
	}
}

func planOf(aspects ...int) types.Plan {
	var p types.Plan
	for _, a := range aspects {
		p.TestCases = append(p.TestCases, caseFor(a))
	}
	return p
}

func states(trs []Transition) []State {
	out := make([]State, len(trs))
	for i, tr := range trs {
		out[i] = tr.To
	}
	return out
}

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// AIPlanner plans, generates and heals test cases with a TextModel.
// Every response is expected to be a single JSON object.
type AIPlanner struct {
	model   TextModel
	aspects []Aspect
	url     string
}

// AIOption configures an AIPlanner.
type AIOption func(*AIPlanner)

// WithAspects names the aspect universe in prompts.
func WithAspects(aspects []Aspect) AIOption {
	return func(p *AIPlanner) { p.aspects = append([]Aspect(nil), aspects...) }
}

// WithTargetURL sets the application under test.
func WithTargetURL(url string) AIOption {
	return func(p *AIPlanner) { p.url = url }
}

// NewAIPlanner creates a planner backed by model.
func NewAIPlanner(model TextModel, opts ...AIOption) *AIPlanner {
	p := &AIPlanner{model: model}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanForAspect asks for test cases covering one aspect, or the whole
// universe when aspectID is nil.
func (p *AIPlanner) PlanForAspect(ctx context.Context, aspectID *int) (types.Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are planning end-to-end browser tests for %s.\n", p.target())
	b.WriteString(p.aspectList())
	if aspectID != nil {
		fmt.Fprintf(&b, "Plan 1-3 test cases that exercise aspect %d only. Every test case must set aspectId to %d.\n", *aspectID, *aspectID)
	} else {
		b.WriteString("Plan one test case per aspect. Set aspectId to the aspect each case exercises.\n")
	}
	b.WriteString(planSchema)

	plan, err := p.askPlan(ctx, b.String())
	if err != nil {
		return types.Plan{}, err
	}
	if aspectID != nil {
		for i := range plan.TestCases {
			if plan.TestCases[i].AspectID == nil {
				plan.TestCases[i].AspectID = types.IntPtr(*aspectID)
			}
		}
	}
	logging.Planner("AI plan: %d case(s)", len(plan.TestCases))
	return plan, nil
}

// SupportsDeeper is always true: the model plans from the history.
func (p *AIPlanner) SupportsDeeper() bool { return true }

// PlanDeeper asks for exploratory cases given everything tested so far.
func (p *AIPlanner) PlanDeeper(ctx context.Context, req DeeperRequest) (types.Plan, error) {
	url := req.URL
	if url == "" {
		url = p.target()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Every aspect of %s is covered and passing. Propose 3-5 deeper exploratory test cases: edge cases, unusual input and combinations of features.\n", url)
	b.WriteString(p.aspectList())
	b.WriteString("Tests already executed:\n")
	b.WriteString(summarizeHistory(req.History))
	b.WriteString("Do not repeat an executed test.\n")
	b.WriteString(planSchema)

	plan, err := p.askPlan(ctx, b.String())
	if err != nil {
		return types.Plan{}, err
	}
	if plan.Metadata == nil {
		plan.Metadata = map[string]string{}
	}
	plan.Metadata["kind"] = "deeper"
	logging.Planner("AI deeper plan: %d case(s) from %d iteration(s)", len(plan.TestCases), len(req.History))
	return plan, nil
}

// Generate attaches instructions to every planned case.
func (p *AIPlanner) Generate(ctx context.Context, plan types.Plan) ([]types.TestCase, error) {
	out := make([]types.TestCase, 0, len(plan.TestCases))
	for _, tc := range plan.TestCases {
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		if len(tc.Instructions) > 0 {
			out = append(out, tc)
			continue
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Write browser instructions for this test case against %s.\n", p.target())
		fmt.Fprintf(&b, "Title: %s\nDescription: %s\n", tc.Title, tc.Description)
		b.WriteString(instructionSchema)
		b.WriteString(`Respond with {"instructions": [...]}.`)

		var resp struct {
			Instructions []types.Instruction `json:"instructions"`
		}
		if err := p.ask(ctx, b.String(), &resp); err != nil {
			return nil, fmt.Errorf("failed to generate instructions for %s: %w", tc.ID, err)
		}
		if len(resp.Instructions) == 0 {
			return nil, types.NewValidationError("testCase.instructions", fmt.Sprintf("no instructions generated for %s", tc.ID))
		}
		tc.Instructions = resp.Instructions
		out = append(out, tc)
	}
	return out, nil
}

// Heal asks the model to repair the instructions of a failing case.
func (p *AIPlanner) Heal(ctx context.Context, req HealRequest) (HealResult, error) {
	steps, err := json.Marshal(req.Instructions)
	if err != nil {
		return HealResult{}, fmt.Errorf("failed to encode instructions: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The browser test %q against %s failed with:\n%s\n", req.TestCase.ID, p.target(), req.Failed.Error)
	fmt.Fprintf(&b, "Instructions:\n%s\n", steps)
	b.WriteString("If the failure is caused by the test itself (wrong target, missing wait), return corrected instructions. If the application is broken, set success to false.\n")
	b.WriteString(instructionSchema)
	b.WriteString(`Respond with {"success": bool, "fixedInstructions": [...], "reason": "..."}.`)

	var res HealResult
	if err := p.ask(ctx, b.String(), &res); err != nil {
		return HealResult{}, fmt.Errorf("failed to heal %s: %w", req.TestCase.ID, err)
	}
	if res.Success && len(res.FixedInstructions) == 0 {
		res.Success = false
	}
	logging.Planner("heal %s: success=%v %s", req.TestCase.ID, res.Success, res.Reason)
	return res, nil
}

func (p *AIPlanner) askPlan(ctx context.Context, prompt string) (types.Plan, error) {
	var plan types.Plan
	if err := p.ask(ctx, prompt, &plan); err != nil {
		return types.Plan{}, fmt.Errorf("failed to plan: %w", err)
	}
	for i, tc := range plan.TestCases {
		if tc.ID == "" {
			plan.TestCases[i].ID = fmt.Sprintf("TC-%d", i+1)
		}
	}
	return plan, nil
}

// ask sends prompt and decodes the JSON object in the reply into v.
// Instruction decoding validates each step.
func (p *AIPlanner) ask(ctx context.Context, prompt string, v interface{}) error {
	text, err := p.model.GenerateText(ctx, prompt)
	if err != nil {
		return err
	}
	raw := extractJSON(stripCodeFences(text))
	if raw == "" {
		return fmt.Errorf("model response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		if types.IsValidation(err) {
			return err
		}
		return fmt.Errorf("failed to decode model response: %w", err)
	}
	return nil
}

func (p *AIPlanner) target() string {
	if p.url == "" {
		return "the application under test"
	}
	return p.url
}

func (p *AIPlanner) aspectList() string {
	if len(p.aspects) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Aspects:\n")
	for _, a := range p.aspects {
		fmt.Fprintf(&b, "  %d. %s", a.ID, a.Name)
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// summarizeHistory lists every executed case once, latest outcome wins.
func summarizeHistory(history []types.IterationRecord) string {
	latest := make(map[string]types.ExecutionResult)
	titles := make(map[string]string)
	for _, rec := range history {
		for _, tc := range rec.TestCases {
			titles[tc.ID] = tc.Title
		}
		for _, r := range rec.Results {
			latest[r.TestCaseID] = r
		}
	}
	if len(latest) == 0 {
		return "  (none)\n"
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		r := latest[id]
		status := "passed"
		if r.Failed() {
			status = "failed"
		}
		aspect := "-"
		if r.AspectID != nil {
			aspect = fmt.Sprint(*r.AspectID)
		}
		fmt.Fprintf(&b, "  - %s [aspect %s] %s: %s\n", id, aspect, titles[id], status)
	}
	return b.String()
}

const planSchema = `Respond with JSON: {"testCases": [{"id": "TC-1", "aspectId": 1, "title": "...", "description": "..."}]}.
`

const instructionSchema = `Each instruction is {"type": T, "target": "...", "value": "...", "description": "...", "timeoutMs": 0}
where T is one of navigate (value=url), click (target), type (target, value), press (value=key),
hover (target), select (target, value), wait (value=text or timeoutMs), assert_text (value),
assert_visible (target), screenshot.
`

// stripCodeFences removes a markdown code fence around s, if any.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	firstNewline := strings.Index(trimmed, "\n")
	lastFence := strings.LastIndex(trimmed, "```")
	if firstNewline == -1 || lastFence <= firstNewline {
		return trimmed
	}
	return strings.TrimSpace(trimmed[firstNewline+1 : lastFence])
}

// extractJSON returns the first balanced JSON object in text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

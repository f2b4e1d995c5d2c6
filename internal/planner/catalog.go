package planner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// catalogFile is the on-disk layout of an aspect catalog.
type catalogFile struct {
	Aspects []catalogAspect `yaml:"aspects"`
}

type catalogAspect struct {
	Aspect    `yaml:",inline"`
	TestCases []catalogCase `yaml:"test_cases"`
}

type catalogCase struct {
	ID           string        `yaml:"id"`
	Title        string        `yaml:"title"`
	Description  string        `yaml:"description"`
	Instructions []catalogStep `yaml:"instructions"`
}

type catalogStep struct {
	Type        string `yaml:"type"`
	Target      string `yaml:"target"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

// CatalogPlanner plans from a fixed catalog of aspects and their test cases.
// Unscoped plans walk the catalog in batches so successive normal iterations
// reach new aspects.
type CatalogPlanner struct {
	aspects   []Aspect
	cases     map[int][]types.TestCase
	batchSize int

	mu     sync.Mutex
	cursor int
}

// CatalogOption configures a CatalogPlanner.
type CatalogOption func(*CatalogPlanner)

// WithBatchSize limits unscoped plans to n aspects. Zero plans every aspect.
func WithBatchSize(n int) CatalogOption {
	return func(p *CatalogPlanner) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string, opts ...CatalogOption) (*CatalogPlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data, opts...)
}

// ParseCatalog decodes and validates a catalog. Aspect ids must be exactly
// 1..N, since the catalog defines the aspect universe. Every test case needs
// at least one instruction and every instruction must be valid for its kind.
func ParseCatalog(data []byte, opts ...CatalogOption) (*CatalogPlanner, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	p := &CatalogPlanner{cases: make(map[int][]types.TestCase)}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[int]bool)
	for _, a := range file.Aspects {
		if a.ID <= 0 {
			return nil, types.NewValidationError("aspects.id", fmt.Sprintf("aspect %q has non-positive id %d", a.Name, a.ID))
		}
		if seen[a.ID] {
			return nil, types.NewValidationError("aspects.id", fmt.Sprintf("duplicate aspect id %d", a.ID))
		}
		seen[a.ID] = true
		p.aspects = append(p.aspects, a.Aspect)

		for _, c := range a.TestCases {
			tc, err := c.toTestCase(a.ID)
			if err != nil {
				return nil, err
			}
			p.cases[a.ID] = append(p.cases[a.ID], tc)
		}
	}
	sort.Slice(p.aspects, func(i, j int) bool { return p.aspects[i].ID < p.aspects[j].ID })
	for i, a := range p.aspects {
		if a.ID != i+1 {
			return nil, types.NewValidationError("aspects.id", fmt.Sprintf("aspect ids must be contiguous from 1: missing %d", i+1))
		}
	}
	return p, nil
}

func (c catalogCase) toTestCase(aspectID int) (types.TestCase, error) {
	tc := types.TestCase{
		ID:          c.ID,
		AspectID:    types.IntPtr(aspectID),
		Title:       c.Title,
		Description: c.Description,
	}
	if err := tc.Validate(); err != nil {
		return types.TestCase{}, fmt.Errorf("aspect %d: %w", aspectID, err)
	}
	if len(c.Instructions) == 0 {
		return types.TestCase{}, types.NewValidationError("testCase.instructions", fmt.Sprintf("test case %s has no instructions", c.ID))
	}
	for i, s := range c.Instructions {
		in := types.Instruction{
			Kind:        types.InstructionKind(s.Type),
			Target:      s.Target,
			Value:       s.Value,
			Description: s.Description,
			TimeoutMs:   s.TimeoutMs,
		}
		if err := in.Validate(); err != nil {
			return types.TestCase{}, fmt.Errorf("test case %s step %d: %w", c.ID, i+1, err)
		}
		tc.Instructions = append(tc.Instructions, in)
	}
	return tc, nil
}

// Aspects returns the catalog aspects in ascending id order.
func (p *CatalogPlanner) Aspects() []Aspect {
	out := make([]Aspect, len(p.aspects))
	copy(out, p.aspects)
	return out
}

// AspectCount is the size of the aspect universe 1..N.
func (p *CatalogPlanner) AspectCount() int {
	if len(p.aspects) == 0 {
		return 0
	}
	return p.aspects[len(p.aspects)-1].ID
}

// PlanForAspect returns the cases of one aspect, or the next batch of aspects
// when aspectID is nil.
func (p *CatalogPlanner) PlanForAspect(ctx context.Context, aspectID *int) (types.Plan, error) {
	if aspectID != nil {
		cases, ok := p.cases[*aspectID]
		if !ok {
			return types.Plan{}, fmt.Errorf("no test cases for aspect %d", *aspectID)
		}
		logging.Planner("catalog plan for aspect %d: %d case(s)", *aspectID, len(cases))
		return types.Plan{TestCases: cloneCases(cases), Metadata: map[string]string{"source": "catalog"}}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.aspects)
	if p.batchSize > 0 && p.batchSize < n {
		n = p.batchSize
	}
	var plan types.Plan
	for i := 0; i < n && len(p.aspects) > 0; i++ {
		a := p.aspects[p.cursor%len(p.aspects)]
		p.cursor++
		plan.TestCases = append(plan.TestCases, cloneCases(p.cases[a.ID])...)
	}
	plan.Metadata = map[string]string{"source": "catalog"}
	logging.Planner("catalog plan: %d case(s) from %d aspect(s)", len(plan.TestCases), n)
	return plan, nil
}

// SupportsDeeper is false: the catalog has nothing exploratory to offer.
func (p *CatalogPlanner) SupportsDeeper() bool { return false }

// PlanDeeper needs a model; the catalog has nothing exploratory to offer.
func (p *CatalogPlanner) PlanDeeper(ctx context.Context, req DeeperRequest) (types.Plan, error) {
	return types.Plan{}, fmt.Errorf("deeper planning: %w", ErrUnsupported)
}

// Generate returns the planned cases unchanged. Catalog cases already carry
// their instructions.
func (p *CatalogPlanner) Generate(ctx context.Context, plan types.Plan) ([]types.TestCase, error) {
	for _, tc := range plan.TestCases {
		if len(tc.Instructions) == 0 {
			return nil, types.NewValidationError("testCase.instructions", fmt.Sprintf("test case %s has no instructions", tc.ID))
		}
	}
	return cloneCases(plan.TestCases), nil
}

func cloneCases(in []types.TestCase) []types.TestCase {
	out := make([]types.TestCase, len(in))
	for i, tc := range in {
		out[i] = tc
		out[i].Instructions = append([]types.Instruction(nil), tc.Instructions...)
	}
	return out
}

// Package types holds the data model shared by the coverage loop:
// test cases, execution results, coverage snapshots, iteration records
// and recommendations.
package types

import (
	"time"
)

// =============================================================================
// TEST CASES
// =============================================================================

// TestCase is one planned test with the instructions generated for it.
type TestCase struct {
	ID           string        `json:"id"`
	AspectID     *int          `json:"aspectId,omitempty"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	Instructions []Instruction `json:"instructions,omitempty"`
}

// Validate rejects test cases that cannot be executed or reported.
func (tc TestCase) Validate() error {
	if tc.ID == "" {
		return NewValidationError("testCase.id", "test case identifier is required")
	}
	return nil
}

// Plan is the opaque output of the planning collaborator.
type Plan struct {
	TestCases []TestCase        `json:"testCases"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// EXECUTION RESULTS
// =============================================================================

// ExecutionResult is produced once per executed test case and never mutated.
type ExecutionResult struct {
	TestCaseID string    `json:"testCaseId"`
	AspectID   *int      `json:"aspectId,omitempty"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	TestCase   *TestCase `json:"testCase,omitempty"`
}

// Failed reports whether the result counts as a failure.
func (r ExecutionResult) Failed() bool {
	return !r.Success
}

// =============================================================================
// COVERAGE
// =============================================================================

// TestCaseStats summarizes pass/fail totals of a result list.
type TestCaseStats struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"passRate"`
}

// CoverageSnapshot is derived from a result list; it is recomputed, never patched.
type CoverageSnapshot struct {
	TotalAspects      int           `json:"totalAspects"`
	TestedAspectIDs   []int         `json:"testedAspectIds"`
	UntestedAspectIDs []int         `json:"untestedAspectIds"`
	Percentage        float64       `json:"percentage"`
	Stats             TestCaseStats `json:"testCaseStats"`
}

// =============================================================================
// ITERATIONS
// =============================================================================

// IterationRecord captures one completed iteration (normal, specific or deeper).
type IterationRecord struct {
	Iteration  int               `json:"iterationNumber"`
	TestCases  []TestCase        `json:"testCases"`
	Results    []ExecutionResult `json:"executionResults"`
	Coverage   CoverageSnapshot  `json:"coverage"`
	Timestamp  time.Time         `json:"timestamp"`
	DeeperTest bool              `json:"deeperTest"`
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

// RecommendationType discriminates the menu actions.
type RecommendationType string

const (
	RecommendFailed    RecommendationType = "failed"
	RecommendUncovered RecommendationType = "uncovered"
	RecommendDeeper    RecommendationType = "deeper"
	RecommendComplete  RecommendationType = "complete"
)

// Priority ranks a recommendation.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// Recommendation is one entry of the interactive menu.
type Recommendation struct {
	Type       RecommendationType `json:"type"`
	Priority   Priority           `json:"priority"`
	Title      string             `json:"title"`
	Reason     string             `json:"reason"`
	AspectID   *int               `json:"aspectId,omitempty"`
	RequiresAI bool               `json:"requiresAI,omitempty"`
}

// IntPtr returns a pointer to v. Handy for optional aspect ids.
func IntPtr(v int) *int {
	return &v
}

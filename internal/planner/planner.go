// Package planner supplies test plans, instructions and healed instructions
// to the iteration controller. CatalogPlanner reads a static YAML catalog;
// AIPlanner asks a Gemini model.
package planner

import (
	"errors"

	"coverloop/internal/types"
)

// ErrUnsupported is returned when a planner cannot serve a request kind.
var ErrUnsupported = errors.New("not supported by this planner")

// DeeperCapable is implemented by planners that know up front whether
// PlanDeeper can serve a request.
type DeeperCapable interface {
	SupportsDeeper() bool
}

// DeeperRequest carries the full history and target URL for exploratory planning.
type DeeperRequest struct {
	History []types.IterationRecord
	URL     string
}

// HealRequest describes a test case that kept failing after a quick fix.
type HealRequest struct {
	TestCase     types.TestCase
	Failed       types.ExecutionResult
	Instructions []types.Instruction
}

// HealResult holds revised instructions when healing succeeded.
type HealResult struct {
	Success           bool                `json:"success"`
	FixedInstructions []types.Instruction `json:"fixedInstructions,omitempty"`
	Reason            string              `json:"reason,omitempty"`
}

// Aspect is one numbered test dimension.
type Aspect struct {
	ID          int    `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

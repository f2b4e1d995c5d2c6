// Package recommend ranks coverage gaps and failures into the interactive menu.
package recommend

import (
	"fmt"
	"strings"

	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// MaxRecommendations caps the menu length.
const MaxRecommendations = 5

// Recommend returns at most MaxRecommendations entries, highest priority first.
//
// A failure always takes the first slot. Uncovered aspects follow in ascending
// id order and are ranked by their position among the remaining gaps, not by
// how many slots are left. Deeper and complete are offered only when nothing
// failed and nothing is left uncovered.
func Recommend(results []types.ExecutionResult, cov types.CoverageSnapshot) []types.Recommendation {
	out := make([]types.Recommendation, 0, MaxRecommendations)

	failed := failedResults(results)
	if len(failed) > 0 {
		out = append(out, failedRecommendation(failed))
	}

	for pos, id := range cov.UntestedAspectIDs {
		if len(out) >= MaxRecommendations {
			break
		}
		out = append(out, types.Recommendation{
			Type:     types.RecommendUncovered,
			Priority: ladder(pos),
			Title:    fmt.Sprintf("Test aspect %d", id),
			Reason:   fmt.Sprintf("Aspect %d has not been exercised yet (%.2f%% coverage)", id, cov.Percentage),
			AspectID: types.IntPtr(id),
		})
	}

	if len(cov.UntestedAspectIDs) == 0 && len(failed) == 0 {
		out = append(out,
			types.Recommendation{
				Type:       types.RecommendDeeper,
				Priority:   types.PriorityMedium,
				Title:      "Run deeper exploratory tests",
				Reason:     "All aspects are covered and passing; generate edge cases and combinations",
				RequiresAI: true,
			},
			types.Recommendation{
				Type:     types.RecommendComplete,
				Priority: types.PriorityLow,
				Title:    "Finish and generate the report",
				Reason:   "Coverage target is met with no failures",
			},
		)
	}

	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	logging.Get(logging.CategoryRecommend).Debug("%d recommendations (%d failed, %d untested)",
		len(out), len(failed), len(cov.UntestedAspectIDs))
	return out
}

// ladder maps a position in the uncovered list to a priority band.
func ladder(pos int) types.Priority {
	switch {
	case pos < 2:
		return types.PriorityHigh
	case pos < 4:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

func failedResults(results []types.ExecutionResult) []types.ExecutionResult {
	var failed []types.ExecutionResult
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}

func failedRecommendation(failed []types.ExecutionResult) types.Recommendation {
	ids := make([]string, 0, len(failed))
	for _, r := range failed {
		ids = append(ids, r.TestCaseID)
	}
	rec := types.Recommendation{
		Type:     types.RecommendFailed,
		Priority: types.PriorityHigh,
		Title:    fmt.Sprintf("Fix %d failing test case(s)", len(failed)),
		Reason:   "Failing: " + strings.Join(ids, ", "),
	}
	// A single failing aspect gives the specific dispatch a scope to replan.
	if aspect := commonAspect(failed); aspect != nil {
		rec.AspectID = aspect
	}
	return rec
}

func commonAspect(failed []types.ExecutionResult) *int {
	var aspect *int
	for _, r := range failed {
		if r.AspectID == nil {
			return nil
		}
		if aspect != nil && *aspect != *r.AspectID {
			return nil
		}
		aspect = r.AspectID
	}
	if aspect == nil {
		return nil
	}
	return types.IntPtr(*aspect)
}

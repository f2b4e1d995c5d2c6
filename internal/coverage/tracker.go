// Package coverage reduces execution results into coverage snapshots.
package coverage

import (
	"math"
	"sort"

	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// Compute derives a fresh snapshot for the aspect universe 1..universe.
// Aspect ids outside the universe and results without an aspect do not
// count toward aspect coverage, but every result counts toward the stats.
func Compute(universe int, results []types.ExecutionResult) types.CoverageSnapshot {
	if universe < 0 {
		universe = 0
	}

	tested := make(map[int]struct{})
	stats := types.TestCaseStats{Total: len(results)}
	for _, r := range results {
		if r.Success {
			stats.Passed++
		} else {
			stats.Failed++
		}
		if r.AspectID == nil {
			continue
		}
		id := *r.AspectID
		if id < 1 || id > universe {
			continue
		}
		tested[id] = struct{}{}
	}
	if stats.Total > 0 {
		stats.PassRate = round2(float64(stats.Passed) / float64(stats.Total) * 100)
	}

	testedIDs := make([]int, 0, len(tested))
	for id := range tested {
		testedIDs = append(testedIDs, id)
	}
	sort.Ints(testedIDs)

	untestedIDs := make([]int, 0, universe-len(testedIDs))
	for id := 1; id <= universe; id++ {
		if _, ok := tested[id]; !ok {
			untestedIDs = append(untestedIDs, id)
		}
	}

	var pct float64
	if universe > 0 {
		pct = round2(float64(len(testedIDs)) / float64(universe) * 100)
	}

	snap := types.CoverageSnapshot{
		TotalAspects:      universe,
		TestedAspectIDs:   testedIDs,
		UntestedAspectIDs: untestedIDs,
		Percentage:        pct,
		Stats:             stats,
	}
	logging.Get(logging.CategoryCoverage).Debug("coverage %.2f%% (%d/%d aspects, %d/%d passed)",
		pct, len(testedIDs), universe, stats.Passed, stats.Total)
	return snap
}

// Reached reports whether the snapshot meets the target percentage.
func Reached(snap types.CoverageSnapshot, target float64) bool {
	return snap.Percentage >= target
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

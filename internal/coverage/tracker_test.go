package coverage

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"coverloop/internal/types"
)

func result(id string, aspect int, ok bool) types.ExecutionResult {
	return types.ExecutionResult{TestCaseID: id, AspectID: types.IntPtr(aspect), Success: ok}
}

func TestComputeTwoIterationScenario(t *testing.T) {
	results := []types.ExecutionResult{
		result("tc1", 1, true),
		result("tc2", 2, true),
		result("tc3", 3, true),
		result("tc4", 4, false),
	}

	got := Compute(10, results)
	want := types.CoverageSnapshot{
		TotalAspects:      10,
		TestedAspectIDs:   []int{1, 2, 3, 4},
		UntestedAspectIDs: []int{5, 6, 7, 8, 9, 10},
		Percentage:        40.0,
		Stats:             types.TestCaseStats{Total: 4, Passed: 3, Failed: 1, PassRate: 75},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Compute mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeRounding(t *testing.T) {
	got := Compute(3, []types.ExecutionResult{result("a", 1, true)})
	assert.Equal(t, 33.33, got.Percentage)
	assert.Equal(t, 100.0, got.Stats.PassRate)
}

func TestComputeIgnoresOutOfUniverseAndMissingAspects(t *testing.T) {
	results := []types.ExecutionResult{
		result("a", 0, true),
		result("b", 11, true),
		{TestCaseID: "c", Success: false},
		result("d", 2, true),
		result("e", 2, false),
	}
	got := Compute(10, results)
	assert.Equal(t, []int{2}, got.TestedAspectIDs)
	assert.Len(t, got.UntestedAspectIDs, 9)
	assert.Equal(t, 5, got.Stats.Total)
	assert.Equal(t, 2, got.Stats.Failed)
}

func TestComputeEmptyUniverse(t *testing.T) {
	got := Compute(0, []types.ExecutionResult{result("a", 1, true)})
	assert.Empty(t, got.TestedAspectIDs)
	assert.Empty(t, got.UntestedAspectIDs)
	assert.Equal(t, 0.0, got.Percentage)
}

func TestComputePartitionInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for universe := 0; universe <= 30; universe++ {
		var results []types.ExecutionResult
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			results = append(results, result("r", rng.Intn(universe+5)-2, rng.Intn(2) == 0))
		}
		snap := Compute(universe, results)

		seen := make(map[int]int)
		for _, id := range snap.TestedAspectIDs {
			seen[id]++
		}
		for _, id := range snap.UntestedAspectIDs {
			seen[id]++
		}
		if len(seen) != universe {
			t.Fatalf("universe %d: union has %d ids", universe, len(seen))
		}
		for id := 1; id <= universe; id++ {
			if seen[id] != 1 {
				t.Fatalf("universe %d: id %d appears %d times", universe, id, seen[id])
			}
		}
		assert.IsIncreasing(t, append([]int{0}, snap.TestedAspectIDs...))
	}
}

func TestReached(t *testing.T) {
	assert.True(t, Reached(types.CoverageSnapshot{Percentage: 80}, 80))
	assert.False(t, Reached(types.CoverageSnapshot{Percentage: 79.99}, 80))
}

//go:build integration

package artifacts_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"coverloop/internal/artifacts"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

type HistoryStoreSuite struct {
	suite.Suite
	dbPath string
	ctx    context.Context
}

func (s *HistoryStoreSuite) SetupTest() {
	s.dbPath = filepath.Join(s.T().TempDir(), "nested", "history.db")
	s.ctx = context.Background()
}

func (s *HistoryStoreSuite) open(runID string) *artifacts.HistoryStore {
	store, err := artifacts.NewHistoryStore(s.dbPath, runID)
	s.Require().NoError(err)
	return store
}

func record(iteration int, deeper bool, passed, failed int, pct float64) types.IterationRecord {
	return types.IterationRecord{
		Iteration:  iteration,
		DeeperTest: deeper,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, iteration, 0, time.UTC),
		Coverage: types.CoverageSnapshot{
			TotalAspects: 4,
			Percentage:   pct,
			Stats:        types.TestCaseStats{Total: passed + failed, Passed: passed, Failed: failed},
		},
	}
}

func (s *HistoryStoreSuite) TestIterationsSurviveReopen() {
	store := s.open("run-a")
	s.Require().NoError(store.SaveIteration(s.ctx, record(2, true, 1, 0, 50)))
	s.Require().NoError(store.SaveIteration(s.ctx, record(1, false, 1, 1, 25)))
	s.Require().NoError(store.Close())

	reopened := s.open("run-a")
	defer reopened.Close()

	records, err := reopened.ListIterations(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(1, records[0].Iteration)
	s.Equal(2, records[1].Iteration)
	s.True(records[1].DeeperTest)
	s.InDelta(50.0, records[1].Coverage.Percentage, 0.001)
	s.True(records[0].Timestamp.Equal(record(1, false, 1, 1, 25).Timestamp))
}

func (s *HistoryStoreSuite) TestDuplicateIterationRejected() {
	store := s.open("run-a")
	defer store.Close()

	s.Require().NoError(store.SaveIteration(s.ctx, record(1, false, 1, 0, 25)))
	s.Error(store.SaveIteration(s.ctx, record(1, false, 2, 0, 50)))
}

func (s *HistoryStoreSuite) TestRunsAreIsolated() {
	a := s.open("run-a")
	defer a.Close()
	b := s.open("run-b")
	defer b.Close()

	s.Require().NoError(a.SaveIteration(s.ctx, record(1, false, 1, 0, 25)))
	s.Require().NoError(b.SaveIteration(s.ctx, record(1, false, 0, 1, 0)))
	s.Require().NoError(b.SaveSnapshot(s.ctx, retry.FailureSnapshot{
		Action:    "click #checkout",
		Error:     "session not found",
		SessionID: "session_1",
	}))

	recordsA, err := a.ListIterations(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(recordsA, 1)
	s.Equal(1, recordsA[0].Coverage.Stats.Passed)

	countA, err := a.CountSnapshots(s.ctx)
	s.Require().NoError(err)
	s.Zero(countA)

	countB, err := b.CountSnapshots(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, countB)
}

func TestHistoryStoreSuite(t *testing.T) {
	suite.Run(t, new(HistoryStoreSuite))
}

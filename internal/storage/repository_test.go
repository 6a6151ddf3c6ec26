package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/core"
)

func newTestRepo(t *testing.T) *HistoryRepository {
	t.Helper()
	repo, err := NewHistoryRepository(filepath.Join(t.TempDir(), "history", "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleRun(id, feature string, finished time.Time) RunRecord {
	return RunRecord{
		RunID:      id,
		SessionID:  "session-1",
		Feature:    feature,
		Status:     "done",
		Total:      decimal.RequireFromString("185"),
		Processed:  6,
		Counted:    5,
		Pages:      3,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Buckets: []core.CategoryAmount{
			{Name: "GamePass", Label: "Passes", Count: 3, Amount: decimal.RequireFromString("125")},
			{Name: "DeveloperProduct", Count: 2, Amount: decimal.RequireFromString("60.5")},
		},
	}
}

func TestHistoryRepository_SaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)

	require.NoError(t, repo.SaveRun(ctx, sampleRun("run-1", "earned", finished)))

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "earned", got.Feature)
	assert.Equal(t, "done", got.Status)
	assert.True(t, got.Total.Equal(decimal.NewFromInt(185)))
	assert.Equal(t, 6, got.Processed)
	assert.Equal(t, 5, got.Counted)
	assert.True(t, got.FinishedAt.Equal(finished))
	require.Len(t, got.Buckets, 2)
	assert.Equal(t, "GamePass", got.Buckets[0].Name)
	assert.Equal(t, "Passes", got.Buckets[0].Label)
	assert.Equal(t, "60.5", got.Buckets[1].Amount.String())
}

func TestHistoryRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestHistoryRepository_SaveReplacesRetriedRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	failed := sampleRun("run-1", "earned", finished)
	failed.Status = "error"
	failed.Error = "fetch failed after 5 attempts: boom"
	failed.Total = decimal.NewFromInt(100)
	failed.Buckets = failed.Buckets[:1]
	require.NoError(t, repo.SaveRun(ctx, failed))

	done := sampleRun("run-1", "earned", finished.Add(time.Minute))
	require.NoError(t, repo.SaveRun(ctx, done))

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Empty(t, got.Error)
	assert.Len(t, got.Buckets, 2)

	runs, err := repo.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestHistoryRepository_ListRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveRun(ctx, sampleRun("a", "earned", base)))
	require.NoError(t, repo.SaveRun(ctx, sampleRun("b", "spent", base.Add(time.Second))))
	require.NoError(t, repo.SaveRun(ctx, sampleRun("c", "earned", base.Add(2*time.Second))))

	all, err := repo.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

	earned, err := repo.ListRuns(ctx, "earned", 1)
	require.NoError(t, err)
	require.Len(t, earned, 1)
	assert.Equal(t, "c", earned[0].RunID)
}

func TestHistoryRepository_RejectsNonTerminal(t *testing.T) {
	repo := newTestRepo(t)
	rec := sampleRun("run-1", "earned", time.Now())
	rec.Status = "running"
	assert.Error(t, repo.SaveRun(context.Background(), rec))

	rec.RunID = ""
	rec.Status = "done"
	assert.Error(t, repo.SaveRun(context.Background(), rec))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, RunMigrations(path))
	require.NoError(t, RunMigrations(path))
}

package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/quantbots/cboesnaps/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestRunLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewIngestRepository(db)

	source := time.Date(2025, 8, 22, 16, 30, 0, 0, time.UTC)

	run, err := repo.CreateIngestRun(&source)
	require.NoError(t, err)
	assert.Equal(t, models.IngestRunning, run.Status)
	assert.Nil(t, run.FinishedAt)

	err = repo.FinishIngestRun(run, models.IngestCompleted, 100, 90, 0, map[string]int{"cone": 60, "opt": 40}, nil)
	require.NoError(t, err)

	runs, err := repo.GetRecentIngestRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	finished := runs[0]
	assert.Equal(t, models.IngestCompleted, finished.Status)
	assert.Equal(t, int64(100), finished.RowsFetched)
	assert.Equal(t, int64(90), finished.RowsUpserted)
	assert.NotNil(t, finished.FinishedAt)
	assert.Nil(t, finished.Error)
	assert.JSONEq(t, `{"cone":60,"opt":40}`, string(finished.MarketCounts))
}

func TestIngestRunFailure(t *testing.T) {
	db := testDB(t)
	repo := NewIngestRepository(db)

	source := time.Date(2025, 8, 22, 16, 30, 0, 0, time.UTC)

	run, err := repo.CreateIngestRun(&source)
	require.NoError(t, err)

	err = repo.FinishIngestRun(run, models.IngestFailed, 10, 0, 0, nil, fmt.Errorf("failed to fetch snapshots for market exo: connection reset"))
	require.NoError(t, err)

	runs, err := repo.GetRecentIngestRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	failed := runs[0]
	assert.Equal(t, models.IngestFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "market exo")
}

package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/adapter/repo/memory"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

func newJob(t *testing.T, reg usecase.JobRegistry) string {
	t.Helper()
	id, err := reg.Create(context.Background(), "alice", domain.JobTypeAnalysis,
		domain.JobParameters{Analysis: &domain.AnalysisParams{Product: "slack", MaxPosts: 500}})
	require.NoError(t, err)
	return id
}

func TestJobRegistry_HappyTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := usecase.NewJobRegistry(memory.New(nil))
	id := newJob(t, reg)

	require.NoError(t, reg.Start(ctx, id))
	results := &domain.JobResults{Analysis: &domain.AnalysisResults{PainPointsCount: 3, Product: "slack"}}
	require.NoError(t, reg.Complete(ctx, id, results, 1))

	j, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, j.State)
	require.NotNil(t, j.Results)
	assert.Equal(t, 3, j.Results.Analysis.PainPointsCount)
	require.NotNil(t, j.CreditsUsed)
	assert.Equal(t, 1, *j.CreditsUsed)
}

func TestJobRegistry_TerminalStatesAreSticky(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := usecase.NewJobRegistry(memory.New(nil))
	id := newJob(t, reg)

	require.NoError(t, reg.Start(ctx, id))
	require.NoError(t, reg.Cancel(ctx, id))

	// The runner's terminal writes lose to the cancel and must read as
	// conflicts.
	err := reg.Complete(ctx, id, nil, 1)
	require.Error(t, err)
	assert.True(t, usecase.IsTerminalConflict(err))

	err = reg.Fail(ctx, id, "boom", nil)
	require.Error(t, err)
	assert.True(t, usecase.IsTerminalConflict(err))

	j, _ := reg.Get(ctx, id)
	assert.Equal(t, domain.JobCancelled, j.State)
}

func TestJobRegistry_CompleteRequiresInProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := usecase.NewJobRegistry(memory.New(nil))
	id := newJob(t, reg)

	err := reg.Complete(ctx, id, nil, 0)
	require.Error(t, err)
	assert.True(t, usecase.IsTerminalConflict(err))
}

func TestJobRegistry_FailFromPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := usecase.NewJobRegistry(memory.New(nil))
	id := newJob(t, reg)

	credits := 2
	require.NoError(t, reg.Fail(ctx, id, "admission worker died", &credits))
	j, _ := reg.Get(ctx, id)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Equal(t, "admission worker died", j.Error)
	require.NotNil(t, j.CompletedAt)
}

func TestJobRegistry_Cancelled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := usecase.NewJobRegistry(memory.New(nil))
	id := newJob(t, reg)

	assert.False(t, reg.Cancelled(ctx, id))
	require.NoError(t, reg.Cancel(ctx, id))
	assert.True(t, reg.Cancelled(ctx, id))
	assert.False(t, reg.Cancelled(ctx, "missing"))
}

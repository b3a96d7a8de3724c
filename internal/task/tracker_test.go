package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/apps/backend/internal/artifact"
)

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(artifact.NewMemoryStore())
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return clock }

	st, err := tr.Get(ctx, "c1", OpProcess)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, st.State)

	_, err = tr.Queue(ctx, "c1", OpProcess)
	require.NoError(t, err)

	require.NoError(t, tr.Start(ctx, "c1", OpProcess, 1))
	st, err = tr.Get(ctx, "c1", OpProcess)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.QueuedAt)
	require.NotNil(t, st.StartedAt)

	require.NoError(t, tr.Finish(ctx, "c1", OpProcess, nil))
	st, err = tr.Get(ctx, "c1", OpProcess)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	assert.Empty(t, st.Error)
	require.NotNil(t, st.FinishedAt)
	assert.True(t, st.FinishedAt.Equal(clock))
}

func TestTracker_Failure(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(artifact.NewMemoryStore())

	require.NoError(t, tr.Start(ctx, "c1", OpGenerateQuiz, 2))
	require.NoError(t, tr.Finish(ctx, "c1", OpGenerateQuiz, errors.New("quota exceeded")))

	st, err := tr.Get(ctx, "c1", OpGenerateQuiz)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "quota exceeded", st.Error)

	other, err := tr.Get(ctx, "c1", OpGenerateCourse)
	require.NoError(t, err)
	assert.Equal(t, StateNotStarted, other.State)
}

func TestTracker_UnknownOperation(t *testing.T) {
	tr := NewTracker(artifact.NewMemoryStore())

	_, err := tr.Get(context.Background(), "c1", "explode")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = tr.Queue(context.Background(), "c1", "explode")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestTracker_Clear(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	tr := NewTracker(store)

	for _, op := range Operations {
		_, err := tr.Queue(ctx, "c1", op)
		require.NoError(t, err)
	}
	require.NoError(t, tr.Clear(ctx, "c1"))

	for _, op := range Operations {
		_, err := store.Get(ctx, "c1", artifact.TaskKind(op))
		assert.ErrorIs(t, err, artifact.ErrNotFound)
	}
}

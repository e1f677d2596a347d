package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newStoreWithKV(newFakeKV())
}

func TestCreateStartsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "anthropic", "")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.StartedAt)
	assert.NotEmpty(t, job.TraceID)
}

func TestClaimIdempotence(t *testing.T) {
	// Law B: claim(j) twice in sequence returns success then state_conflict;
	// the row state after both is Processing.
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)

	require.NoError(t, s.Claim(ctx, taskID))
	err = s.Claim(ctx, taskID)
	assert.ErrorIs(t, err, ErrStateConflict)

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, job.State)
	assert.NotNil(t, job.StartedAt)
}

func TestUpdateRequiresProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)

	progress := 10
	err = s.Update(ctx, taskID, &progress, "starting")
	assert.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, s.Claim(ctx, taskID))
	require.NoError(t, s.Update(ctx, taskID, &progress, "starting"))

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 10, job.Progress)
	assert.Equal(t, "starting", job.Step)
}

func TestUpdateClampsRegressingProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, taskID))

	p70 := 70
	require.NoError(t, s.Update(ctx, taskID, &p70, "mid"))

	p40 := 40
	require.NoError(t, s.Update(ctx, taskID, &p40, "regressed"))

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 70, job.Progress, "progress must not regress")
	assert.Equal(t, "regressed", job.Step, "step still updates even when progress clamps")
}

func TestCompleteSetsTerminalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, taskID))

	require.NoError(t, s.Complete(ctx, taskID, []byte(`{"ok":true}`), 0.02, 100, 200))

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Equal(t, 0.02, job.CostUSD)
}

func TestCompleteRejectsFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)

	err = s.Complete(ctx, taskID, []byte(`{}`), 0, 0, 0)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestFailAllowedFromPendingOrProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, taskID, "boom", ErrorKindProviderError))

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, ErrorKindProviderError, job.ErrorKind)
	assert.NotNil(t, job.CompletedAt)

	err = s.Fail(ctx, taskID, "again", ErrorKindProviderError)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestCancelFromProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskID, err := s.Create(ctx, KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, taskID))
	require.NoError(t, s.Cancel(ctx, taskID))

	job, err := s.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	id1, err := s.Create(ctx, KindTemplateParse, "f1", "u", "", "")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }
	id2, err := s.Create(ctx, KindTemplateEdit, "f2", "u", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, id2))

	jobs, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, id1, jobs[0].TaskID)
	assert.Equal(t, id2, jobs[1].TaskID)

	pending, err := s.List(ctx, Filter{State: StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id1, pending[0].TaskID)

	editOnly, err := s.List(ctx, Filter{Kind: KindTemplateEdit})
	require.NoError(t, err)
	require.Len(t, editOnly, 1)
	assert.Equal(t, id2, editOnly[0].TaskID)
}

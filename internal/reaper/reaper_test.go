package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/templatefabric/internal/natsconn/natstest"
	"github.com/c360studio/templatefabric/internal/task"
)

func newTestTaskStore(t *testing.T) *task.Store {
	t.Helper()
	srv, stop := natstest.StartServer(t)
	t.Cleanup(stop)
	conn := natstest.Connect(t, srv)

	store, err := task.NewStore(context.Background(), conn.JetStream())
	require.NoError(t, err)
	return store
}

func TestSweepFailsProcessingJobPastTimeout(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, task.KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, taskID))

	now := time.Now().UTC()
	r := New(store,
		WithProcessingTimeout(15*time.Minute),
		WithClock(func() time.Time { return now.Add(16 * time.Minute) }))

	r.sweep(ctx)

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, job.State)
	assert.Equal(t, processingTimeoutMessage, job.Error)
	assert.Equal(t, task.ErrorKindWorkerTimeout, job.ErrorKind)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.SweepsRun)
	assert.Equal(t, int64(1), stats.ProcessingFailed)
	assert.Equal(t, int64(0), stats.PendingFailed)
}

func TestSweepLeavesProcessingJobUnderTimeoutAlone(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, task.KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, taskID))

	r := New(store, WithProcessingTimeout(15*time.Minute), WithClock(time.Now))
	r.sweep(ctx)

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessing, job.State)
}

func TestSweepFailsPendingJobPastTimeout(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, task.KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)

	now := time.Now().UTC()
	r := New(store,
		WithPendingTimeout(20*time.Minute),
		WithClock(func() time.Time { return now.Add(21 * time.Minute) }))

	r.sweep(ctx)

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, job.State)
	assert.Equal(t, pendingTimeoutMessage, job.Error)
	assert.Equal(t, task.ErrorKindDispatchTimeout, job.ErrorKind)
}

func TestSweepLeavesPendingJobUnderTimeoutAlone(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, task.KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)

	r := New(store, WithPendingTimeout(20*time.Minute), WithClock(time.Now))
	r.sweep(ctx)

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, job.State)
}

func TestSweepIsIdempotentAcrossConcurrentReapers(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	taskID, err := store.Create(ctx, task.KindTemplateParse, "file-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Claim(ctx, taskID))

	now := time.Now().UTC()
	clock := func() time.Time { return now.Add(16 * time.Minute) }

	r1 := New(store, WithProcessingTimeout(15*time.Minute), WithClock(clock))
	r2 := New(store, WithProcessingTimeout(15*time.Minute), WithClock(clock))

	r1.sweep(ctx)
	r2.sweep(ctx)

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, job.State)

	// The first reaper wins the CAS race; the second observes the job is no
	// longer Processing and leaves its counter at zero.
	assert.Equal(t, int64(1), r1.Stats().ProcessingFailed)
	assert.Equal(t, int64(0), r2.Stats().ProcessingFailed)
}

func TestStartAndStopRunsLoopWithoutPanicking(t *testing.T) {
	store := newTestTaskStore(t)
	r := New(store, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	assert.GreaterOrEqual(t, r.Stats().SweepsRun, int64(1))
}

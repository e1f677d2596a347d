package worklog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/templatefabric/internal/task"
)

func newTestDispatcher(t *testing.T) *JetStreamDispatcher {
	t.Helper()
	return newDispatcherWithJS(newFakeJS())
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Append(ctx, task.KindTemplateParse, map[string]string{
		"task_id":   "task-1",
		"file_path": "/uploads/a.docx",
	})
	require.NoError(t, err)

	require.NoError(t, d.EnsureGroup(ctx, task.KindTemplateParse, "parser-workers"))

	deliveries, err := d.Read(ctx, task.KindTemplateParse, "parser-workers", "worker-1", 5, 100)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "task-1", deliveries[0].TaskID)
	assert.Equal(t, "/uploads/a.docx", deliveries[0].Payload["file_path"])
	assert.NotEmpty(t, deliveries[0].MsgID)

	require.NoError(t, d.Ack(ctx, deliveries[0]))

	pending, err := d.Pending(ctx, task.KindTemplateParse, "parser-workers")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReadWithoutEnsureGroupFails(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Append(ctx, task.KindTemplateParse, map[string]string{"task_id": "t1"})
	require.NoError(t, err)

	_, err = d.Read(ctx, task.KindTemplateParse, "never-ensured", "worker-1", 1, 10)
	assert.Error(t, err)
}

func TestNakRedeliversToNextRead(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Append(ctx, task.KindTemplateEdit, map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.NoError(t, d.EnsureGroup(ctx, task.KindTemplateEdit, "editor-workers"))

	first, err := d.Read(ctx, task.KindTemplateEdit, "editor-workers", "worker-1", 5, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, d.Nak(ctx, first[0]))

	second, err := d.Read(ctx, task.KindTemplateEdit, "editor-workers", "worker-1", 5, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].TaskID, second[0].TaskID)
}

func TestIndependentConsumerGroupsSeeAllMessages(t *testing.T) {
	// Two consumer groups on the same stream must each see the full log
	// independently (at-least-once delivery is per group, not per stream).
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Append(ctx, task.KindTemplateReview, map[string]string{"task_id": "t1"})
	require.NoError(t, err)

	require.NoError(t, d.EnsureGroup(ctx, task.KindTemplateReview, "group-a"))
	require.NoError(t, d.EnsureGroup(ctx, task.KindTemplateReview, "group-b"))

	a, err := d.Read(ctx, task.KindTemplateReview, "group-a", "worker-1", 5, 10)
	require.NoError(t, err)
	require.Len(t, a, 1)

	b, err := d.Read(ctx, task.KindTemplateReview, "group-b", "worker-1", 5, 10)
	require.NoError(t, err)
	require.Len(t, b, 1)
}

func TestPendingReflectsUnackedDeliveries(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.Append(ctx, task.KindTemplateParse, map[string]string{"task_id": "t"})
		require.NoError(t, err)
	}
	require.NoError(t, d.EnsureGroup(ctx, task.KindTemplateParse, "group"))

	deliveries, err := d.Read(ctx, task.KindTemplateParse, "group", "worker-1", 10, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	pending, err := d.Pending(ctx, task.KindTemplateParse, "group")
	require.NoError(t, err)
	assert.EqualValues(t, 3, pending)

	require.NoError(t, d.Ack(ctx, deliveries[0]))
	pending, err = d.Pending(ctx, task.KindTemplateParse, "group")
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

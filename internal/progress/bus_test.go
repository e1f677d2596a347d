package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/templatefabric/internal/natsconn/natstest"
)

func TestPublishProgressAndSubscribe(t *testing.T) {
	srv, stop := natstest.StartServer(t)
	defer stop()
	nc := natstest.RawConnect(t, srv)

	sub, err := Subscribe(nc, "task-1")
	require.NoError(t, err)
	defer sub.Close()

	pub := NewPublisher(nc)
	require.NoError(t, pub.PublishProgress("task-1", 10, "starting", nil))
	require.NoError(t, nc.Flush())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventProgressUpdate, ev.Type)
		assert.Equal(t, "task-1", ev.JobID)
		require.NotNil(t, ev.Progress)
		assert.Equal(t, 10, *ev.Progress)
		assert.Equal(t, "starting", ev.Step)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}

func TestPublishWithNoSubscriberIsNotAnError(t *testing.T) {
	srv, stop := natstest.StartServer(t)
	defer stop()
	nc := natstest.RawConnect(t, srv)

	pub := NewPublisher(nc)
	require.NoError(t, pub.PublishProgress("task-orphaned", 50, "working", nil))
}

func TestPublishCompletionForgetsStartTime(t *testing.T) {
	srv, stop := natstest.StartServer(t)
	defer stop()
	nc := natstest.RawConnect(t, srv)

	sub, err := Subscribe(nc, "task-2")
	require.NoError(t, err)
	defer sub.Close()

	pub := NewPublisher(nc)
	require.NoError(t, pub.PublishProgress("task-2", 50, "mid", nil))
	require.NoError(t, pub.PublishCompletion("task-2", map[string]any{"fixed_sections": 3}))
	require.NoError(t, nc.Flush())

	var sawComplete bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventTaskComplete {
				sawComplete = true
				require.NotNil(t, ev.Progress)
				assert.Equal(t, 100, *ev.Progress)
				assert.Equal(t, float64(3), ev.ResultSummary["fixed_sections"])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, sawComplete)

	pub.mu.Lock()
	_, stillTracked := pub.start["task-2"]
	pub.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestPublishErrorAttachesSuggestion(t *testing.T) {
	srv, stop := natstest.StartServer(t)
	defer stop()
	nc := natstest.RawConnect(t, srv)

	sub, err := Subscribe(nc, "task-3")
	require.NoError(t, err)
	defer sub.Close()

	pub := NewPublisher(nc)
	require.NoError(t, pub.PublishError("task-3", "document not found at /x.docx", "file_not_found", false))
	require.NoError(t, nc.Flush())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventTaskError, ev.Type)
		assert.Equal(t, "file_not_found", ev.ErrorType)
		assert.Contains(t, ev.Suggestion, "uploaded correctly")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

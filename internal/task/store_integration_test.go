//go:build integration

package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/templatefabric/internal/natsconn/natstest"
)

func TestStore_CreateClaimComplete_Integration(t *testing.T) {
	srv, stop := natstest.StartServer(t)
	defer stop()
	conn := natstest.Connect(t, srv)

	ctx := context.Background()
	store, err := NewStore(ctx, conn.JetStream())
	require.NoError(t, err)

	taskID, err := store.Create(ctx, KindTemplateParse, "file-1", "user-1", "anthropic", "")
	require.NoError(t, err)

	require.NoError(t, store.Claim(ctx, taskID))
	require.NoError(t, store.Complete(ctx, taskID, []byte(`{"fixed":1}`), 0.01, 10, 20))

	job, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, job.State)
	require.Equal(t, 100, job.Progress)
}

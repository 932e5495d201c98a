package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
	"github.com/JakeFAU/multisession-harvester/internal/queue"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan harvest.RunRequest, 1)
	go func() {
		req, err := q.Dequeue(context.Background())
		if err == nil {
			result <- req
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), harvest.RunRequest{RunID: "run-1"}))
	select {
	case got := <-result:
		require.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), harvest.RunRequest{RunID: "primed"}))
	require.Equal(t, 1, q.Len())
	err = q.Enqueue(ctx, harvest.RunRequest{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), harvest.RunRequest{RunID: "a"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), harvest.RunRequest{}), queue.ErrClosed)
	req, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", req.RunID)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}

package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQueue(client, "test:audit:jobs")
}

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := NewJob("session-1", "cycle_switched", "p0", json.RawMessage(`{"version":2}`), time.Now())
	require.NoError(t, q.Enqueue(ctx, job))

	got, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, job.SessionID, got.SessionID)
	require.Equal(t, job.EventType, got.EventType)
	require.JSONEq(t, string(job.StateSnapshot), string(got.StateSnapshot))
}

func TestDequeue_EmptyQueueTimesOut(t *testing.T) {
	q := newTestQueue(t)
	q.popDelay = 50 * time.Millisecond

	_, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLen_ReflectsPendingCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, q.Enqueue(ctx, NewJob("s1", "session_created", "", json.RawMessage("null"), time.Now())))
	require.NoError(t, q.Enqueue(ctx, NewJob("s2", "session_created", "", json.RawMessage("null"), time.Now())))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRequeue_MakesJobDequeueableAgain(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := NewJob("session-1", "cycle_switched", "p0", json.RawMessage(`{}`), time.Now())
	require.NoError(t, q.Enqueue(ctx, job))

	first, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Requeue(ctx, first))

	second, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, second.ID)
}

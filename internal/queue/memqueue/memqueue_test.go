package memqueue

import (
	"context"
	"testing"
	"time"

	"github.com/mvajha/talon/internal/queue"
	"github.com/stretchr/testify/require"
)

func fetchOne(t *testing.T, sub queue.Subscription) queue.Msg {
	t.Helper()
	msgs, err := sub.Fetch(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestMemQueue_FIFOWithinLane(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, queue.LaneNormal, []byte("a"), "a", "alice"))
	require.NoError(t, q.Publish(ctx, queue.LaneNormal, []byte("b"), "b", "alice"))
	require.NoError(t, q.Publish(ctx, queue.LaneNormal, []byte("c"), "c", "alice"))

	sub, err := q.Subscribe(queue.LaneNormal, "")
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		msg := fetchOne(t, sub)
		require.Equal(t, want, string(msg.Data()))
		require.NoError(t, msg.Ack())
	}
}

func TestMemQueue_DedupWhilePending(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, queue.LaneHigh, []byte("j1"), "job-1", "alice"))
	require.NoError(t, q.Publish(ctx, queue.LaneHigh, []byte("j1 again"), "job-1", "alice"))
	require.Equal(t, 1, q.Len(queue.LaneHigh))

	sub, err := q.Subscribe(queue.LaneHigh, "")
	require.NoError(t, err)
	msg := fetchOne(t, sub)
	require.NoError(t, msg.Ack())

	// After ack the dedup key is released and a re-submission enqueues.
	require.NoError(t, q.Publish(ctx, queue.LaneHigh, []byte("j1 retry"), "job-1", "alice"))
	require.Equal(t, 1, q.Len(queue.LaneHigh))
}

func TestMemQueue_NakRedeliversWithAttemptCount(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, queue.LaneLow, []byte("x"), "x", "bob"))

	sub, err := q.Subscribe(queue.LaneLow, "")
	require.NoError(t, err)

	msg := fetchOne(t, sub)
	require.Equal(t, 1, msg.Attempts())
	require.NoError(t, msg.Nak())

	msg = fetchOne(t, sub)
	require.Equal(t, 2, msg.Attempts())
	require.NoError(t, msg.Term())

	_, err = sub.Fetch(ctx, 1, 20*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrNoMessages)
}

func TestMemQueue_EmptyFetchTimesOut(t *testing.T) {
	q := New()
	sub, err := q.Subscribe(queue.LaneNormal, "")
	require.NoError(t, err)

	start := time.Now()
	_, err = sub.Fetch(context.Background(), 1, 30*time.Millisecond)
	require.ErrorIs(t, err, queue.ErrNoMessages)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

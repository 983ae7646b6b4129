package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, aging time.Duration) (*Redis, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewRedis(rdb, "dataport", Options{
		VisibilityTimeout: 30 * time.Second,
		Aging:             aging,
		PollInterval:      5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.SetClock(clock.Now)
	t.Cleanup(func() { b.Close() })

	return b, mr, clock
}

func TestRedis_PriorityOrder(t *testing.T) {
	b, _, clock := newTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "low", Queue: "import", Priority: job.PriorityLow}))
	clock.Advance(time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, Message{JobID: "high", Queue: "import", Priority: job.PriorityHigh}))
	clock.Advance(time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, Message{JobID: "normal-1", Queue: "import", Priority: job.PriorityNormal}))
	clock.Advance(time.Millisecond)
	require.NoError(t, b.Enqueue(ctx, Message{JobID: "normal-2", Queue: "import", Priority: job.PriorityNormal}))

	var order []string
	for i := 0; i < 4; i++ {
		lease := mustDequeue(t, b, "import")
		order = append(order, lease.JobID)
		require.NoError(t, b.Ack(ctx, lease))
	}

	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, order)
	assertEmpty(t, b, "import")
}

func TestRedis_KeysPerQueue(t *testing.T) {
	b, mr, _ := newTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "job-1", Queue: "export"}))
	assert.True(t, mr.Exists("dataport:export:ready"))

	lease := mustDequeue(t, b, "export")
	assert.True(t, mr.Exists("dataport:export:inflight"))
	assert.False(t, mr.Exists("dataport:export:ready"), "empty sorted sets are removed")

	require.NoError(t, b.Ack(ctx, lease))
	assert.False(t, mr.Exists("dataport:export:inflight"))
}

func TestRedis_VisibilityTimeoutRedelivers(t *testing.T) {
	b, _, clock := newTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "job-1", Queue: "import", Priority: job.PriorityHigh}))

	first := mustDequeue(t, b, "import")
	assert.False(t, first.Redelivered)
	assertEmpty(t, b, "import")

	clock.Advance(31 * time.Second)

	second := mustDequeue(t, b, "import")
	assert.Equal(t, "job-1", second.JobID)
	assert.Equal(t, job.PriorityHigh, second.Priority)
	assert.True(t, second.Redelivered)

	assert.ErrorIs(t, b.Ack(ctx, first), ErrLeaseExpired)
	require.NoError(t, b.Ack(ctx, second))
}

func TestRedis_NackWithDelay(t *testing.T) {
	b, mr, clock := newTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Message{JobID: "job-1", Queue: "import"}))
	lease := mustDequeue(t, b, "import")
	require.NoError(t, b.Nack(ctx, lease, 4*time.Second))
	assert.True(t, mr.Exists("dataport:import:delayed"))
	assertEmpty(t, b, "import")

	clock.Advance(5 * time.Second)

	again := mustDequeue(t, b, "import")
	assert.Equal(t, "job-1", again.JobID)
	assert.True(t, again.Redelivered)
	assert.ErrorIs(t, b.Nack(ctx, lease, time.Second), ErrLeaseExpired)
}

func TestRedis_CloseUnblocksDequeue(t *testing.T) {
	b, _, _ := newTestRedis(t, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "import")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
}

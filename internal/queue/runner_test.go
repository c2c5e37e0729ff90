package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

func TestRunnerLeasesAndAcksMatchingPartition(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 1, Payload: []byte("img")})

	describe := func(ctx context.Context, payload []byte) (string, error) {
		return "described", nil
	}

	r := NewRunner(q, "worker-a", []int{1}, describe, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return q.completed.Len() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunnerStartIsIdempotent(t *testing.T) {
	q := newQueue()
	describe := func(ctx context.Context, payload []byte) (string, error) { return "x", nil }
	r := NewRunner(q, "worker-a", []int{0}, describe, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Start(ctx)
	r.Start(ctx)
	defer r.Stop()

	assert.True(t, r.Started())
}

func TestRunnerLeasesImmediatelyOnWakeupHint(t *testing.T) {
	q := newQueue()

	describe := func(ctx context.Context, payload []byte) (string, error) {
		return "described", nil
	}

	r := NewRunner(q, "worker-a", []int{3}, describe, zerolog.Nop())
	wakeups := make(chan int, 1)
	r.SetWakeups(wakeups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	// Enqueue after starting so the only way the runner notices before its
	// next poll tick is the wakeup hint.
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 3, Payload: []byte("img")})
	wakeups <- 3

	require.Eventually(t, func() bool {
		return q.completed.Len() == 1
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestRunnerIgnoresWakeupForUnownedPartition(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 5, Payload: []byte("img")})

	describe := func(ctx context.Context, payload []byte) (string, error) { return "x", nil }
	r := NewRunner(q, "worker-a", []int{1}, describe, zerolog.Nop())
	wakeups := make(chan int, 1)
	r.SetWakeups(wakeups)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	wakeups <- 5

	time.Sleep(50 * time.Millisecond)
	snap := q.sortedReadySnapshot()
	require.Len(t, snap, 1)
}

func TestRunnerNacksPartitionItNoLongerOwns(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 1, Payload: []byte("img")})

	describe := func(ctx context.Context, payload []byte) (string, error) { return "x", nil }
	r := NewRunner(q, "worker-a", []int{1}, describe, zerolog.Nop())

	job, ok := q.Lease(context.Background(), "worker-a", []int{1})
	require.True(t, ok)

	r.SetPartitions([]int{2})
	r.process(context.Background(), job.ID, job.Partition, job.Payload)

	snap := q.sortedReadySnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Attempts)
}

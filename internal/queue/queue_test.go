package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

func newQueue() *Queue {
	return New(nil, nil, zerolog.Nop())
}

func TestEnqueueDefaultsToNormalPriority(t *testing.T) {
	q := newQueue()
	job := q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	assert.Equal(t, models.PriorityNormal, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
}

func TestLeaseOnlyReturnsJobsInPartitionSet(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 2})

	_, ok := q.Lease(context.Background(), "worker-a", []int{0, 1})
	assert.False(t, ok)

	job, ok := q.Lease(context.Background(), "worker-a", []int{2, 3})
	require.True(t, ok)
	assert.Equal(t, "t1", job.ID)
}

func TestAckRemovesFromLeasedAndRetainsCompleted(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	job, _ := q.Lease(context.Background(), "w1", []int{0})

	q.Ack(context.Background(), job.ID, "a description")

	_, ok := q.Lease(context.Background(), "w1", []int{0})
	assert.False(t, ok)
	assert.Equal(t, 1, q.completed.Len())
}

func TestNackTransientRetriesWithBackoff(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	job, _ := q.Lease(context.Background(), "w1", []int{0})

	before := time.Now()
	q.Nack(context.Background(), job.ID, apperrors.New(apperrors.CodeDescribeTransient, "timeout", nil), false)

	snap := q.sortedReadySnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Attempts)
	assert.True(t, snap[0].NextAttemptAt.After(before))
}

func TestNackPermanentFailsImmediately(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	job, _ := q.Lease(context.Background(), "w1", []int{0})

	q.Nack(context.Background(), job.ID, apperrors.New(apperrors.CodeDescribePermanent, "bad image", nil), false)

	assert.Equal(t, 1, q.failed.Len())
	assert.Empty(t, q.sortedReadySnapshot())
}

func TestNackExhaustsMaxAttemptsThenFails(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})

	for i := 0; i < defaultMaxAttempts-1; i++ {
		job, ok := q.Lease(context.Background(), "w1", []int{0})
		require.True(t, ok)
		q.Nack(context.Background(), job.ID, apperrors.New(apperrors.CodeDescribeTransient, "timeout", nil), false)
		q.mu.Lock()
		for _, j := range q.ready {
			j.NextAttemptAt = time.Now().Add(-time.Second)
		}
		q.mu.Unlock()
	}

	job, ok := q.Lease(context.Background(), "w1", []int{0})
	require.True(t, ok)
	q.Nack(context.Background(), job.ID, apperrors.New(apperrors.CodeDescribeTransient, "timeout", nil), false)

	assert.Equal(t, 1, q.failed.Len())
	assert.Empty(t, q.sortedReadySnapshot())
}

func TestMisroutedNackReturnsJobWithoutConsumingAttempt(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	job, _ := q.Lease(context.Background(), "w1", []int{0})

	q.Nack(context.Background(), job.ID, errors.New("partition reassigned"), true)

	snap := q.sortedReadySnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Attempts)
}

func TestStallSweepFailsJobAfterMaxStalls(t *testing.T) {
	q := newQueue()
	q.stallTimeout = -time.Second // leases are immediately considered stalled
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})

	for i := 0; i < maxStalls; i++ {
		_, ok := q.Lease(context.Background(), "w1", []int{0})
		require.True(t, ok)
		q.SweepStalls(context.Background())
	}

	assert.Equal(t, 1, q.failed.Len())
	assert.Empty(t, q.sortedReadySnapshot())
}

func TestAttemptsCountsTheSuccessfulTryAfterRetries(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})

	for i := 0; i < 2; i++ {
		job, ok := q.Lease(context.Background(), "w1", []int{0})
		require.True(t, ok)
		q.Nack(context.Background(), job.ID, apperrors.New(apperrors.CodeDescribeTransient, "timeout", nil), false)
		q.mu.Lock()
		for _, j := range q.ready {
			j.NextAttemptAt = time.Now().Add(-time.Second)
		}
		q.mu.Unlock()
	}

	job, ok := q.Lease(context.Background(), "w1", []int{0})
	require.True(t, ok)

	done := make(chan struct{})
	var result models.TaskResult
	go func() {
		result, _ = q.Await(context.Background(), job.ID)
		close(done)
	}()

	q.Ack(context.Background(), job.ID, "described on the third try")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Await never returned")
	}
	assert.Equal(t, 3, result.Attempts)
}

func TestAwaitReceivesResultAfterAck(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})
	job, _ := q.Lease(context.Background(), "w1", []int{0})

	done := make(chan struct{})
	var result models.TaskResult
	go func() {
		result, _ = q.Await(context.Background(), job.ID)
		close(done)
	}()

	q.Ack(context.Background(), job.ID, "a sunset over the bay")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Await never returned")
	}
	assert.Equal(t, models.ResultCompleted, result.Status)
	assert.Equal(t, "a sunset over the bay", result.Description)
}

func TestAwaitTimesOutWithoutDelivery(t *testing.T) {
	q := newQueue()
	q.Enqueue(context.Background(), models.Task{ID: "t1", Partition: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Await(ctx, "t1")
	assert.False(t, ok)
}

func TestPingWithoutMirrorAlwaysSucceeds(t *testing.T) {
	q := newQueue()
	require.NoError(t, q.Ping(context.Background()))
}

func TestRetentionCapsPruneOldest(t *testing.T) {
	q := newQueue()
	q.mu.Lock()
	for i := 0; i < maxFailedRetained+5; i++ {
		q.pushRetained(q.failed, &models.QueuedJob{Task: models.Task{ID: "x"}}, maxFailedRetained)
	}
	q.mu.Unlock()

	assert.Equal(t, maxFailedRetained, q.failed.Len())
}

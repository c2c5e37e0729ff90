package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

func slowDescribe(d time.Duration) DescribeFunc {
	return func(ctx context.Context, task models.Task) (string, error) {
		time.Sleep(d)
		return "a description of " + task.Filename, nil
	}
}

func TestSubmitResolvesFuture(t *testing.T) {
	p, err := New(2, slowDescribe(0))
	require.NoError(t, err)
	defer p.Stop(time.Second)

	fut := p.Submit(models.Task{ID: "t1", Filename: "a.jpg"})
	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, res.Status)
	assert.Equal(t, "t1", res.TaskID)
}

func TestEightTasksOnFourWorkersCompleteWithinBound(t *testing.T) {
	p, err := New(4, slowDescribe(1*time.Second))
	require.NoError(t, err)
	defer p.Stop(time.Second)

	start := time.Now()
	futures := make([]*Future, 8)
	for i := 0; i < 8; i++ {
		futures[i] = p.Submit(models.Task{ID: fmt.Sprintf("t%d", i)})
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	assert.LessOrEqual(t, elapsed, 2200*time.Millisecond)
}

func TestAssignmentCallbackFiresPerTask(t *testing.T) {
	p, err := New(2, slowDescribe(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Stop(time.Second)

	var calls int32
	p.OnAssign(func(workerID, remaining int, taskID string) {
		atomic.AddInt32(&calls, 1)
	})

	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, p.Submit(models.Task{ID: fmt.Sprintf("t%d", i)}))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInFlightNeverExceedsWorkerCount(t *testing.T) {
	const workers = 3
	var inFlight int32
	var maxSeen int32
	var mu sync.Mutex

	describe := func(ctx context.Context, task models.Task) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	}

	p, err := New(workers, describe)
	require.NoError(t, err)
	defer p.Stop(time.Second)

	var futures []*Future
	for i := 0; i < 20; i++ {
		futures = append(futures, p.Submit(models.Task{ID: fmt.Sprintf("t%d", i)}))
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, int(maxSeen), workers)
}

func TestFailedDescribeResolvesFutureAsFailedWithoutAbortingPool(t *testing.T) {
	describe := func(ctx context.Context, task models.Task) (string, error) {
		if task.ID == "bad" {
			return "", apperrors.New(apperrors.CodeDescribePermanent, "model rejected input", errors.New("400"))
		}
		return "fine", nil
	}

	p, err := New(2, describe)
	require.NoError(t, err)
	defer p.Stop(time.Second)

	badFut := p.Submit(models.Task{ID: "bad"})
	goodFut := p.Submit(models.Task{ID: "good"})

	badRes, err := badFut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailed, badRes.Status)

	goodRes, err := goodFut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ResultCompleted, goodRes.Status)
}

func TestProcessedIncrementsAtAssignmentTime(t *testing.T) {
	block := make(chan struct{})
	describe := func(ctx context.Context, task models.Task) (string, error) {
		<-block
		return "done", nil
	}

	p, err := New(1, describe)
	require.NoError(t, err)
	defer func() {
		close(block)
		p.Stop(time.Second)
	}()

	fut := p.Submit(models.Task{ID: "t1"})
	_ = fut

	require.Eventually(t, func() bool {
		ws := p.Workers()
		return ws[0].Processed == 1
	}, time.Second, 5*time.Millisecond)
}

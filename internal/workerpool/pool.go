// Package workerpool implements the single-process Worker Pool and its
// Coordinator. The coordinator owns a FIFO task queue and a table of
// {id, busy, processed} workers; dispatch of an accepted task onto a
// goroutine is delegated to a panjf2000/ants pool exactly the way the
// teacher's main.go builds its pool, so the in-flight count is mechanically
// capped at the worker count without the coordinator having to count
// goroutines itself.
//
// The teacher's ants pool has no notion of worker identity — any goroutine
// in the pool can run any submitted func. The coordinator on top of it
// supplies that identity: it picks which logical worker "owns" a task
// before ever touching the pool, and the assignment event fires at that
// moment, not when ants actually schedules the goroutine.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

// pollInterval bounds how long the coordinator sleeps when its queue is
// empty before checking again. saturatedWait bounds how long it waits for
// a worker to free up when every worker is busy. Both match spec.md's
// condition-variable-equivalent design note: a buffered signal channel
// plays the role a systems language would give a condvar.
const (
	pollInterval  = 100 * time.Millisecond
	saturatedWait = 50 * time.Millisecond
)

// DescribeFunc performs the actual description call for one task. It is an
// injected dependency so the pool never imports the describer package
// directly.
type DescribeFunc func(ctx context.Context, task models.Task) (string, error)

// AssignmentFunc is the single callback the Dispatcher registers with the
// pool. It fires once per task, at the moment a worker is selected, before
// the task is actually dispatched.
type AssignmentFunc func(workerID int, queueSizeAfterPop int, taskID string)

// Future resolves to the TaskResult of a submitted task.
type Future struct {
	ch chan models.TaskResult
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (models.TaskResult, error) {
	select {
	case res := <-f.ch:
		return res, nil
	case <-ctx.Done():
		return models.TaskResult{}, ctx.Err()
	}
}

type workerState struct {
	id          int
	busy        bool
	processed   uint64
	currentTask string
}

type queuedTask struct {
	task   models.Task
	future *Future
}

// Pool is the single-process Worker Pool and Coordinator.
type Pool struct {
	mu      sync.Mutex
	workers []*workerState
	queue   []queuedTask

	ants     *ants.Pool
	describe DescribeFunc
	onAssign AssignmentFunc

	completed chan struct{} // buffered signal: a worker just freed up
	stop      chan struct{}
	stopped   chan struct{}
}

// New builds a pool of n workers backed by an ants.Pool of the same size,
// so "in-flight never exceeds worker count" is enforced by ants itself.
func New(n int, describe DescribeFunc) (*Pool, error) {
	if n <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "worker pool size must be positive", nil)
	}

	antsPool, err := ants.NewPool(n, ants.WithOptions(ants.Options{
		PreAlloc:       true,
		Nonblocking:    false,
		ExpiryDuration: 10 * time.Second,
	}))
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}

	workers := make([]*workerState, n)
	for i := range workers {
		workers[i] = &workerState{id: i}
	}

	p := &Pool{
		workers:   workers,
		ants:      antsPool,
		describe:  describe,
		completed: make(chan struct{}, n),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go p.run()
	return p, nil
}

// OnAssign registers the assignment callback. It is the only coupling
// point between the Dispatcher and the Pool.
func (p *Pool) OnAssign(fn AssignmentFunc) {
	p.mu.Lock()
	p.onAssign = fn
	p.mu.Unlock()
}

// Submit enqueues a task and returns immediately with a Future. Thread-safe
// and non-blocking: it never waits for a worker to be free.
func (p *Pool) Submit(task models.Task) *Future {
	fut := &Future{ch: make(chan models.TaskResult, 1)}

	p.mu.Lock()
	p.queue = append(p.queue, queuedTask{task: task, future: fut})
	p.mu.Unlock()

	return fut
}

// Workers returns a point-in-time snapshot of the worker table.
func (p *Pool) Workers() []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Worker, len(p.workers))
	for i, w := range p.workers {
		out[i] = models.Worker{ID: w.id, Busy: w.busy, Processed: w.processed, CurrentTask: w.currentTask}
	}
	return out
}

// Stop drains the coordinator loop and releases the ants pool. It waits up
// to drainTimeout for the loop to notice the stop signal.
func (p *Pool) Stop(drainTimeout time.Duration) {
	close(p.stop)
	select {
	case <-p.stopped:
	case <-time.After(drainTimeout):
	}
	p.ants.Release()
}

func (p *Pool) run() {
	defer close(p.stopped)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		task, ok := p.popNext()
		if !ok {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				continue
			}
		}

		worker, ok := p.pickWorker()
		if ok {
			p.mu.Lock()
			ok = !worker.busy
			p.mu.Unlock()
		}
		if !ok {
			// Every worker is busy: put the task back at the head and wait
			// briefly for a completion signal before retrying.
			p.pushFront(task)
			select {
			case <-p.stop:
				return
			case <-p.completed:
			case <-time.After(saturatedWait):
			}
			continue
		}

		p.assign(worker, task)
	}
}

func (p *Pool) popNext() (queuedTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return queuedTask{}, false
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	return t, true
}

func (p *Pool) pushFront(t queuedTask) {
	p.mu.Lock()
	p.queue = append([]queuedTask{t}, p.queue...)
	p.mu.Unlock()
}

// pickWorker selects an idle worker with the lowest id, falling back to
// the worker with the lowest processed count if every worker is busy. run
// does not assign a worker that is still busy: when the fallback comes
// back, it puts the task back and waits for a completion signal instead.
func (p *Pool) pickWorker() (*workerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if !w.busy {
			return w, true
		}
	}

	if len(p.workers) == 0 {
		return nil, false
	}
	fallback := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.processed < fallback.processed {
			fallback = w
		}
	}
	return fallback, true
}

func (p *Pool) assign(w *workerState, qt queuedTask) {
	p.mu.Lock()
	w.busy = true
	w.processed++
	w.currentTask = qt.task.ID
	remaining := len(p.queue)
	cb := p.onAssign
	p.mu.Unlock()

	if cb != nil {
		cb(w.id, remaining, qt.task.ID)
	}

	// Fire-and-forget: the coordinator does not wait for this to finish.
	err := p.ants.Submit(func() {
		p.runTask(w, qt)
	})
	if err != nil {
		// The ants pool itself rejected the submission (e.g. closed); the
		// worker must be freed or it would stay busy forever.
		p.release(w)
		qt.future.ch <- models.TaskResult{
			TaskID:    qt.task.ID,
			Status:    models.ResultFailed,
			WorkerID:  w.id,
			Partition: qt.task.Partition,
			ErrorKind: string(apperrors.CodeStorageUnavailable),
			Message:   err.Error(),
		}
	}
}

func (p *Pool) runTask(w *workerState, qt queuedTask) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
	defer cancel()

	description, err := p.describe(ctx, qt.task)
	elapsed := time.Since(start).Milliseconds()

	var result models.TaskResult
	if err != nil {
		result = models.TaskResult{
			TaskID:    qt.task.ID,
			Status:    models.ResultFailed,
			WorkerID:  w.id,
			Partition: qt.task.Partition,
			ElapsedMS: elapsed,
			ErrorKind: errorKind(err),
			Message:   err.Error(),
			Attempts:  1,
		}
	} else {
		result = models.TaskResult{
			TaskID:      qt.task.ID,
			Status:      models.ResultCompleted,
			Description: description,
			WorkerID:    w.id,
			Partition:   qt.task.Partition,
			ElapsedMS:   elapsed,
		}
	}

	p.release(w)
	qt.future.ch <- result
}

func (p *Pool) release(w *workerState) {
	p.mu.Lock()
	w.busy = false
	w.currentTask = ""
	p.mu.Unlock()

	select {
	case p.completed <- struct{}{}:
	default:
	}
}

func errorKind(err error) string {
	for _, code := range []apperrors.Code{
		apperrors.CodeDescribeTransient,
		apperrors.CodeDescribePermanent,
		apperrors.CodeInvalidInput,
		apperrors.CodeStorageUnavailable,
	} {
		if apperrors.Is(err, code) {
			return string(code)
		}
	}
	return string(apperrors.CodeDescribePermanent)
}

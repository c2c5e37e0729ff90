// Package queue implements the Distributed Queue: the cross-process
// replacement for the single-process Worker Pool, adding partition
// affinity, retry-with-backoff, and lease/stall tracking.
//
// Job state lives in-memory by default (guarded by a single mutex), the
// same way the Simulated Shard Store stands in for a real sharded backend —
// that in-memory state machine is what the testable properties in
// spec.md §8 are defined against. But this process's memory is only half
// the contract: the same binary runs as both coordinator and worker
// replicas, each with its own Queue, and Redis (RedisMirror) is what
// actually carries a QueuedJob's payload and terminal result across that
// process boundary — Lease falls back to claiming a job another process
// enqueued, and Await falls back to polling for a result another process
// wrote, whenever the local in-memory state has nothing to offer. Kafka
// (KafkaNotifier) layers a partition-keyed wake-up hint on top, grounded in
// the teacher's pubsub/kafka.go producer, but is an optimization over the
// Redis path's own polling, not a requirement for it.
package queue

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/describer"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

const (
	maxCompletedRetained = 1000
	maxFailedRetained    = 5000
	defaultMaxAttempts   = 3
	maxStalls            = 3
	defaultStallTimeout  = 30 * time.Second

	normalBaseBackoff = 2 * time.Second
	highBaseBackoff   = 1 * time.Second

	// mis-routed-partition nack delay: short enough that another worker
	// notices quickly, long enough to avoid a tight re-lease spin between
	// a dispatcher's partition reassignment and a worker's stale env.
	misroutedNackDelay = 500 * time.Millisecond
)

// Notifier publishes a partition-keyed wake-up hint. It is satisfied by
// KafkaNotifier; Queue works fine with a nil Notifier, just with workers
// relying purely on their own lease polling instead of a push hint.
type Notifier interface {
	Notify(ctx context.Context, partition int, jobID string)
}

// Mirror persists job state durably outside this process's memory and is
// the only channel through which a QueuedJob (including its payload bytes)
// actually crosses a process boundary: a coordinator's Enqueue marks a job
// ready in the mirror, and any worker process's Lease can claim it from
// there when its own in-memory ready set has nothing for its partitions.
// Queue works with a nil Mirror, and Mirror writes are best-effort: their
// methods report no error, so a failed write never fails a queue operation,
// matching spec.md's framing of the queue's
// Redis dependency as a QueueUnavailable-retryable concern, not a hard
// requirement for every operation — but a nil Mirror also means Queue falls
// back to single-process-only behavior, since nothing else bridges workers
// running in separate processes.
type Mirror interface {
	Save(ctx context.Context, job models.QueuedJob)
	SaveResult(ctx context.Context, result models.TaskResult)
	MarkReady(ctx context.Context, job models.QueuedJob)
	RemoveReady(ctx context.Context, jobID string, partition int)
	ClaimReady(ctx context.Context, partitions []int) (models.QueuedJob, bool)
	LoadResult(ctx context.Context, jobID string) (models.TaskResult, bool)
	Ping(ctx context.Context) error
}

type Queue struct {
	mu sync.Mutex

	ready     []*models.QueuedJob
	leased    map[string]*models.QueuedJob
	completed *list.List
	failed    *list.List

	// waiters lets a dispatcher block on a job it enqueued until a worker
	// (possibly in a different process, via the Mirror/Notifier pair) acks
	// or terminally nacks it. A dispatcher that never calls Await simply
	// never drains the channel; Ack/Nack sends are non-blocking so that
	// never backs up the queue's own state machine.
	waiters map[string]chan models.TaskResult

	notifier Notifier
	mirror   Mirror
	log      zerolog.Logger

	stallTimeout time.Duration
}

func New(notifier Notifier, mirror Mirror, log zerolog.Logger) *Queue {
	return &Queue{
		leased:       make(map[string]*models.QueuedJob),
		completed:    list.New(),
		failed:       list.New(),
		waiters:      make(map[string]chan models.TaskResult),
		notifier:     notifier,
		mirror:       mirror,
		log:          log,
		stallTimeout: defaultStallTimeout,
	}
}

// Enqueue creates a QueuedJob from task and adds it to the ready set.
func (q *Queue) Enqueue(ctx context.Context, task models.Task) models.QueuedJob {
	job := &models.QueuedJob{
		Task:          task,
		Attempts:      0,
		MaxAttempts:   defaultMaxAttempts,
		NextAttemptAt: time.Now(),
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}

	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.waiters[job.ID] = make(chan models.TaskResult, 1)
	q.mu.Unlock()

	if q.notifier != nil {
		q.notifier.Notify(ctx, task.Partition, task.ID)
	}
	if q.mirror != nil {
		q.mirror.Save(ctx, *job)
		q.mirror.MarkReady(ctx, *job)
	}

	return *job
}

// Lease hands the oldest ready job whose partition is in partitions to
// owner. A job whose partition is NOT in partitions is never handed out by
// this call (a worker only ever sees jobs it is allowed to run); the
// mis-routed-partition case applies when a job was already leased by a
// worker whose partitions changed underneath it — see Nack.
//
// A miss against this process's own in-memory ready set is not necessarily
// a miss overall: if a Mirror is configured, Lease falls back to claiming a
// job another process enqueued or requeued, so a coordinator and its
// workers can run as separate processes sharing only Redis.
func (q *Queue) Lease(ctx context.Context, owner string, partitions []int) (models.QueuedJob, bool) {
	allowed := toSet(partitions)
	now := time.Now()

	q.mu.Lock()
	for i, job := range q.ready {
		if !allowed[job.Partition] {
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}

		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		job.Lease = &models.Lease{Owner: owner, Expiry: now.Add(q.stallTimeout)}
		q.leased[job.ID] = job
		snapshot := *job
		q.mu.Unlock()

		if q.mirror != nil {
			q.mirror.RemoveReady(ctx, snapshot.ID, snapshot.Partition)
			q.mirror.Save(ctx, snapshot)
		}
		return snapshot, true
	}
	q.mu.Unlock()

	if q.mirror == nil {
		return models.QueuedJob{}, false
	}

	job, ok := q.mirror.ClaimReady(ctx, partitions)
	if !ok {
		return models.QueuedJob{}, false
	}
	job.Lease = &models.Lease{Owner: owner, Expiry: now.Add(q.stallTimeout)}

	q.mu.Lock()
	q.leased[job.ID] = &job
	q.mu.Unlock()

	q.mirror.Save(ctx, job)
	return job, true
}

// Ack marks a leased job completed with the description the worker
// produced. The successful try itself counts toward Attempts, so a job
// that failed twice before succeeding reports Attempts == 3, matching a
// worker's own count of how many times it actually ran the job.
func (q *Queue) Ack(ctx context.Context, jobID string, description string) {
	q.mu.Lock()
	job, ok := q.leased[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.leased, jobID)
	job.Lease = nil
	job.Attempts++
	q.pushRetained(q.completed, job, maxCompletedRetained)
	snapshot := *job
	result := models.TaskResult{
		TaskID:      jobID,
		Status:      models.ResultCompleted,
		Description: description,
		Partition:   job.Partition,
		Attempts:    job.Attempts,
	}
	q.deliver(jobID, result)
	q.mu.Unlock()

	if q.mirror != nil {
		q.mirror.Save(ctx, snapshot)
		q.mirror.SaveResult(ctx, result)
	}
}

// Await blocks until jobID reaches a terminal state (ack or terminal nack)
// or ctx is done. It is the dispatcher-side half of the Distributed Queue
// contract: the same process that called Enqueue waits here for whichever
// worker leases the job to report back — which, with a Mirror configured,
// may be a different process entirely. The local waiter channel is fed
// directly when Ack/Nack/SweepStalls run in this same process; otherwise
// Await falls back to polling the Mirror for the terminal result another
// process wrote there.
func (q *Queue) Await(ctx context.Context, jobID string) (models.TaskResult, bool) {
	q.mu.Lock()
	ch, ok := q.waiters[jobID]
	q.mu.Unlock()
	if !ok {
		return models.TaskResult{}, false
	}

	if q.mirror == nil {
		select {
		case res := <-ch:
			q.mu.Lock()
			delete(q.waiters, jobID)
			q.mu.Unlock()
			return res, true
		case <-ctx.Done():
			return models.TaskResult{}, false
		}
	}

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case res := <-ch:
			q.mu.Lock()
			delete(q.waiters, jobID)
			q.mu.Unlock()
			return res, true
		case <-ticker.C:
			if res, ok := q.mirror.LoadResult(ctx, jobID); ok {
				q.mu.Lock()
				delete(q.waiters, jobID)
				q.mu.Unlock()
				return res, true
			}
		case <-ctx.Done():
			return models.TaskResult{}, false
		}
	}
}

// deliver buffers a terminal result in jobID's waiter channel, if one
// exists. The channel stays registered so that an Await that starts after
// the delivery still finds the result; Await removes it once read. Must be
// called with q.mu held.
func (q *Queue) deliver(jobID string, result models.TaskResult) {
	ch, ok := q.waiters[jobID]
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// Nack reports that a leased job failed. DescribeTransient and
// QueueUnavailable retry with backoff up to MaxAttempts; every other class
// fails the job immediately, per spec.md §7's propagation rules. This is
// also the entry point for the mis-routed-partition decision recorded in
// DESIGN.md: callers that detect their own partition set no longer
// contains the job pass misrouted=true, which nacks with a short fixed
// delay and does NOT consume an attempt.
func (q *Queue) Nack(ctx context.Context, jobID string, cause error, misrouted bool) {
	q.mu.Lock()

	job, ok := q.leased[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.leased, jobID)
	job.Lease = nil

	if misrouted {
		job.NextAttemptAt = time.Now().Add(misroutedNackDelay)
		q.ready = append(q.ready, job)
		snapshot := *job
		q.mu.Unlock()
		if q.mirror != nil {
			q.mirror.Save(ctx, snapshot)
			q.mirror.MarkReady(ctx, snapshot)
		}
		return
	}

	if !apperrors.Retryable(cause) || job.Attempts+1 >= job.MaxAttempts {
		job.Attempts++
		q.pushRetained(q.failed, job, maxFailedRetained)
		snapshot := *job
		result := models.TaskResult{
			TaskID:    jobID,
			Status:    models.ResultFailed,
			Partition: job.Partition,
			ErrorKind: string(apperrors.CodeDescribePermanent),
			Message:   cause.Error(),
			Attempts:  job.Attempts,
		}
		q.deliver(jobID, result)
		q.mu.Unlock()
		if q.mirror != nil {
			q.mirror.Save(ctx, snapshot)
			q.mirror.SaveResult(ctx, result)
		}
		return
	}

	job.Attempts++
	base := normalBaseBackoff
	if job.Priority == models.PriorityHigh {
		base = highBaseBackoff
	}
	delay := describer.Backoff(base, job.Attempts-1)
	// A describer 429 may carry an explicit Retry-After; honor it when it
	// asks for more patience than our own exponential backoff would give.
	if retryAfter, ok := apperrors.RetryAfterOf(cause); ok && retryAfter > delay {
		delay = retryAfter
	}
	job.NextAttemptAt = time.Now().Add(delay)
	q.ready = append(q.ready, job)
	snapshot := *job
	q.mu.Unlock()

	if q.mirror != nil {
		q.mirror.Save(ctx, snapshot)
		q.mirror.MarkReady(ctx, snapshot)
	}
}

// SweepStalls requeues or fails leases that have outlived stallTimeout.
// After maxStalls stalls on the same job it fails terminally, independent
// of MaxAttempts (a stall is the lease holder going silent, not the
// describer rejecting the job).
func (q *Queue) SweepStalls(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.leased {
		if job.Lease == nil || !job.Lease.Expiry.Before(now) {
			continue
		}
		delete(q.leased, id)
		job.Lease = nil
		job.Stalls++

		var result *models.TaskResult
		if job.Stalls >= maxStalls {
			q.pushRetained(q.failed, job, maxFailedRetained)
			result = &models.TaskResult{
				TaskID:    id,
				Status:    models.ResultFailed,
				Partition: job.Partition,
				ErrorKind: string(apperrors.CodeQueueUnavailable),
				Message:   "lease stalled too many times",
				Attempts:  job.Attempts,
			}
			q.deliver(id, *result)
		} else {
			job.NextAttemptAt = now
			q.ready = append(q.ready, job)
		}
		if q.mirror != nil {
			q.mirror.Save(ctx, *job)
			if result != nil {
				q.mirror.SaveResult(ctx, *result)
			} else {
				q.mirror.MarkReady(ctx, *job)
			}
		}
	}
}

// Ping reports queue liveness: the in-memory core is always live; when a
// Mirror is configured its own Ping (e.g. a Redis PING) also has to
// succeed.
func (q *Queue) Ping(ctx context.Context) error {
	if q.mirror == nil {
		return nil
	}
	if err := q.mirror.Ping(ctx); err != nil {
		return apperrors.New(apperrors.CodeQueueUnavailable, "queue backing store unreachable", err)
	}
	return nil
}

// Depth returns the number of jobs waiting to be leased.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *Queue) pushRetained(l *list.List, job *models.QueuedJob, cap int) {
	l.PushBack(*job)
	for l.Len() > cap {
		l.Remove(l.Front())
	}
}

func toSet(xs []int) map[int]bool {
	m := make(map[int]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

// sortedReadySnapshot is used by tests to assert ordering without exposing
// the live slice.
func (q *Queue) sortedReadySnapshot() []models.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueuedJob, len(q.ready))
	for i, j := range q.ready {
		out[i] = *j
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out
}

package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhunismp/vision-batch-dispatch/internal/models"
)

// claimReadyScript atomically pops at most one due member from a partition's
// ready set: ZRANGEBYSCORE and ZREM would race if run as two separate
// round-trips from competing worker processes, so the claim has to happen
// inside the script.
const claimReadyScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids > 0 then
    redis.call('ZREM', KEYS[1], ids[1])
end
return ids
`

// RedisMirror durably records each QueuedJob's state, grounded on the
// teacher's store/cache/redis.go: a pipelined HSet per job on a hash keyed
// by job ID, so re-mirroring the same job (e.g. after a retry) overwrites
// its one record rather than creating a duplicate.
//
// Beyond durability, RedisMirror is the transport a Queue uses to move a
// job (including its payload) and, later, its terminal result across
// process boundaries: a per-partition sorted set of ready job IDs (scored
// by NextAttemptAt) that any worker process can claim from, and a status
// field on the job hash that a waiting coordinator process can poll.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(url string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(ensureScheme(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisMirror{client: client}, nil
}

func (m *RedisMirror) Save(ctx context.Context, job models.QueuedJob) {
	key := jobKey(job.ID)
	owner, expiry := "", ""
	if job.Lease != nil {
		owner = job.Lease.Owner
		expiry = job.Lease.Expiry.Format(time.RFC3339)
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key,
		"filename", job.Filename,
		"payload", base64.StdEncoding.EncodeToString(job.Payload),
		"partition", job.Partition,
		"priority", string(job.Priority),
		"submittedAt", job.SubmittedAt.Format(time.RFC3339),
		"attempts", job.Attempts,
		"maxAttempts", job.MaxAttempts,
		"stalls", job.Stalls,
		"nextAttemptAt", job.NextAttemptAt.Format(time.RFC3339),
		"leaseOwner", owner,
		"leaseExpiry", expiry,
	)
	pipe.Expire(ctx, key, 24*time.Hour)
	// Best-effort: the in-memory Queue remains authoritative for every
	// testable property in spec.md §8, so a mirror write failure is
	// dropped, not propagated as a queue operation failure.
	_, _ = pipe.Exec(ctx)
}

// SaveResult records the terminal outcome of a job so a coordinator process
// that never leases jobs itself can still discover what happened to one it
// enqueued, by polling LoadResult.
func (m *RedisMirror) SaveResult(ctx context.Context, result models.TaskResult) {
	key := jobKey(result.TaskID)
	fields := []interface{}{
		"status", string(result.Status),
		"partition", result.Partition,
		"attempts", result.Attempts,
		"description", result.Description,
		"message", result.Message,
		"errorKind", result.ErrorKind,
	}
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, _ = pipe.Exec(ctx)
}

// LoadResult reports the terminal outcome SaveResult wrote for jobID, if
// any. It is how Await observes a result produced by a different process.
func (m *RedisMirror) LoadResult(ctx context.Context, jobID string) (models.TaskResult, bool) {
	fields, err := m.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil || len(fields) == 0 {
		return models.TaskResult{}, false
	}

	status := models.ResultStatus(fields["status"])
	if status != models.ResultCompleted && status != models.ResultFailed {
		return models.TaskResult{}, false
	}

	partition, _ := strconv.Atoi(fields["partition"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	return models.TaskResult{
		TaskID:      jobID,
		Status:      status,
		Description: fields["description"],
		Partition:   partition,
		Attempts:    attempts,
		ErrorKind:   fields["errorKind"],
		Message:     fields["message"],
	}, true
}

// MarkReady adds job to the ready set for its partition, scored by
// NextAttemptAt so a claim honors retry backoff across processes too.
func (m *RedisMirror) MarkReady(ctx context.Context, job models.QueuedJob) {
	m.client.ZAdd(ctx, readyKey(job.Partition), redis.Z{
		Score:  float64(job.NextAttemptAt.UnixMilli()),
		Member: job.ID,
	})
}

// RemoveReady removes jobID from its partition's ready set, used when this
// process leases a job from its own in-memory ready list so a different
// process's ClaimReady never sees a stale entry for an already-leased job.
func (m *RedisMirror) RemoveReady(ctx context.Context, jobID string, partition int) {
	m.client.ZRem(ctx, readyKey(partition), jobID)
}

// ClaimReady atomically claims one ready, due job from any of partitions,
// and reconstructs it (payload included) from its mirrored hash. This is
// the cross-process half of Lease: it is how a worker process picks up a
// job a different coordinator process enqueued.
func (m *RedisMirror) ClaimReady(ctx context.Context, partitions []int) (models.QueuedJob, bool) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for _, p := range partitions {
		res, err := m.client.Eval(ctx, claimReadyScript, []string{readyKey(p)}, now).Result()
		if err != nil {
			continue
		}
		ids, ok := res.([]interface{})
		if !ok || len(ids) == 0 {
			continue
		}
		id, ok := ids[0].(string)
		if !ok || id == "" {
			continue
		}
		if job, ok := m.loadJob(ctx, id, p); ok {
			return job, true
		}
	}
	return models.QueuedJob{}, false
}

func (m *RedisMirror) loadJob(ctx context.Context, id string, partition int) (models.QueuedJob, bool) {
	fields, err := m.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil || len(fields) == 0 {
		return models.QueuedJob{}, false
	}

	payload, err := base64.StdEncoding.DecodeString(fields["payload"])
	if err != nil {
		return models.QueuedJob{}, false
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["maxAttempts"])
	submittedAt, _ := time.Parse(time.RFC3339, fields["submittedAt"])

	return models.QueuedJob{
		Task: models.Task{
			ID:          id,
			Filename:    fields["filename"],
			Payload:     payload,
			Partition:   partition,
			SubmittedAt: submittedAt,
			Priority:    models.Priority(fields["priority"]),
		},
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: time.Now(),
	}, true
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func jobKey(id string) string {
	return "queue:job:" + id
}

func readyKey(partition int) string {
	return "queue:ready:" + strconv.Itoa(partition)
}

func ensureScheme(url string) string {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return url
	}
	return "redis://" + url
}

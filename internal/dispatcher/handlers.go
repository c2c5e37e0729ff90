package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
	"github.com/zhunismp/vision-batch-dispatch/internal/models"
	"github.com/zhunismp/vision-batch-dispatch/internal/objectstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/workerpool"
)

type handlers struct {
	deps Deps
}

// preparedTask is one image extracted from the multipart batch, before it
// is partitioned and submitted.
type preparedTask struct {
	id       string
	filename string
	payload  []byte
}

func (h *handlers) parseBatch(form *multipart.Form) ([]preparedTask, error) {
	files := form.File["images"]
	ids := form.Value["imageIds"]

	if len(files) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "no images in batch", nil)
	}

	out := make([]preparedTask, 0, len(files))
	for i, fh := range files {
		id := ""
		if i < len(ids) {
			id = ids[i]
		}
		if id == "" {
			id = uuid.NewString()
		}

		f, err := fh.Open()
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidInput, "failed to open uploaded file", err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidInput, "failed to read uploaded file", err)
		}

		out = append(out, preparedTask{id: id, filename: fh.Filename, payload: data})
	}
	return out, nil
}

// Process implements POST /process: the full 8-step pipeline from
// SPEC_FULL.md §2.5.
func (h *handlers) Process(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return h.abortBeforeStream(c, apperrors.New(apperrors.CodeInvalidInput, "failed to parse multipart form", err))
	}

	batch, err := h.parseBatch(form)
	if err != nil {
		return h.abortBeforeStream(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		h.runProcessPipeline(c.Context(), w, batch)
	}))
	return nil
}

func (h *handlers) abortBeforeStream(c *fiber.Ctx, err error) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeEvent(w, "error", map[string]any{"message": err.Error()})

	return c.Status(apperrors.HTTPStatus(classify(err))).Send(buf.Bytes())
}

func classify(err error) apperrors.Code {
	for _, code := range []apperrors.Code{
		apperrors.CodeInvalidInput, apperrors.CodeNotFound, apperrors.CodePartitionFull,
		apperrors.CodeDescribeTransient, apperrors.CodeDescribePermanent,
		apperrors.CodeQueueUnavailable, apperrors.CodeStorageUnavailable, apperrors.CodeStreamClosed,
	} {
		if apperrors.Is(err, code) {
			return code
		}
	}
	return apperrors.CodeInvalidInput
}

func (h *handlers) runProcessPipeline(ctx *fasthttp.RequestCtx, w *bufio.Writer, batch []preparedTask) {
	var mu sync.Mutex
	closed := false
	emit := func(eventType string, fields map[string]any) bool {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return false
		}
		if err := writeEvent(w, eventType, fields); err != nil {
			closed = true
			h.deps.Log.Info().Msg("client disconnected, suppressing further writes")
			return false
		}
		return true
	}

	total := len(batch)

	var statsMu sync.Mutex
	pending, processing, completedCount, errorCount := total, 0, 0, 0
	snapshotStats := func() statsSnapshot {
		statsMu.Lock()
		defer statsMu.Unlock()
		return statsSnapshot{Total: total, Pending: pending, Processing: processing, Completed: completedCount, Errors: errorCount}
	}

	emit("stats", snapshotStats().fields())
	emit("log", map[string]any{"logType": "info", "message": fmt.Sprintf("batch of %d images arrived", total)})

	if total == 0 {
		emit("log", map[string]any{"logType": "success", "message": "empty batch, nothing to process"})
		return
	}

	tasks := make([]models.Task, total)
	partitionByID := make(map[string]int, total)
	for i, pt := range batch {
		partitionID := h.deps.Partitioner.Partition(pt.id)
		tasks[i] = models.Task{
			ID:          pt.id,
			Filename:    pt.filename,
			Payload:     pt.payload,
			Partition:   partitionID,
			SubmittedAt: time.Now(),
		}
		partitionByID[pt.id] = partitionID
	}

	emit("workers", map[string]any{"workers": workerSnapshots(h.deps.Pool)})
	emit("partitions", map[string]any{"partitions": partitionSnapshots(h.deps)})

	// bumpStats moves a task out of whichever bucket it is currently
	// counted in (processing for the single-process pool, which has a
	// separate assignment phase below; pending for the distributed queue,
	// which has none) and into its terminal bucket, then re-emits both the
	// stats and the worker table, per the pipeline's step-4/step-7 contract.
	bumpStats := func(isError bool) {
		statsMu.Lock()
		if h.deps.Pool != nil {
			processing--
		} else {
			pending--
		}
		if isError {
			errorCount++
		} else {
			completedCount++
		}
		// Emitting while statsMu is held keeps stats events in the order
		// the counters changed, so completed+errors never goes backwards.
		emit("stats", statsSnapshot{Total: total, Pending: pending, Processing: processing, Completed: completedCount, Errors: errorCount}.fields())
		statsMu.Unlock()
		emit("workers", map[string]any{"workers": workerSnapshots(h.deps.Pool)})
	}

	if h.deps.Pool != nil {
		h.deps.Pool.OnAssign(func(workerID, remaining int, taskID string) {
			emit("log", map[string]any{"logType": "worker", "message": fmt.Sprintf("worker %d assigned task %s (%d left in queue)", workerID, taskID, remaining)})
			emit("result", map[string]any{"id": taskID, "status": "processing", "workerThread": workerID, "partition": partitionByID[taskID]})

			statsMu.Lock()
			pending--
			processing++
			emit("stats", statsSnapshot{Total: total, Pending: pending, Processing: processing, Completed: completedCount, Errors: errorCount}.fields())
			statsMu.Unlock()
			emit("workers", map[string]any{"workers": workerSnapshots(h.deps.Pool)})
		})
	}

	for _, task := range tasks {
		if err := h.deps.Store.Store(storeKey(task), task.Payload); err != nil {
			h.deps.Log.Warn().Err(err).Str("task", task.ID).Msg("failed to store snippet in shard store")
		}
		h.persistImage(context.Background(), task)

		emit("log", map[string]any{"logType": "partition", "message": fmt.Sprintf("image %s assigned to partition %d", task.ID, task.Partition)})
		emit("partitions", map[string]any{"partitions": partitionSnapshots(h.deps)})
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := h.submitAndWait(ctx, task)

			if result.Status == models.ResultCompleted {
				emit("result", map[string]any{
					"id": result.TaskID, "status": "completed",
					"description": result.Description, "partition": result.Partition,
					"workerThread": result.WorkerID, "processingTime": result.ElapsedMS,
				})
				h.persistResult(context.Background(), result)
				bumpStats(false)
			} else {
				emit("result", map[string]any{
					"id": result.TaskID, "status": "error",
					"error": result.Message, "partition": result.Partition,
					"workerThread": result.WorkerID,
				})
				bumpStats(true)
			}
		}()
	}
	wg.Wait()

	emit("log", map[string]any{"logType": "success", "message": "batch processing complete"})
}

func (h *handlers) submitAndWait(ctx *fasthttp.RequestCtx, task models.Task) models.TaskResult {
	if h.deps.Pool != nil {
		fut := h.deps.Pool.Submit(task)
		res, err := fut.Wait(context.Background())
		if err != nil {
			return models.TaskResult{TaskID: task.ID, Status: models.ResultFailed, Message: err.Error(), Partition: task.Partition}
		}
		return res
	}

	// Distributed mode: enqueue, then block on the queue's own waiter
	// channel until whichever worker process leases the job acks or
	// terminally nacks it.
	h.deps.Queue.Enqueue(context.Background(), task)

	waitCtx, cancel := context.WithTimeout(context.Background(), 300*time.Second)
	defer cancel()

	res, ok := h.deps.Queue.Await(waitCtx, task.ID)
	if !ok {
		return models.TaskResult{TaskID: task.ID, Status: models.ResultFailed, Message: "timed out waiting for a worker to process this task", Partition: task.Partition}
	}
	return res
}

func storeKey(task models.Task) string {
	return task.ID
}

// persistImage uploads the raw image to bigdata-images under the key
// layout objectstore.ImageKey mandates. Best-effort: a failure here is
// logged, never propagated, since the object store is a durability layer
// on top of the shard store's already-successful write.
func (h *handlers) persistImage(ctx context.Context, task models.Task) {
	if h.deps.ObjectStore == nil {
		return
	}
	ext := strings.TrimPrefix(filepath.Ext(task.Filename), ".")
	if ext == "" {
		ext = "bin"
	}
	key := objectstore.ImageKey(task.Partition, hash8(task.ID), task.SubmittedAt.UnixMilli(), ext)
	if err := h.deps.ObjectStore.PutObject(ctx, "bigdata-images", key, task.Payload, "application/octet-stream", map[string]string{"taskId": task.ID}); err != nil {
		h.deps.Log.Warn().Err(err).Str("task", task.ID).Msg("failed to persist image to object store")
	}
}

// persistResult uploads the terminal TaskResult as JSON to bigdata-results.
func (h *handlers) persistResult(ctx context.Context, result models.TaskResult) {
	if h.deps.ObjectStore == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	key := objectstore.ResultKey(result.TaskID)
	if err := h.deps.ObjectStore.PutObject(ctx, "bigdata-results", key, payload, "application/json", nil); err != nil {
		h.deps.Log.Warn().Err(err).Str("task", result.TaskID).Msg("failed to persist result to object store")
	}
}

func hash8(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

func workerSnapshots(pool *workerpool.Pool) []map[string]any {
	if pool == nil {
		return nil
	}
	ws := pool.Workers()
	out := make([]map[string]any, len(ws))
	for i, w := range ws {
		out[i] = map[string]any{"id": w.ID, "busy": w.Busy, "processed": w.Processed, "currentTask": w.CurrentTask}
	}
	return out
}

func partitionSnapshots(deps Deps) []map[string]any {
	stats := deps.Store.Stats()
	out := make([]map[string]any, len(stats.Partitions))
	for i, p := range stats.Partitions {
		out[i] = map[string]any{"id": p.ID, "itemCount": p.ItemCount, "size": p.ByteSize}
		if deps.Metrics != nil {
			deps.Metrics.SetPartitionItemCount(strconv.Itoa(p.ID), float64(p.ItemCount))
		}
	}
	return out
}

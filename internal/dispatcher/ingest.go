package dispatcher

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
)

// Ingest implements POST /ingest: chunks a larger multipart batch into
// batchSize-sized sub-batches and reports progress per sub-batch, the way
// the teacher's CacheTaskStatus tracks Total/Completed/Failed incrementally
// (SPEC_FULL.md §9).
func (h *handlers) Ingest(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return h.abortBeforeStream(c, apperrors.New(apperrors.CodeInvalidInput, "failed to parse multipart form", err))
	}

	batch, err := h.parseBatch(form)
	if err != nil {
		return h.abortBeforeStream(c, err)
	}

	datasetName := ""
	if v, ok := form.Value["datasetName"]; ok && len(v) > 0 {
		datasetName = v[0]
	}
	batchSize := 10
	if v, ok := form.Value["batchSize"]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil && n > 0 {
			batchSize = n
		}
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		h.runIngestPipeline(w, batch, datasetName, batchSize)
	}))
	return nil
}

func (h *handlers) runIngestPipeline(w *bufio.Writer, batch []preparedTask, datasetName string, batchSize int) {
	total := len(batch)
	totalBatches := (total + batchSize - 1) / batchSize
	if total == 0 {
		totalBatches = 0
	}

	writeEvent(w, "log", map[string]any{"logType": "info", "message": fmt.Sprintf("ingesting %d images into dataset %q in %d batches", total, datasetName, totalBatches)})

	totalIngested := 0
	for i := 0; i < total; i += batchSize {
		end := i + batchSize
		if end > total {
			end = total
		}
		chunk := batch[i:end]

		for _, pt := range chunk {
			key := fmt.Sprintf("%s/%s", datasetName, pt.id)
			if err := h.deps.Store.Store(key, pt.payload); err != nil {
				writeEvent(w, "log", map[string]any{"logType": "error", "message": fmt.Sprintf("failed to ingest %s: %v", pt.filename, err)})
				continue
			}
			totalIngested++
		}

		batchIndex := i/batchSize + 1
		if err := writeEvent(w, "progress", map[string]any{
			"batchIndex":    batchIndex,
			"totalBatches":  totalBatches,
			"batchSize":     len(chunk),
			"totalIngested": totalIngested,
			"totalImages":   total,
		}); err != nil {
			return
		}
	}

	writeEvent(w, "complete", map[string]any{
		"totalIngested": totalIngested,
		"datasetName":   datasetName,
		"message":       "ingestion complete",
	})
}

package dispatcher

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// WorkerBootstrap implements POST /worker: starts the Runner's lease loop
// for this worker's WORKER_ID/PARTITIONS if it has not started yet.
// Idempotent — a second call is a no-op, matching the Runner's own
// sync.Once guard.
func (h *handlers) WorkerBootstrap(c *fiber.Ctx) error {
	if h.deps.Runner == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "this process is not running in worker mode",
		})
	}

	h.deps.Runner.Start(context.Background())

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"workerId":   h.deps.WorkerID,
		"partitions": h.deps.Partitions,
		"started":    true,
	})
}

// WorkerStatus implements GET /worker: current health and queue depth.
func (h *handlers) WorkerStatus(c *fiber.Ctx) error {
	if h.deps.Runner == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "disabled"})
	}

	status := "idle"
	if h.deps.Runner.Started() {
		status = "leasing"
	}

	depth := 0
	if h.deps.Queue != nil {
		depth = h.deps.Queue.Depth()
		if h.deps.Metrics != nil {
			for _, p := range h.deps.Partitions {
				h.deps.Metrics.SetQueueDepth(strconv.Itoa(p), float64(depth))
			}
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":           status,
		"queueDepth":       depth,
		"leasedPartitions": h.deps.Partitions,
	})
}

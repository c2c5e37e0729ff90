// Package dispatcher is the Streaming Dispatcher: the request-scoped
// orchestrator behind POST /process and POST /ingest. It streams
// Server-Sent Events the way the teacher's transport package would if it
// answered with a live feed instead of a single JSON response — plain
// text/event-stream, flushed after every record, fiber's
// SetBodyStreamWriter standing in for the condvar-signaled writer
// spec.md's design notes describe.
package dispatcher

import (
	"bufio"
	"encoding/json"
)

// writeEvent marshals fields with a "type" discriminator and writes one
// SSE record. It flushes immediately: spec.md's design notes call for a
// flush after every record, not batched buffering.
func writeEvent(w *bufio.Writer, eventType string, fields map[string]any) error {
	payload := map[string]any{"type": eventType}
	for k, v := range fields {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

type statsSnapshot struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Errors     int
}

// fields nests the snapshot under a single "stats" key, matching the
// workers/partitions events' own shape (workers: [...], partitions: [...])
// rather than merging its fields straight into the SSE payload.
func (s statsSnapshot) fields() map[string]any {
	return map[string]any{
		"stats": map[string]any{
			"total":      s.Total,
			"pending":    s.Pending,
			"processing": s.Processing,
			"completed":  s.Completed,
			"errors":     s.Errors,
		},
	}
}

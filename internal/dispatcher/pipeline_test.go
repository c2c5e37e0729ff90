package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhunismp/vision-batch-dispatch/internal/models"
	"github.com/zhunismp/vision-batch-dispatch/internal/partition"
	"github.com/zhunismp/vision-batch-dispatch/internal/shardstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/workerpool"
)

func parseEvents(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, block := range strings.Split(string(raw), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		block = strings.TrimPrefix(block, "data: ")
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(block), &m))
		events = append(events, m)
	}
	return events
}

func newTestHandlers(t *testing.T, workerCount int) *handlers {
	t.Helper()
	pt, err := partition.New(4, 2)
	require.NoError(t, err)

	pool, err := workerpool.New(workerCount, func(ctx context.Context, task models.Task) (string, error) {
		return "a description", nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(0) })

	return &handlers{deps: Deps{
		Partitioner: pt,
		Store:       shardstore.New(pt),
		Pool:        pool,
		Log:         zerolog.Nop(),
	}}
}

func TestProcessPipelineStatsAreMonotoneAndComplete(t *testing.T) {
	h := newTestHandlers(t, 2)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	batch := []preparedTask{
		{id: "a", filename: "a.jpg", payload: []byte("1")},
		{id: "b", filename: "b.jpg", payload: []byte("2")},
		{id: "c", filename: "c.jpg", payload: []byte("3")},
	}

	h.runProcessPipeline(nil, w, batch)
	require.NoError(t, w.Flush())

	events := parseEvents(t, buf.Bytes())
	require.NotEmpty(t, events)

	var lastDone float64
	resultsByID := map[string][]string{}
	for _, e := range events {
		if e["type"] == "stats" {
			stats := e["stats"].(map[string]any)
			done := stats["completed"].(float64) + stats["errors"].(float64)
			assert.GreaterOrEqual(t, done, lastDone)
			lastDone = done
		}
		if e["type"] == "result" {
			id := e["id"].(string)
			resultsByID[id] = append(resultsByID[id], e["status"].(string))
		}
	}

	assert.Equal(t, float64(3), lastDone)
	for id, seq := range resultsByID {
		assert.Contains(t, []string{"processing", "completed"}, seq[len(seq)-1], "task %s terminal event", id)
	}
}

func TestProcessPipelineEmptyBatchEmitsNoResults(t *testing.T) {
	h := newTestHandlers(t, 1)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	h.runProcessPipeline(nil, w, nil)
	require.NoError(t, w.Flush())

	events := parseEvents(t, buf.Bytes())
	for _, e := range events {
		assert.NotEqual(t, "result", e["type"])
	}
}

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/dataport/internal/broker"
	"github.com/cuongbtq/dataport/internal/codec"
	"github.com/cuongbtq/dataport/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) pool(queue string, concurrency int) *Pool {
	return NewPool(&Config{
		Logger:       h.logger,
		Broker:       h.broker,
		Processor:    h.proc,
		Queue:        queue,
		Concurrency:  concurrency,
		WorkerID:     "worker-test",
		ErrorBackoff: 10 * time.Millisecond,
	})
}

func TestManager_RunsEveryQueue(t *testing.T) {
	h := newHarness(t, nil, nil)
	importID := h.submitImport(t, job.KindImportInventory, "asset_tag,name\nA-1,Laptop\nA-2,Monitor\n")
	exportID := h.submitExport(t, job.KindExportInventory, codec.FormatJSON, nil)

	manager := NewManager(h.logger, h.pool("import", 2), h.pool("export", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.job(t, importID).Status.IsTerminal() && h.job(t, exportID).Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}

	imported := h.job(t, importID)
	assert.Equal(t, job.StatusCompleted, imported.Status)
	assert.Equal(t, 2, imported.SuccessRecords)

	exported := h.job(t, exportID)
	assert.Equal(t, job.StatusCompleted, exported.Status)
	require.NotNil(t, exported.Result)

	h.assertQueueDrained(t, "import")
	h.assertQueueDrained(t, "export")
}

func TestPool_Stop(t *testing.T) {
	h := newHarness(t, nil, nil)
	pool := h.pool("import", 3)
	assert.Equal(t, "import", pool.Queue())

	done := make(chan error, 1)
	go func() { done <- pool.Start(context.Background()) }()

	pool.Stop()
	pool.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_DropsMalformedJobID(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, h.queue.Enqueue(ctx, broker.Message{JobID: "not-a-uuid", Queue: "import", Priority: job.PriorityCritical}))
	id := h.submitImport(t, job.KindImportInventory, "asset_tag,name\nA-1,Laptop\n")

	pool := h.pool("import", 1)
	lctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	lease, err := pool.nextLease(lctx)
	require.NoError(t, err)
	assert.Equal(t, id, lease.JobID, "the malformed delivery is acked and skipped")

	_, _, inflight := h.queue.Depth("import")
	assert.Equal(t, 1, inflight)
}

func TestDefaultWorkerID(t *testing.T) {
	id := DefaultWorkerID()
	assert.NotEmpty(t, id)
	assert.Regexp(t, `-\d+$`, id)
}

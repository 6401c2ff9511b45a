package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Draft-Lab/db/internal/wire"
)

func newDualDriver(t *testing.T, path string) *DualDriver {
	t.Helper()
	d := NewDualDriver()
	require.NoError(t, d.SetConfig(Config{DatabasePath: path, Backend: BackendWorker}))
	t.Cleanup(func() { d.Destroy(context.Background()) })
	return d
}

func TestDualWritesVisibleImmediately(t *testing.T) {
	ctx := context.Background()
	d := newDualDriver(t, filepath.Join(t.TempDir(), "t.db"))

	_, err := d.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := d.Exec(ctx, wire.Statement{
			SQL: "INSERT INTO k VALUES (?)", Params: []any{i}, Method: wire.MethodRun,
		})
		require.NoError(t, err)

		// Each write is readable on the mirror before any flush completes.
		res, err := d.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM k", Method: wire.MethodGet})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), res.Rows[0][0])
	}
}

func TestDualWriteThroughDurability(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")

	d := newDualDriver(t, path)
	_, err := d.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := d.Exec(ctx, wire.Statement{
			SQL: "INSERT INTO k VALUES (?)", Params: []any{i}, Method: wire.MethodRun,
		})
		require.NoError(t, err)
	}

	require.NoError(t, d.FlushSyncQueue(ctx))
	assert.Equal(t, 0, d.PendingSyncCount())
	require.NoError(t, d.Destroy(ctx))

	// A fresh dual driver boot-syncs the persisted rows back into its mirror.
	d2 := newDualDriver(t, path)
	res, err := d2.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM k", Method: wire.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Rows[0][0])
	assert.False(t, d2.Degraded())
}

func TestDualReadsDoNotQueue(t *testing.T) {
	ctx := context.Background()
	d := newDualDriver(t, filepath.Join(t.TempDir(), "t.db"))

	_, err := d.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun})
	require.NoError(t, err)
	require.NoError(t, d.FlushSyncQueue(ctx))

	_, err = d.Exec(ctx, wire.Statement{SQL: "SELECT * FROM k", Method: wire.MethodAll})
	require.NoError(t, err)
	assert.Equal(t, 0, d.PendingSyncCount())
}

func TestDualTransactionQueuesWritesInOrder(t *testing.T) {
	ctx := context.Background()
	d := newDualDriver(t, filepath.Join(t.TempDir(), "t.db"))

	_, err := d.Transaction(ctx, []wire.Statement{
		{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun},
		{SQL: "INSERT INTO k VALUES (1)", Method: wire.MethodRun},
		{SQL: "SELECT * FROM k", Method: wire.MethodAll},
		{SQL: "INSERT INTO k VALUES (2)", Method: wire.MethodRun},
	})
	require.NoError(t, err)

	require.NoError(t, d.FlushSyncQueue(ctx))

	// The worker file received exactly the write statements, in order.
	worker, _ := d.engines()
	res, err := worker.Exec(ctx, wire.Statement{SQL: "SELECT v FROM k ORDER BY rowid", Method: wire.MethodAll})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), res.Rows[0][0])
	assert.Equal(t, int64(2), res.Rows[1][0])
}

func TestRetryRequeuesThenDrops(t *testing.T) {
	d := NewDualDriver()
	cause := errors.New("constraint failed")

	batch := []wire.Statement{{SQL: "INSERT INTO k VALUES (1)", Method: wire.MethodRun}}
	for attempt := 1; attempt <= maxSyncRetries; attempt++ {
		d.retryFailedBatch(batch, cause)
		d.queueMu.Lock()
		require.Len(t, d.queue, 1, "attempt %d must re-queue the batch", attempt)
		require.Equal(t, attempt, d.retryCount)
		d.queue = nil // simulate the next flush taking the batch
		d.queueMu.Unlock()
	}

	// The fourth failure exceeds maxSyncRetries: the batch is dropped and the
	// counter resets.
	d.retryFailedBatch(batch, cause)
	d.queueMu.Lock()
	assert.Empty(t, d.queue)
	assert.Equal(t, 0, d.retryCount)
	d.queueMu.Unlock()
	assert.Equal(t, 0, d.PendingSyncCount())
}

func TestRetryPreservesOrderAtHead(t *testing.T) {
	d := NewDualDriver()
	d.enqueue(wire.Statement{SQL: "INSERT INTO k VALUES (9)", Method: wire.MethodRun})

	batch := []wire.Statement{
		{SQL: "INSERT INTO k VALUES (1)", Method: wire.MethodRun},
		{SQL: "INSERT INTO k VALUES (2)", Method: wire.MethodRun},
	}
	d.retryFailedBatch(batch, errors.New("constraint failed"))

	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	require.Len(t, d.queue, 3)
	assert.Equal(t, "INSERT INTO k VALUES (1)", d.queue[0].SQL)
	assert.Equal(t, "INSERT INTO k VALUES (2)", d.queue[1].SQL)
	assert.Equal(t, "INSERT INTO k VALUES (9)", d.queue[2].SQL)
}

func TestSyncBackoffSeries(t *testing.T) {
	bo := newSyncBackoff()
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		got := bo.NextBackOff()
		assert.Equal(t, w, got, "delay %d", i)
	}
}

func TestIsWorkerFailure(t *testing.T) {
	assert.True(t, isWorkerFailure(fmt.Errorf("worker timeout after 5000ms for operation: exec")))
	assert.True(t, isWorkerFailure(ErrDestroyed))
	assert.True(t, isWorkerFailure(ErrWorkerUnavailable))
	assert.False(t, isWorkerFailure(errors.New("UNIQUE constraint failed: k.v")))
}

func TestDualExportImportRebuildsMirror(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := newDualDriver(t, filepath.Join(dir, "a.db"))
	_, err := a.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun})
	require.NoError(t, err)
	_, err = a.Exec(ctx, wire.Statement{SQL: "INSERT INTO k VALUES (1), (2)", Method: wire.MethodRun})
	require.NoError(t, err)

	buf, err := a.ExportDatabase(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, a.PendingSyncCount(), "export must flush first")

	b := newDualDriver(t, filepath.Join(dir, "b.db"))
	_, err = b.Exec(ctx, wire.Statement{SQL: "CREATE TABLE other (x INT)", Method: wire.MethodRun})
	require.NoError(t, err)

	require.NoError(t, b.ImportDatabase(ctx, buf))

	// The mirror reflects the imported contents, not the old schema.
	res, err := b.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM k", Method: wire.MethodGet})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows[0][0])
	_, err = b.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM other", Method: wire.MethodGet})
	assert.Error(t, err, "replaced tables must be gone from the mirror")
}

func TestDualDestroyTerminal(t *testing.T) {
	ctx := context.Background()
	d := newDualDriver(t, filepath.Join(t.TempDir(), "t.db"))

	_, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	require.NoError(t, err)
	require.NoError(t, d.Destroy(ctx))
	require.NoError(t, d.Destroy(ctx))

	_, err = d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	assert.ErrorIs(t, err, ErrDestroyed)
}

package driver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Draft-Lab/db/internal/engine"
	"github.com/Draft-Lab/db/internal/wire"
)

// maxSyncRetries bounds flush attempts for one batch before it is dropped.
const maxSyncRetries = 3

// newSyncBackoff builds the retry delay series 200ms, 400ms, 800ms, ...
// capped at 5s (min(100·2^n, 5000) for attempt n).
func newSyncBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// DualDriver mirrors the database in a synchronous in-memory engine and
// replicates writes to the worker through an ordered queue with
// exponential-backoff retry. Reads never see worker latency; durability is
// eventual and observable through PendingSyncCount.
type DualDriver struct {
	mu        sync.Mutex
	cfg       *Config
	worker    *WorkerDriver
	mirror    *engine.Engine
	ready     bool
	destroyed bool

	// mirrorMu serializes every call into mirror: the engine is not safe for
	// concurrent use, and import rebuilds it in place.
	mirrorMu sync.Mutex

	queueMu    sync.Mutex
	queue      []wire.Statement
	inFlight   int
	flushing   bool
	retryCount int
	bo         *backoff.ExponentialBackOff

	importing atomic.Bool
	degraded  atomic.Bool
	initGate  singleflight.Group
	logger    *zap.Logger
}

// NewDualDriver returns an unconfigured dual-engine driver.
func NewDualDriver() *DualDriver {
	return &DualDriver{
		bo:     newSyncBackoff(),
		logger: zap.NewNop(),
	}
}

// SetConfig supplies the configuration for both engines.
func (d *DualDriver) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	d.cfg = &cfg
	d.logger = cfg.logger()
	return nil
}

// IsReady reports whether both engines are initialized.
func (d *DualDriver) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// HasPersistentStorage reports true: writes eventually reach the worker file.
func (d *DualDriver) HasPersistentStorage() bool { return true }

// Degraded reports that boot sync or worker recovery failed and the mirror
// may be incomplete or writes may not currently persist.
func (d *DualDriver) Degraded() bool { return d.degraded.Load() }

// PendingSyncCount is the number of writes not yet acknowledged durable.
func (d *DualDriver) PendingSyncCount() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue) + d.inFlight
}

func (d *DualDriver) ensureReady(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if d.ready {
		d.mu.Unlock()
		return nil
	}
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return ErrNoConfig
	}

	_, err, _ := d.initGate.Do("init", func() (any, error) {
		d.mu.Lock()
		ready := d.ready
		d.mu.Unlock()
		if ready {
			return nil, nil
		}
		return nil, d.initialize(ctx, cfg)
	})
	return err
}

func (d *DualDriver) initialize(ctx context.Context, cfg *Config) error {
	worker := NewWorkerDriver()
	if err := worker.SetConfig(*cfg); err != nil {
		return err
	}
	if err := worker.ensureReady(ctx); err != nil {
		return err
	}

	mirror := engine.New(d.logger)
	if err := mirror.Init(""); err != nil {
		worker.Destroy(ctx)
		return err
	}

	d.mu.Lock()
	d.worker = worker
	d.mirror = mirror
	d.ready = true
	d.mu.Unlock()

	d.bootSync(ctx)
	return nil
}

// bootSync replays the persistent schema and data into the mirror. Failures
// log and mark the driver degraded; the mirror stays usable with whatever
// loaded.
func (d *DualDriver) bootSync(ctx context.Context) {
	d.mirrorMu.Lock()
	defer d.mirrorMu.Unlock()
	d.bootSyncLocked(ctx)
}

// bootSyncLocked requires mirrorMu held.
func (d *DualDriver) bootSyncLocked(ctx context.Context) {
	worker, mirror := d.engines()
	if worker == nil || mirror == nil {
		return
	}

	tables, err := worker.Exec(ctx, wire.Statement{
		SQL: `SELECT name, sql FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
		Method: wire.MethodAll,
	})
	if err != nil {
		d.logger.Warn("boot sync: schema enumeration failed", zap.Error(err))
		d.degraded.Store(true)
		return
	}

	for _, row := range tables.Rows {
		name, _ := row[0].(string)
		createSQL, _ := row[1].(string)
		if name == "" || createSQL == "" {
			continue
		}
		if err := d.syncTable(ctx, worker, mirror, name, createSQL); err != nil {
			d.logger.Warn("boot sync: table skipped",
				zap.String("table", name), zap.Error(err))
			d.degraded.Store(true)
		}
	}
}

func (d *DualDriver) syncTable(ctx context.Context, worker *WorkerDriver, mirror *engine.Engine, name, createSQL string) error {
	if _, err := mirror.Exec(ctx, wire.Statement{SQL: createSQL, Method: wire.MethodRun}); err != nil {
		return err
	}

	rows, err := worker.Exec(ctx, wire.Statement{
		SQL:    "SELECT * FROM " + quoteIdent(name),
		Method: wire.MethodAll,
	})
	if err != nil {
		return err
	}
	if len(rows.Rows) == 0 {
		return nil
	}

	insert := "INSERT INTO " + quoteIdent(name) + " VALUES (" + placeholders(len(rows.Columns)) + ")"
	stmts := make([]wire.Statement, 0, len(rows.Rows))
	for _, row := range rows.Rows {
		stmts = append(stmts, wire.Statement{SQL: insert, Params: row, Method: wire.MethodRun})
	}
	_, err = mirror.ExecTransaction(ctx, stmts)
	return err
}

func (d *DualDriver) engines() (*WorkerDriver, *engine.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.worker, d.mirror
}

// Exec runs stmt synchronously on the mirror. Writes are appended to the
// sync queue and a flush is scheduled; the caller never waits on the worker.
func (d *DualDriver) Exec(ctx context.Context, stmt wire.Statement) (*wire.Result, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	_, mirror := d.engines()
	d.mirrorMu.Lock()
	res, err := mirror.Exec(ctx, stmt)
	d.mirrorMu.Unlock()
	if err != nil {
		return nil, err
	}
	if IsWriteStatement(stmt.SQL) {
		d.enqueue(stmt)
		d.scheduleFlush(0)
	}
	return res, nil
}

// ExecBatch runs stmts atomically on the mirror and replicates the writes.
func (d *DualDriver) ExecBatch(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	return d.Transaction(ctx, stmts)
}

// Transaction runs stmts atomically on the mirror and replicates the writes.
func (d *DualDriver) Transaction(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	_, mirror := d.engines()
	d.mirrorMu.Lock()
	results, err := mirror.ExecTransaction(ctx, stmts)
	d.mirrorMu.Unlock()
	if err != nil {
		return nil, err
	}
	var queued bool
	for _, stmt := range stmts {
		if IsWriteStatement(stmt.SQL) {
			d.enqueue(stmt)
			queued = true
		}
	}
	if queued {
		d.scheduleFlush(0)
	}
	return results, nil
}

func (d *DualDriver) enqueue(stmt wire.Statement) {
	d.queueMu.Lock()
	d.queue = append(d.queue, stmt)
	d.queueMu.Unlock()
}

func (d *DualDriver) scheduleFlush(delay time.Duration) {
	time.AfterFunc(delay, d.flush)
}

// flush ships the queued batch to the worker. Single-writer discipline: at
// most one flush in flight; new writes accumulating during the flight are
// picked up by a follow-up flush.
func (d *DualDriver) flush() {
	if d.importing.Load() {
		return
	}
	d.mu.Lock()
	if d.destroyed || !d.ready {
		d.mu.Unlock()
		return
	}
	worker := d.worker
	d.mu.Unlock()
	if worker == nil {
		return
	}

	d.queueMu.Lock()
	if d.flushing || len(d.queue) == 0 {
		d.queueMu.Unlock()
		return
	}
	d.flushing = true
	batch := d.queue
	d.queue = nil
	d.inFlight = len(batch)
	d.queueMu.Unlock()

	_, err := worker.ExecBatch(context.Background(), batch)

	d.queueMu.Lock()
	d.flushing = false
	d.inFlight = 0
	if err == nil {
		d.retryCount = 0
		d.bo.Reset()
		more := len(d.queue) > 0
		d.queueMu.Unlock()
		if more {
			d.scheduleFlush(0)
		}
		return
	}
	d.queueMu.Unlock()

	d.retryFailedBatch(batch, err)
}

// retryFailedBatch applies the retry policy: up to maxSyncRetries the batch
// is re-queued at the head preserving order; beyond that it is dropped with
// an error log. Worker-shaped failures trigger recovery either way.
func (d *DualDriver) retryFailedBatch(batch []wire.Statement, cause error) {
	d.queueMu.Lock()
	d.retryCount++
	attempt := d.retryCount
	var delay time.Duration
	if attempt <= maxSyncRetries {
		d.queue = append(append([]wire.Statement{}, batch...), d.queue...)
		delay = d.bo.NextBackOff()
		d.queueMu.Unlock()

		d.logger.Warn("sync flush failed, batch re-queued",
			zap.Int("attempt", attempt),
			zap.Int("statements", len(batch)),
			zap.Duration("retryIn", delay),
			zap.Error(cause))
		if isWorkerFailure(cause) {
			d.recoverWorker()
		}
		d.scheduleFlush(delay)
		return
	}

	d.retryCount = 0
	d.bo.Reset()
	remaining := len(d.queue) > 0
	d.queueMu.Unlock()

	d.logger.Error("sync batch dropped after max retries",
		zap.Int("statements", len(batch)),
		zap.Error(cause))
	d.recoverWorker()
	if remaining {
		d.scheduleFlush(0)
	}
}

// isWorkerFailure matches the failures that warrant replacing the worker.
func isWorkerFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "worker")
}

// recoverWorker terminates the current worker and runs the normal init
// sequence on a replacement. If recovery fails the driver is left degraded;
// writes keep accumulating in the mirror until a later recovery succeeds.
func (d *DualDriver) recoverWorker() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	old := d.worker
	d.worker = nil
	cfg := d.cfg
	d.mu.Unlock()

	if old != nil {
		old.Destroy(context.Background())
	}
	if cfg == nil {
		return
	}

	replacement := NewWorkerDriver()
	if err := replacement.SetConfig(*cfg); err != nil {
		d.degraded.Store(true)
		d.logger.Error("worker recovery failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutInit)
	defer cancel()
	if err := replacement.ensureReady(ctx); err != nil {
		d.degraded.Store(true)
		d.logger.Error("worker recovery failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	d.worker = replacement
	d.mu.Unlock()
	d.degraded.Store(false)
	d.logger.Info("worker recovered")
}

// FlushSyncQueue synchronously drains the queue to the worker. It returns on
// the first failed batch, leaving it re-queued at the head.
func (d *DualDriver) FlushSyncQueue(ctx context.Context) error {
	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	for {
		d.queueMu.Lock()
		if d.flushing {
			d.queueMu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if len(d.queue) == 0 {
			d.queueMu.Unlock()
			return nil
		}
		d.flushing = true
		batch := d.queue
		d.queue = nil
		d.inFlight = len(batch)
		d.queueMu.Unlock()

		worker, _ := d.engines()
		var err error
		if worker == nil {
			err = ErrWorkerUnavailable
		} else {
			_, err = worker.ExecBatch(ctx, batch)
		}

		d.queueMu.Lock()
		d.flushing = false
		d.inFlight = 0
		if err != nil {
			d.queue = append(append([]wire.Statement{}, batch...), d.queue...)
			d.queueMu.Unlock()
			return err
		}
		d.retryCount = 0
		d.bo.Reset()
		d.queueMu.Unlock()
	}
}

// ExportDatabase flushes the queue so the file reflects the mirror, then
// exports through the worker under the shared lock.
func (d *DualDriver) ExportDatabase(ctx context.Context) ([]byte, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	if err := d.FlushSyncQueue(ctx); err != nil {
		return nil, err
	}
	worker, _ := d.engines()
	if worker == nil {
		return nil, ErrWorkerUnavailable
	}
	return worker.ExportDatabase(ctx)
}

// ImportDatabase flushes, replaces the file through the worker, then rebuilds
// the mirror and re-runs boot sync. The flusher is blocked for the duration
// so batch writes cannot interleave with the full-database replace.
func (d *DualDriver) ImportDatabase(ctx context.Context, data []byte) error {
	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	if err := d.FlushSyncQueue(ctx); err != nil {
		d.logger.Warn("pre-import flush failed", zap.Error(err))
	}

	d.importing.Store(true)
	defer d.importing.Store(false)

	worker, mirror := d.engines()
	if worker == nil {
		return ErrWorkerUnavailable
	}
	if err := worker.ImportDatabase(ctx, data); err != nil {
		return err
	}

	// The rebuild and replay happen under the mirror lock so no caller can
	// read or write a half-rebuilt mirror.
	d.mirrorMu.Lock()
	defer d.mirrorMu.Unlock()
	if err := mirror.Init(""); err != nil {
		d.degraded.Store(true)
		return err
	}
	d.bootSyncLocked(ctx)
	return nil
}

// Destroy tears down both engines. Queued writes that never flushed are
// dropped, which is the documented durability tradeoff.
func (d *DualDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	d.ready = false
	worker := d.worker
	d.worker = nil
	mirror := d.mirror
	d.mirror = nil
	d.mu.Unlock()

	d.queueMu.Lock()
	dropped := len(d.queue)
	d.queue = nil
	d.queueMu.Unlock()
	if dropped > 0 {
		d.logger.Warn("destroy dropped unsynced writes", zap.Int("statements", dropped))
	}

	if worker != nil {
		worker.Destroy(ctx)
	}
	if mirror != nil {
		d.mirrorMu.Lock()
		mirror.Destroy()
		d.mirrorMu.Unlock()
	}
	return nil
}

// placeholders renders n comma-separated SQL placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

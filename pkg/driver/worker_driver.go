package driver

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Draft-Lab/db/internal/coord"
	"github.com/Draft-Lab/db/internal/engine"
	"github.com/Draft-Lab/db/internal/wire"
)

// outcome is the terminal state of one dispatched envelope.
type outcome struct {
	resp wire.Response
	err  error
}

// pendingRequest tracks one in-flight envelope until its response, timeout,
// or rejection on destroy.
type pendingRequest struct {
	ch    chan outcome
	timer *time.Timer
}

// WorkerDriver dispatches statements to an isolated worker goroutine holding
// the SQLite engine. Initialization is lazy and guarded by a single-entry
// gate; requests are correlated by monotonic ids with per-operation timeouts.
type WorkerDriver struct {
	mu        sync.Mutex
	cfg       *Config
	worker    *engine.Worker
	pending   map[string]*pendingRequest
	sub       *coord.Subscription
	onReinit  func(coord.Message)
	onClose   func(coord.Message)
	seq       atomic.Int64
	ready     atomic.Bool
	destroyed atomic.Bool
	initGate  singleflight.Group
	clientKey string
	logger    *zap.Logger
}

// NewWorkerDriver returns an unconfigured worker driver.
func NewWorkerDriver() *WorkerDriver {
	return &WorkerDriver{
		pending:   map[string]*pendingRequest{},
		clientKey: uuid.NewString(),
		logger:    zap.NewNop(),
	}
}

// SetConfig supplies the immutable configuration. Mandatory before any
// operation; later calls replace the config only while uninitialized.
func (d *WorkerDriver) SetConfig(cfg Config) error {
	if d.destroyed.Load() {
		return ErrDestroyed
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready.Load() {
		return errors.New("configuration cannot change after initialization")
	}
	d.cfg = &cfg
	d.logger = cfg.logger()
	return nil
}

// OnReinit registers a handler for peer reinit broadcasts. The driver never
// invokes it for its own posts.
func (d *WorkerDriver) OnReinit(fn func(coord.Message)) {
	d.mu.Lock()
	d.onReinit = fn
	d.mu.Unlock()
}

// OnClose registers a handler for peer close broadcasts.
func (d *WorkerDriver) OnClose(fn func(coord.Message)) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

// IsReady reports worker presence with an acknowledged init.
func (d *WorkerDriver) IsReady() bool {
	return d.ready.Load()
}

// HasPersistentStorage reports true: the worker engine writes a durable file.
func (d *WorkerDriver) HasPersistentStorage() bool {
	return true
}

// ClientKey identifies this driver instance on the broadcast bus.
func (d *WorkerDriver) ClientKey() string { return d.clientKey }

// ensureReady lazily initializes the worker. Concurrent first operations
// coalesce on one init attempt; a failed attempt releases the gate so the
// next caller retries.
func (d *WorkerDriver) ensureReady(ctx context.Context) error {
	if d.destroyed.Load() {
		return ErrDestroyed
	}
	if d.ready.Load() {
		return nil
	}
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	if cfg == nil {
		return ErrNoConfig
	}

	_, err, _ := d.initGate.Do("init", func() (any, error) {
		if d.ready.Load() {
			return nil, nil
		}
		return nil, d.initialize(ctx, cfg)
	})
	return err
}

func (d *WorkerDriver) initialize(ctx context.Context, cfg *Config) error {
	w := engine.StartWorker(d.logger)
	d.mu.Lock()
	d.worker = w
	d.mu.Unlock()
	go d.pump(w)

	_, err := d.request(ctx, wire.Envelope{
		Type:         wire.TypeInit,
		DatabasePath: cfg.DatabasePath,
	})
	if err != nil {
		w.Terminate()
		d.mu.Lock()
		if d.worker == w {
			d.worker = nil
		}
		d.mu.Unlock()
		return err
	}

	if cfg.DatabasePath != "" {
		sub := coord.Subscribe(cfg.DatabasePath, d.clientKey, coord.Handlers{
			OnReinit: d.dispatchReinit,
			OnClose:  d.dispatchClose,
		})
		d.mu.Lock()
		d.sub = sub
		d.mu.Unlock()
	}

	d.ready.Store(true)
	d.logger.Debug("driver initialized", zap.String("path", cfg.DatabasePath))
	return nil
}

func (d *WorkerDriver) dispatchReinit(msg coord.Message) {
	d.mu.Lock()
	fn := d.onReinit
	d.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (d *WorkerDriver) dispatchClose(msg coord.Message) {
	d.mu.Lock()
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// pump is the single response handler: it correlates each response to its
// pending entry. Responses with no pending id (late after timeout or destroy)
// are dropped silently.
func (d *WorkerDriver) pump(w *engine.Worker) {
	for resp := range w.Responses() {
		if p := d.take(resp.ID); p != nil {
			if resp.Success {
				p.ch <- outcome{resp: resp}
			} else {
				p.ch <- outcome{err: errors.New(resp.Error)}
			}
		}
	}
}

// take removes and returns the pending entry for id, stopping its timer.
func (d *WorkerDriver) take(id string) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// fail rejects the pending entry for id with err, if still pending.
func (d *WorkerDriver) fail(id string, err error) {
	if p := d.take(id); p != nil {
		p.ch <- outcome{err: err}
	}
}

// request assigns an id, registers the pending entry with its timeout, posts
// the envelope, and waits for exactly one resolution.
func (d *WorkerDriver) request(ctx context.Context, env wire.Envelope) (wire.Response, error) {
	env.ID = strconv.FormatInt(d.seq.Add(1), 10)
	budget := timeoutFor(env.Type)
	p := &pendingRequest{ch: make(chan outcome, 1)}

	d.mu.Lock()
	if d.destroyed.Load() {
		d.mu.Unlock()
		return wire.Response{}, ErrDestroyed
	}
	w := d.worker
	if w == nil {
		d.mu.Unlock()
		return wire.Response{}, ErrWorkerUnavailable
	}
	d.pending[env.ID] = p
	p.timer = time.AfterFunc(budget, func() {
		d.fail(env.ID, timeoutError(env.Type, budget))
	})
	d.mu.Unlock()

	if err := w.Post(env); err != nil {
		d.fail(env.ID, err)
	}

	select {
	case out := <-p.ch:
		return out.resp, out.err
	case <-ctx.Done():
		d.take(env.ID)
		return wire.Response{}, ctx.Err()
	}
}

// Exec runs one statement on the worker.
func (d *WorkerDriver) Exec(ctx context.Context, stmt wire.Statement) (*wire.Result, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	resp, err := d.request(ctx, wire.Envelope{Type: wire.TypeExec, Statement: &stmt})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ExecBatch runs stmts atomically on the worker.
func (d *WorkerDriver) ExecBatch(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	resp, err := d.request(ctx, wire.Envelope{Type: wire.TypeExecBatch, Statements: stmts})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Transaction runs stmts inside one transaction on the worker.
func (d *WorkerDriver) Transaction(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	resp, err := d.request(ctx, wire.Envelope{Type: wire.TypeTransaction, Statements: stmts})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ExportDatabase serializes the database under the shared named lock, so
// concurrent exports may overlap but never an import.
func (d *WorkerDriver) ExportDatabase(ctx context.Context) ([]byte, error) {
	if err := d.ensureReady(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := coord.WithShared(ctx, d.path(), func(ctx context.Context) error {
		resp, err := d.request(ctx, wire.Envelope{Type: wire.TypeExport})
		if err != nil {
			return err
		}
		if resp.Export != nil {
			data = resp.Export.Data
		}
		return nil
	})
	return data, err
}

// ImportDatabase replaces the database under the exclusive named lock,
// broadcasting close before the write and reinit after so peers rebuild.
func (d *WorkerDriver) ImportDatabase(ctx context.Context, data []byte) error {
	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	return coord.WithExclusive(ctx, d.path(), func(ctx context.Context) error {
		d.broadcast(coord.MessageClose)
		_, err := d.request(ctx, wire.Envelope{Type: wire.TypeImport, Data: data})
		if err != nil {
			return err
		}
		d.broadcast(coord.MessageReinit)
		return nil
	})
}

func (d *WorkerDriver) path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg == nil {
		return ""
	}
	return d.cfg.DatabasePath
}

func (d *WorkerDriver) broadcast(t coord.MessageType) {
	d.mu.Lock()
	sub := d.sub
	d.mu.Unlock()
	if sub != nil {
		sub.Post(t)
	}
}

// Destroy rejects every pending request, posts close, sends a best-effort
// destroy envelope, terminates the worker and clears state. Idempotent and
// never returns an error.
func (d *WorkerDriver) Destroy(ctx context.Context) error {
	if d.destroyed.Swap(true) {
		return nil
	}
	d.ready.Store(false)

	d.mu.Lock()
	pending := d.pending
	d.pending = map[string]*pendingRequest{}
	w := d.worker
	d.worker = nil
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- outcome{err: ErrDestroyed}
	}

	if sub != nil {
		sub.Post(coord.MessageClose)
		sub.Close()
	}

	if w != nil {
		// Best-effort destroy envelope; errors and timeouts are ignored. The
		// entry goes through pending so the pump delivers it like any other
		// response.
		id := strconv.FormatInt(d.seq.Add(1), 10)
		p := &pendingRequest{ch: make(chan outcome, 1)}
		d.mu.Lock()
		d.pending[id] = p
		d.mu.Unlock()
		if err := w.Post(wire.Envelope{ID: id, Type: wire.TypeDestroy}); err == nil {
			t := time.NewTimer(timeoutDestroy)
			select {
			case <-p.ch:
			case <-t.C:
			case <-ctx.Done():
			}
			t.Stop()
		}
		d.take(id)
		w.Terminate()
	}

	d.logger.Debug("driver destroyed")
	return nil
}

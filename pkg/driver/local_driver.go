package driver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Draft-Lab/db/internal/engine"
	"github.com/Draft-Lab/db/internal/kv"
	"github.com/Draft-Lab/db/internal/wire"
)

// LocalDriver serves the minor backends: an in-process engine over an
// ephemeral in-memory database, optionally snapshotted into web storage after
// every write so the contents survive a reload. There is no worker hop; all
// calls run synchronously on the caller.
type LocalDriver struct {
	mu        sync.Mutex
	cfg       *Config
	eng       *engine.Engine
	store     kv.Store // nil for the memory backend
	key       string
	ready     bool
	destroyed bool
	logger    *zap.Logger
}

// NewLocalDriver returns an unconfigured local driver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{logger: zap.NewNop()}
}

// SetConfig supplies the configuration.
func (d *LocalDriver) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	switch cfg.Backend {
	case BackendMemory:
		d.store = nil
	case BackendLocalStorage:
		d.store = kv.Local()
	case BackendSessionStorage:
		d.store = kv.Session()
	default:
		return fmt.Errorf("unsupported backend for local driver: %s", cfg.Backend)
	}
	d.cfg = &cfg
	d.key = "draftdb:" + cfg.DatabasePath
	d.logger = cfg.logger()
	return nil
}

// ensureReady lazily opens the in-memory engine and, for web-storage
// backends, restores the last persisted snapshot.
func (d *LocalDriver) ensureReady(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureReadyLocked(ctx)
}

func (d *LocalDriver) ensureReadyLocked(ctx context.Context) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.ready {
		return nil
	}
	if d.cfg == nil {
		return ErrNoConfig
	}

	eng := engine.New(d.logger)
	if err := eng.Init(""); err != nil {
		return err
	}

	if d.store != nil {
		snapshot, ok, err := d.store.Get(d.key)
		if err != nil {
			eng.Destroy()
			return fmt.Errorf("load snapshot: %w", err)
		}
		if ok && len(snapshot) > 0 {
			if err := eng.Import(ctx, snapshot); err != nil {
				eng.Destroy()
				return fmt.Errorf("restore snapshot: %w", err)
			}
		}
	}

	d.eng = eng
	d.ready = true
	return nil
}

// persistLocked snapshots the database into web storage.
func (d *LocalDriver) persistLocked(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	exp, err := d.eng.Export(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := d.store.Set(d.key, exp.Data); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Exec runs one statement; writes re-snapshot web storage.
func (d *LocalDriver) Exec(ctx context.Context, stmt wire.Statement) (*wire.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}
	res, err := d.eng.Exec(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if IsWriteStatement(stmt.SQL) {
		if err := d.persistLocked(ctx); err != nil {
			d.logger.Warn("snapshot failed", zap.Error(err))
		}
	}
	return res, nil
}

// ExecBatch runs stmts atomically.
func (d *LocalDriver) ExecBatch(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	return d.Transaction(ctx, stmts)
}

// Transaction runs stmts atomically; any write re-snapshots web storage.
func (d *LocalDriver) Transaction(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}
	results, err := d.eng.ExecTransaction(ctx, stmts)
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts {
		if IsWriteStatement(stmt.SQL) {
			if err := d.persistLocked(ctx); err != nil {
				d.logger.Warn("snapshot failed", zap.Error(err))
			}
			break
		}
	}
	return results, nil
}

// ExportDatabase serializes the in-memory database.
func (d *LocalDriver) ExportDatabase(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}
	exp, err := d.eng.Export(ctx)
	if err != nil {
		return nil, err
	}
	return exp.Data, nil
}

// ImportDatabase replaces the contents and re-snapshots web storage.
func (d *LocalDriver) ImportDatabase(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureReadyLocked(ctx); err != nil {
		return err
	}
	if err := d.eng.Import(ctx, data); err != nil {
		return err
	}
	return d.persistLocked(ctx)
}

// Destroy closes the engine. Idempotent; never returns an error.
func (d *LocalDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil
	}
	d.destroyed = true
	d.ready = false
	if d.eng != nil {
		d.eng.Destroy()
		d.eng = nil
	}
	return nil
}

// IsReady reports whether the engine is open.
func (d *LocalDriver) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// HasPersistentStorage reports whether contents survive the session: true
// only for the localStorage backend.
func (d *LocalDriver) HasPersistentStorage() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg != nil && d.cfg.Backend == BackendLocalStorage
}

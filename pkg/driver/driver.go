// Package driver exposes the statement pipeline over the storage engine: a
// worker-isolated variant with id-correlated dispatch, per-operation timeouts
// and cross-instance coordination, a dual-engine variant layering a
// synchronous in-memory mirror with an asynchronous write-through queue, and
// the minor in-process backends (memory, web storage).
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Draft-Lab/db/internal/wire"
)

// Backend selects the storage strategy behind a driver.
type Backend string

const (
	BackendMemory         Backend = "memory"
	BackendLocalStorage   Backend = "localStorage"
	BackendSessionStorage Backend = "sessionStorage"
	BackendWorker         Backend = "worker"
)

// Config is supplied once via SetConfig and immutable thereafter.
type Config struct {
	// DatabasePath locates the database file. Empty means ephemeral.
	DatabasePath string
	// Backend selects the storage strategy. Defaults to BackendWorker.
	Backend Backend
	// Verbose enables development logging.
	Verbose bool
	// Logger overrides the logger derived from Verbose.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	switch c.Backend {
	case "", BackendMemory, BackendLocalStorage, BackendSessionStorage, BackendWorker:
		return nil
	default:
		return fmt.Errorf("unsupported backend: %s", c.Backend)
	}
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.Verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			return l
		}
	}
	return zap.NewNop()
}

// Driver is the uniform query/mutation surface over a database.
type Driver interface {
	// SetConfig supplies the configuration. Mandatory before any operation.
	SetConfig(cfg Config) error
	// Exec runs one statement.
	Exec(ctx context.Context, stmt wire.Statement) (*wire.Result, error)
	// ExecBatch runs stmts atomically and returns per-statement results.
	ExecBatch(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error)
	// Transaction runs stmts atomically inside one transaction.
	Transaction(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error)
	// ExportDatabase serializes the database to a detached buffer.
	ExportDatabase(ctx context.Context) ([]byte, error)
	// ImportDatabase replaces the database contents with the buffer.
	ImportDatabase(ctx context.Context, data []byte) error
	// Destroy tears the driver down. Best effort; never returns an error for
	// cleanup failures and leaves the driver terminally unusable.
	Destroy(ctx context.Context) error
	// IsReady reports whether the storage engine is initialized.
	IsReady() bool
	// HasPersistentStorage reports whether data survives the process.
	HasPersistentStorage() bool
}

// Interface checks.
var (
	_ Driver = (*WorkerDriver)(nil)
	_ Driver = (*DualDriver)(nil)
	_ Driver = (*LocalDriver)(nil)
)

// Open builds the driver matching cfg.Backend and applies cfg.
func Open(cfg Config) (Driver, error) {
	var d Driver
	switch cfg.Backend {
	case "", BackendWorker:
		d = NewWorkerDriver()
	case BackendMemory, BackendLocalStorage, BackendSessionStorage:
		d = NewLocalDriver()
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
	if err := d.SetConfig(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Errors surfaced to callers.
var (
	// ErrNoConfig reports an operation before SetConfig.
	ErrNoConfig = errors.New("no configuration provided")
	// ErrWorkerUnavailable reports a missing or never-initialized worker.
	ErrWorkerUnavailable = errors.New("worker not available")
	// ErrDestroyed reports an operation on, or interrupted by, a destroyed
	// driver.
	ErrDestroyed = errors.New("worker destroyed while operation was pending")
)

// Per-operation timeout budgets.
const (
	timeoutInit        = 30 * time.Second
	timeoutImport      = 60 * time.Second
	timeoutExport      = 30 * time.Second
	timeoutExecBatch   = 15 * time.Second
	timeoutTransaction = 15 * time.Second
	timeoutExec        = 5 * time.Second
	timeoutDestroy     = 2 * time.Second
	timeoutDefault     = 10 * time.Second
)

// timeoutFor returns the budget for an envelope type.
func timeoutFor(t wire.Type) time.Duration {
	switch t {
	case wire.TypeInit:
		return timeoutInit
	case wire.TypeImport:
		return timeoutImport
	case wire.TypeExport:
		return timeoutExport
	case wire.TypeExecBatch:
		return timeoutExecBatch
	case wire.TypeTransaction:
		return timeoutTransaction
	case wire.TypeExec:
		return timeoutExec
	case wire.TypeDestroy:
		return timeoutDestroy
	default:
		return timeoutDefault
	}
}

// timeoutError names the operation and the elapsed budget.
func timeoutError(t wire.Type, budget time.Duration) error {
	return fmt.Errorf("worker timeout after %dms for operation: %s", budget.Milliseconds(), t)
}

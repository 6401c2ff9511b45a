package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	sqlite3 "github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/ext/serdes"
	"github.com/ncruces/go-sqlite3/vfs/memdb"
	"go.uber.org/zap"

	"github.com/Draft-Lab/db/internal/wire"
	"github.com/Draft-Lab/db/pkg/pool"
)

// ErrNotReady is returned for envelopes arriving before init.
var ErrNotReady = errors.New("engine not initialized")

// ErrDestroyed is returned for envelopes arriving after destroy.
var ErrDestroyed = errors.New("engine destroyed")

// Engine holds one SQLite database and executes wire envelopes against it.
// It is not safe for concurrent use; the worker serializes access.
type Engine struct {
	db        *sql.DB
	path      string
	vfs       string
	memName   string
	ready     bool
	destroyed bool
	logger    *zap.Logger
}

// New returns an uninitialized engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// Handle services one envelope and always produces a response for its id.
func (e *Engine) Handle(ctx context.Context, env wire.Envelope) wire.Response {
	switch env.Type {
	case wire.TypeInit:
		if err := e.Init(env.DatabasePath); err != nil {
			return wire.Fail(env.ID, err)
		}
		return wire.OK(env.ID)

	case wire.TypeExec:
		if env.Statement == nil {
			return wire.Fail(env.ID, errors.New("exec: missing statement"))
		}
		res, err := e.Exec(ctx, *env.Statement)
		if err != nil {
			return wire.Fail(env.ID, err)
		}
		resp := wire.OK(env.ID)
		resp.Result = res
		return resp

	case wire.TypeExecBatch, wire.TypeTransaction:
		results, err := e.ExecTransaction(ctx, env.Statements)
		if err != nil {
			return wire.Fail(env.ID, err)
		}
		resp := wire.OK(env.ID)
		resp.Results = results
		return resp

	case wire.TypeExport:
		exp, err := e.Export(ctx)
		if err != nil {
			return wire.Fail(env.ID, err)
		}
		resp := wire.OK(env.ID)
		resp.Export = exp
		return resp

	case wire.TypeImport:
		if err := e.Import(ctx, env.Data); err != nil {
			return wire.Fail(env.ID, err)
		}
		return wire.OK(env.ID)

	case wire.TypeDestroy:
		if err := e.Destroy(); err != nil {
			return wire.Fail(env.ID, err)
		}
		return wire.OK(env.ID)

	default:
		return wire.Fail(env.ID, fmt.Errorf("unknown envelope type: %s", env.Type))
	}
}

// Init opens the database at path, walking the VFS ladder and applying the
// persistent pragma set. An empty path opens an ephemeral in-memory database.
func (e *Engine) Init(path string) error {
	if e.destroyed {
		return ErrDestroyed
	}
	if e.db != nil {
		e.db.Close()
		e.db = nil
		e.ready = false
		if e.memName != "" {
			memdb.Delete(e.memName)
			e.memName = ""
		}
	}

	if path == "" {
		name := uuid.NewString()
		db, err := OpenMemory(name)
		if err != nil {
			return err
		}
		e.db, e.path, e.vfs, e.memName = db, "", "memdb", name
	} else {
		db, vfs, err := openPersistent(path)
		if err != nil {
			return err
		}
		e.db, e.path, e.vfs = db, path, vfs
	}

	e.ready = true
	e.logger.Debug("engine initialized",
		zap.String("path", e.path),
		zap.String("vfs", e.vfs))
	return nil
}

// Ready reports whether the engine holds an open database.
func (e *Engine) Ready() bool { return e.ready }

func (e *Engine) check() error {
	if e.destroyed {
		return ErrDestroyed
	}
	if !e.ready {
		return ErrNotReady
	}
	return nil
}

// Exec runs one statement and materializes rows per its method.
func (e *Engine) Exec(ctx context.Context, stmt wire.Statement) (*wire.Result, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return runStatement(ctx, e.db, stmt)
}

// ExecTransaction runs stmts in order inside a single SQL transaction.
// Any failure rolls back and no per-statement results escape.
func (e *Engine) ExecTransaction(ctx context.Context, stmts []wire.Statement) ([]wire.Result, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	results := make([]wire.Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := runStatement(ctx, tx, stmt)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
		results = append(results, *res)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

// Export serializes the database into a detached byte buffer.
func (e *Engine) Export(ctx context.Context) (*wire.Export, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	defer conn.Close()

	var data []byte
	err = conn.Raw(func(driverConn any) error {
		rc, ok := driverConn.(interface{ Raw() *sqlite3.Conn })
		if !ok {
			return errors.New("export: driver does not expose raw connection")
		}
		b, err := serdes.Serialize(rc.Raw(), "main")
		if err != nil {
			return err
		}
		// Detach from any driver-owned memory so ownership can transfer.
		data = append([]byte(nil), b...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	name := e.path
	if name == "" {
		name = "draft.db"
	}
	return &wire.Export{Name: name, Data: data}, nil
}

// Import replaces the database contents with the serialized image in data.
// The image is loaded into a scratch in-memory database and written to the
// target path with VACUUM INTO, then the database reopens through the normal
// VFS ladder with pragmas reapplied.
func (e *Engine) Import(ctx context.Context, data []byte) error {
	if err := e.check(); err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("import: empty buffer")
	}

	if e.path == "" {
		// Ephemeral database: mount the image as a fresh memdb.
		name := uuid.NewString()
		memdb.Create(name, data)
		db, err := OpenMemory(name)
		if err != nil {
			memdb.Delete(name)
			return fmt.Errorf("import: %w", err)
		}
		e.db.Close()
		if e.memName != "" {
			memdb.Delete(e.memName)
		}
		e.db, e.memName = db, name
		return nil
	}

	scratch := uuid.NewString()
	memdb.Create(scratch, data)
	defer memdb.Delete(scratch)

	src, err := sql.Open("sqlite3", memdbDSN(scratch))
	if err != nil {
		return fmt.Errorf("import: open scratch: %w", err)
	}
	defer src.Close()
	if err := src.Ping(); err != nil {
		return fmt.Errorf("import: open scratch: %w", err)
	}

	// Release the target file before rewriting it.
	e.db.Close()
	e.db = nil
	e.ready = false
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("import: remove %s: %w", e.path+suffix, err)
		}
	}

	if _, err := src.ExecContext(ctx, "VACUUM INTO "+quoteText(e.path)); err != nil {
		return fmt.Errorf("import: vacuum into: %w", err)
	}

	db, vfs, err := openPersistent(e.path)
	if err != nil {
		return fmt.Errorf("import: reopen: %w", err)
	}
	e.db, e.vfs = db, vfs
	e.ready = true
	e.logger.Debug("database imported", zap.String("path", e.path), zap.Int("bytes", len(data)))
	return nil
}

// Destroy closes the database. Further envelopes fail deterministically.
func (e *Engine) Destroy() error {
	if e.destroyed {
		return ErrDestroyed
	}
	e.ready = false
	e.destroyed = true
	if e.db != nil {
		err := e.db.Close()
		e.db = nil
		if e.memName != "" {
			memdb.Delete(e.memName)
			e.memName = ""
		}
		return err
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for statement execution.
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// runStatement binds params, executes, and materializes per the method.
func runStatement(ctx context.Context, q execer, stmt wire.Statement) (*wire.Result, error) {
	if stmt.Method == wire.MethodRun {
		if _, err := q.ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
			return nil, err
		}
		return &wire.Result{Columns: []string{}, Rows: [][]any{}}, nil
	}

	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &wire.Result{
		Columns: append([]string(nil), cols...),
		Rows:    [][]any{},
	}

	dest := pool.GetScan(len(cols))
	ptrs := pool.GetPtrs(dest)
	defer pool.PutScan(dest)
	defer pool.PutPtrs(ptrs)

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range dest {
			row[i] = ownValue(v)
		}
		result.Rows = append(result.Rows, row)
		if stmt.Method == wire.MethodGet {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ownValue copies driver-owned byte buffers so rows outlive the scan.
func ownValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

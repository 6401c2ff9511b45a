// Package engine owns the SQLite connection behind the worker boundary and
// services wire envelopes: statement execution, atomic batches, full-database
// export and import.
package engine

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/memdb"
)

// pragma is a single SQLite pragma setting.
type pragma struct {
	name  string
	value string
}

// persistentPragmas tune a durable file-backed database.
var persistentPragmas = []pragma{
	{name: "journal_mode", value: "WAL"},
	{name: "synchronous", value: "NORMAL"},
	{name: "cache_size", value: "5000"},
	{name: "foreign_keys", value: "ON"},
	{name: "busy_timeout", value: "5000"},
}

// memoryPragmas tune an ephemeral in-memory database for speed.
var memoryPragmas = []pragma{
	{name: "synchronous", value: "OFF"},
	{name: "journal_mode", value: "MEMORY"},
	{name: "temp_store", value: "MEMORY"},
	{name: "locking_mode", value: "EXCLUSIVE"},
	{name: "cache_size", value: "-64000"},
}

// vfsLadder is the VFS preference order for persistent databases. Names that
// are not registered with the driver fail at open and fall through to the
// next; the empty name selects the driver default.
var vfsLadder = []string{"opfs-sahpool", "opfs", ""}

// buildDSN constructs a ncruces/go-sqlite3 DSN for path using vfs.
func buildDSN(path, vfs string) string {
	var sb strings.Builder
	sb.WriteString("file:")
	sb.WriteString(path)
	sb.WriteString("?_txlock=immediate")
	if vfs != "" {
		sb.WriteString("&vfs=")
		sb.WriteString(vfs)
	}
	return sb.String()
}

// memdbDSN names an in-memory database shared across the connection pool.
func memdbDSN(name string) string {
	return fmt.Sprintf("file:/%s?vfs=memdb", name)
}

// applyPragmas executes each pragma in order against db.
func applyPragmas(db *sql.DB, pragmas []pragma) error {
	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	return nil
}

// openPersistent opens the database at path, walking the VFS ladder until one
// open succeeds, then applies the persistent pragma set.
func openPersistent(path string) (*sql.DB, string, error) {
	var lastErr error
	for _, vfs := range vfsLadder {
		db, err := sql.Open("sqlite3", buildDSN(path, vfs))
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			lastErr = err
			if db != nil {
				db.Close()
			}
			continue
		}
		if err := applyPragmas(db, persistentPragmas); err != nil {
			db.Close()
			return nil, "", err
		}
		return db, vfs, nil
	}
	return nil, "", fmt.Errorf("open %s: no usable vfs: %w", path, lastErr)
}

// OpenMemory opens a named in-memory database over the memdb VFS with the
// memory pragma set. The name scopes sharing: connections from the same pool
// see one database, distinct names are fully isolated.
func OpenMemory(name string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", memdbDSN(name))
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// One connection: the exclusive locking mode would starve a pool, and a
	// single-owner mirror needs no parallelism.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if err := applyPragmas(db, memoryPragmas); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// quoteIdent quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteText quotes a SQL string literal.
func quoteText(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

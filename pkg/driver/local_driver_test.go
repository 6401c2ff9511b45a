package driver

import (
	"context"
	"testing"

	"github.com/Draft-Lab/db/internal/wire"
)

func newLocalDriver(t *testing.T, backend Backend, path string) *LocalDriver {
	t.Helper()
	d := NewLocalDriver()
	if err := d.SetConfig(Config{DatabasePath: path, Backend: backend}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	t.Cleanup(func() { d.Destroy(context.Background()) })
	return d
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	d := newLocalDriver(t, BackendMemory, "")

	if d.HasPersistentStorage() {
		t.Error("memory backend must not report persistence")
	}

	if _, err := d.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := d.Exec(ctx, wire.Statement{
		SQL: "INSERT INTO k VALUES (?)", Params: []any{7}, Method: wire.MethodRun,
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	res, err := d.Exec(ctx, wire.Statement{SQL: "SELECT v FROM k", Method: wire.MethodAll})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != int64(7) {
		t.Errorf("expected [[7]], got %v", res.Rows)
	}
}

func TestLocalStorageSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	path := "snapshot-test.db"

	d := newLocalDriver(t, BackendLocalStorage, path)
	if !d.HasPersistentStorage() {
		t.Error("localStorage backend must report persistence")
	}

	if _, err := d.ExecBatch(ctx, []wire.Statement{
		{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun},
		{SQL: "INSERT INTO k VALUES (1), (2)", Method: wire.MethodRun},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	// A fresh driver on the same path restores from the stored snapshot.
	d2 := newLocalDriver(t, BackendLocalStorage, path)
	res, err := d2.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM k", Method: wire.MethodGet})
	if err != nil {
		t.Fatalf("select after restore failed: %v", err)
	}
	if res.Rows[0][0] != int64(2) {
		t.Errorf("expected restored rows, got %v", res.Rows[0][0])
	}
}

func TestSessionStorageNotPersistent(t *testing.T) {
	d := newLocalDriver(t, BackendSessionStorage, "session-test.db")
	if d.HasPersistentStorage() {
		t.Error("sessionStorage backend must not report persistence")
	}
}

func TestLocalDriverRequiresConfig(t *testing.T) {
	d := NewLocalDriver()
	_, err := d.Exec(context.Background(), wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	if err != ErrNoConfig {
		t.Errorf("expected ErrNoConfig, got %v", err)
	}
}

func TestUnsupportedBackendRejected(t *testing.T) {
	d := NewLocalDriver()
	if err := d.SetConfig(Config{Backend: Backend("carrier-pigeon")}); err == nil {
		t.Error("expected unsupported backend to be rejected")
	}
	if _, err := Open(Config{Backend: Backend("carrier-pigeon")}); err == nil {
		t.Error("Open must reject unsupported backends")
	}
}

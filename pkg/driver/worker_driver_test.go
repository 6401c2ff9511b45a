package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Draft-Lab/db/internal/coord"
	"github.com/Draft-Lab/db/internal/wire"
)

func newWorkerDriver(t *testing.T, path string) *WorkerDriver {
	t.Helper()
	d := NewWorkerDriver()
	if err := d.SetConfig(Config{DatabasePath: path, Backend: BackendWorker}); err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
	t.Cleanup(func() { d.Destroy(context.Background()) })
	return d
}

func TestOperationBeforeConfig(t *testing.T) {
	d := NewWorkerDriver()
	_, err := d.Exec(context.Background(), wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	d := newWorkerDriver(t, filepath.Join(t.TempDir(), "t.db"))

	if d.IsReady() {
		t.Error("driver must not be ready before the first operation")
	}

	if _, err := d.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !d.IsReady() {
		t.Error("driver must be ready after a successful operation")
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
	if len(res.Columns) != 1 || res.Columns[0] != "v" {
		t.Errorf("expected columns [v], got %v", res.Columns)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != int64(7) {
		t.Errorf("expected rows [[7]], got %v", res.Rows)
	}
}

func TestConcurrentFirstOperations(t *testing.T) {
	ctx := context.Background()
	d := newWorkerDriver(t, filepath.Join(t.TempDir(), "t.db"))

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent first op failed: %v", err)
		}
	}
}

func TestInitFailureIsRetriable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	missing := filepath.Join(dir, "sub")
	path := filepath.Join(missing, "t.db")

	d := newWorkerDriver(t, path)

	if _, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet}); err == nil {
		t.Fatal("expected init failure for missing directory")
	}
	if d.IsReady() {
		t.Fatal("driver must not be ready after failed init")
	}

	if err := os.MkdirAll(missing, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet}); err != nil {
		t.Fatalf("second first-operation should succeed: %v", err)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	ctx := context.Background()
	d := newWorkerDriver(t, filepath.Join(t.TempDir(), "t.db"))

	if _, err := d.Exec(ctx, wire.Statement{
		SQL: "CREATE TABLE k (v INTEGER NOT NULL) STRICT", Method: wire.MethodRun,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err := d.Transaction(ctx, []wire.Statement{
		{SQL: "INSERT INTO k VALUES (1)", Method: wire.MethodRun},
		{SQL: "INSERT INTO k VALUES ('x')", Method: wire.MethodRun},
	})
	if err == nil {
		t.Fatal("expected transaction to reject the string insert")
	}

	res, err := d.Exec(ctx, wire.Statement{SQL: "SELECT count(*) FROM k", Method: wire.MethodGet})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if res.Rows[0][0] != int64(0) {
		t.Errorf("expected 0 rows after rollback, got %v", res.Rows[0][0])
	}
}

func TestExportImportAcrossDrivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := newWorkerDriver(t, filepath.Join(dir, "a.db"))
	if _, err := a.ExecBatch(ctx, []wire.Statement{
		{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun},
		{SQL: "INSERT INTO k VALUES (1), (2), (3)", Method: wire.MethodRun},
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	buf, err := a.ExportDatabase(ctx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	b := newWorkerDriver(t, filepath.Join(dir, "b.db"))
	if err := b.ImportDatabase(ctx, buf); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	res, err := b.Exec(ctx, wire.Statement{SQL: "SELECT v FROM k ORDER BY rowid", Method: wire.MethodAll})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(res.Rows))
	}
	for i, want := range []int64{1, 2, 3} {
		if res.Rows[i][0] != want {
			t.Errorf("row %d: want %d, got %v", i, want, res.Rows[i][0])
		}
	}
}

func TestCrossInstanceReinitBroadcast(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	a := newWorkerDriver(t, path)
	b := newWorkerDriver(t, path)

	var aClose, aReinit, bClose, bReinit int
	a.OnClose(func(coord.Message) { aClose++ })
	a.OnReinit(func(coord.Message) { aReinit++ })
	b.OnClose(func(coord.Message) { bClose++ })
	b.OnReinit(func(coord.Message) { bReinit++ })

	if _, err := a.Exec(ctx, wire.Statement{SQL: "CREATE TABLE k (v INT)", Method: wire.MethodRun}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	buf, err := a.ExportDatabase(ctx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	// Force b's init so it subscribes before the import broadcasts.
	if _, err := b.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet}); err != nil {
		t.Fatalf("b init failed: %v", err)
	}

	if err := a.ImportDatabase(ctx, buf); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if bClose != 1 || bReinit != 1 {
		t.Errorf("peer must see close and reinit exactly once, got close=%d reinit=%d", bClose, bReinit)
	}
	if aClose != 0 || aReinit != 0 {
		t.Errorf("importer must not see its own broadcasts, got close=%d reinit=%d", aClose, aReinit)
	}
}

func TestDestroyRejectsAndPoisons(t *testing.T) {
	ctx := context.Background()
	d := newWorkerDriver(t, filepath.Join(t.TempDir(), "t.db"))

	if _, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("destroy must be idempotent: %v", err)
	}
	if d.IsReady() {
		t.Error("driver must not be ready after destroy")
	}

	_, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	_, err = d.ExecBatch(ctx, []wire.Statement{{SQL: "SELECT 1", Method: wire.MethodGet}})
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed from batch, got %v", err)
	}
}

func TestTimeoutBudgets(t *testing.T) {
	cases := []struct {
		typ  wire.Type
		want time.Duration
	}{
		{wire.TypeInit, 30 * time.Second},
		{wire.TypeImport, 60 * time.Second},
		{wire.TypeExport, 30 * time.Second},
		{wire.TypeExecBatch, 15 * time.Second},
		{wire.TypeTransaction, 15 * time.Second},
		{wire.TypeExec, 5 * time.Second},
		{wire.TypeDestroy, 2 * time.Second},
		{wire.Type("other"), 10 * time.Second},
	}
	for _, tc := range cases {
		if got := timeoutFor(tc.typ); got != tc.want {
			t.Errorf("timeoutFor(%s): want %v, got %v", tc.typ, tc.want, got)
		}
	}

	err := timeoutError(wire.TypeExec, 5*time.Second)
	if !strings.Contains(err.Error(), "timeout after 5000ms") ||
		!strings.Contains(err.Error(), "operation: exec") {
		t.Errorf("timeout message must name budget and operation: %v", err)
	}
}

func TestSQLiteErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	d := newWorkerDriver(t, filepath.Join(t.TempDir(), "t.db"))

	_, err := d.Exec(ctx, wire.Statement{SQL: "SELECT * FROM missing", Method: wire.MethodAll})
	if err == nil {
		t.Fatal("expected SQLite error for missing table")
	}
	// The driver must stay usable after a statement error.
	if _, err := d.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet}); err != nil {
		t.Fatalf("driver poisoned by statement error: %v", err)
	}
}

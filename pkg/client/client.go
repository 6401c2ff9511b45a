// Package client is the typed façade over a driver: query/get/run helpers,
// template-string statement assembly, recorded batches and transactions, and
// rowset-to-object materialization.
package client

import (
	"context"

	"github.com/Draft-Lab/db/internal/wire"
	"github.com/Draft-Lab/db/pkg/driver"
)

// Row is one materialized result row, fields keyed by column name.
type Row map[string]any

// Status describes the driver behind a client.
type Status struct {
	Ready      bool `json:"ready"`
	Persistent bool `json:"persistent"`
	// PendingSync is set for dual-engine drivers: writes not yet durable.
	PendingSync *int `json:"pendingSync,omitempty"`
	// Degraded is set for dual-engine drivers: true when boot sync or worker
	// recovery failed.
	Degraded *bool `json:"degraded,omitempty"`
}

// Client wraps a driver with a statement-shaping surface.
type Client struct {
	drv driver.Driver
}

// New wraps an existing driver.
func New(drv driver.Driver) *Client {
	return &Client{drv: drv}
}

// Open builds the driver for cfg and wraps it.
func Open(cfg driver.Config) (*Client, error) {
	drv, err := driver.Open(cfg)
	if err != nil {
		return nil, err
	}
	return New(drv), nil
}

// Driver exposes the underlying driver.
func (c *Client) Driver() driver.Driver { return c.drv }

// Query runs sql with method all and materializes every row.
func (c *Client) Query(ctx context.Context, sql string, params ...any) ([]Row, error) {
	res, err := c.drv.Exec(ctx, wire.Statement{SQL: sql, Params: params, Method: wire.MethodAll})
	if err != nil {
		return nil, err
	}
	return Materialize(res), nil
}

// Get runs sql with method get and returns the single row, or nil when the
// result is empty.
func (c *Client) Get(ctx context.Context, sql string, params ...any) (Row, error) {
	res, err := c.drv.Exec(ctx, wire.Statement{SQL: sql, Params: params, Method: wire.MethodGet})
	if err != nil {
		return nil, err
	}
	rows := Materialize(res)
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Run executes sql for effect, discarding rows.
func (c *Client) Run(ctx context.Context, sql string, params ...any) error {
	_, err := c.drv.Exec(ctx, wire.Statement{SQL: sql, Params: params, Method: wire.MethodRun})
	return err
}

// Batch records statements through the callback and submits them as one
// atomic batch, returning per-statement materialized rows.
func (c *Client) Batch(ctx context.Context, fn func(*Recorder)) ([][]Row, error) {
	rec := &Recorder{}
	fn(rec)
	results, err := c.drv.ExecBatch(ctx, rec.stmts)
	if err != nil {
		return nil, err
	}
	return materializeAll(results), nil
}

// Transaction records statements through the callback and submits them inside
// one transaction. The callback cannot branch on intermediate results: this
// is statement recording, not an interactive transaction.
func (c *Client) Transaction(ctx context.Context, fn func(*Recorder)) ([][]Row, error) {
	rec := &Recorder{}
	fn(rec)
	results, err := c.drv.Transaction(ctx, rec.stmts)
	if err != nil {
		return nil, err
	}
	return materializeAll(results), nil
}

// Export serializes the database.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	return c.drv.ExportDatabase(ctx)
}

// Import replaces the database contents.
func (c *Client) Import(ctx context.Context, data []byte) error {
	return c.drv.ImportDatabase(ctx, data)
}

// Ready forces initialization and blocks until the driver is usable.
func (c *Client) Ready(ctx context.Context) error {
	if c.drv.IsReady() {
		return nil
	}
	_, err := c.drv.Exec(ctx, wire.Statement{SQL: "SELECT 1", Method: wire.MethodGet})
	return err
}

// Close destroys the driver.
func (c *Client) Close(ctx context.Context) error {
	return c.drv.Destroy(ctx)
}

// Status reports driver readiness, persistence, and sync backlog.
func (c *Client) Status() Status {
	s := Status{
		Ready:      c.drv.IsReady(),
		Persistent: c.drv.HasPersistentStorage(),
	}
	if dd, ok := c.drv.(interface{ PendingSyncCount() int }); ok {
		n := dd.PendingSyncCount()
		s.PendingSync = &n
	}
	if dd, ok := c.drv.(interface{ Degraded() bool }); ok {
		deg := dd.Degraded()
		s.Degraded = &deg
	}
	return s
}

// Recorder collects statements for Batch and Transaction callbacks.
type Recorder struct {
	stmts []wire.Statement
}

// Run records a statement executed for effect.
func (r *Recorder) Run(sql string, params ...any) {
	r.stmts = append(r.stmts, wire.Statement{SQL: sql, Params: params, Method: wire.MethodRun})
}

// Query records a statement returning all rows.
func (r *Recorder) Query(sql string, params ...any) {
	r.stmts = append(r.stmts, wire.Statement{SQL: sql, Params: params, Method: wire.MethodAll})
}

// Get records a statement returning the first row.
func (r *Recorder) Get(sql string, params ...any) {
	r.stmts = append(r.stmts, wire.Statement{SQL: sql, Params: params, Method: wire.MethodGet})
}

// Materialize converts a raw result into rows keyed by column name. Each row
// is a fresh object; extra cells beyond the column list are dropped.
func Materialize(res *wire.Result) []Row {
	if res == nil {
		return nil
	}
	rows := make([]Row, 0, len(res.Rows))
	for _, tuple := range res.Rows {
		row := make(Row, len(res.Columns))
		for i, col := range res.Columns {
			if i < len(tuple) {
				row[col] = tuple[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func materializeAll(results []wire.Result) [][]Row {
	out := make([][]Row, 0, len(results))
	for i := range results {
		out = append(out, Materialize(&results[i]))
	}
	return out
}

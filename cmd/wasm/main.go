//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall/js"

	"github.com/Draft-Lab/db/internal/wire"
	"github.com/Draft-Lab/db/pkg/client"
	"github.com/Draft-Lab/db/pkg/driver"
)

// Version info
const Version = "1.0.0"

// Global state
var db *client.Client

func main() {
	fmt.Println("[DraftDB] WASM Ready v" + Version)

	js.Global().Set("DraftDB", js.ValueOf(map[string]interface{}{
		"version":   js.FuncOf(getVersion),
		"dbInit":    js.FuncOf(dbInit),
		"dbExec":    js.FuncOf(dbExec),
		"dbQuery":   js.FuncOf(dbQuery),
		"dbGet":     js.FuncOf(dbGet),
		"dbRun":     js.FuncOf(dbRun),
		"dbBatch":   js.FuncOf(dbBatch),
		"dbExport":  js.FuncOf(dbExport),
		"dbImport":  js.FuncOf(dbImport),
		"dbStatus":  js.FuncOf(dbStatus),
		"dbDestroy": js.FuncOf(dbDestroy),
	}))

	select {}
}

func getVersion(this js.Value, args []js.Value) interface{} {
	return Version
}

// dbInit configures and initializes the driver.
// Args: [configJSON string] with {databasePath, backend, verbose, dual}
func dbInit(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbInit requires 1 arg: configJSON")
	}

	var cfg struct {
		DatabasePath string `json:"databasePath"`
		Backend      string `json:"backend"`
		Verbose      bool   `json:"verbose"`
		Dual         bool   `json:"dual"`
	}
	if err := json.Unmarshal([]byte(args[0].String()), &cfg); err != nil {
		return errorResult("invalid config json: " + err.Error())
	}

	conf := driver.Config{
		DatabasePath: cfg.DatabasePath,
		Backend:      driver.Backend(cfg.Backend),
		Verbose:      cfg.Verbose,
	}

	var drv driver.Driver
	if cfg.Dual {
		d := driver.NewDualDriver()
		if err := d.SetConfig(conf); err != nil {
			return errorResult("config rejected: " + err.Error())
		}
		drv = d
	} else {
		var err error
		drv, err = driver.Open(conf)
		if err != nil {
			return errorResult("config rejected: " + err.Error())
		}
	}

	db = client.New(drv)
	if err := db.Ready(context.Background()); err != nil {
		return errorResult("init failed: " + err.Error())
	}

	fmt.Println("[DraftDB] database ready:", cfg.DatabasePath)
	return successResult("initialized")
}

// dbExec runs one statement with an explicit method.
// Args: [sql string, paramsJSON string, method string]
func dbExec(this js.Value, args []js.Value) interface{} {
	if len(args) < 3 {
		return errorResult("dbExec requires 3 args: sql, paramsJSON, method")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	params, err := decodeParams(args[1].String())
	if err != nil {
		return errorResult(err.Error())
	}

	res, err := db.Driver().Exec(context.Background(), wire.Statement{
		SQL:    args[0].String(),
		Params: params,
		Method: wire.Method(args[2].String()),
	})
	if err != nil {
		return errorResult("exec failed: " + err.Error())
	}
	return jsonResult(res)
}

// dbQuery runs sql and returns materialized rows.
// Args: [sql string, paramsJSON string]
func dbQuery(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbQuery requires 1+ args: sql, [paramsJSON]")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	params, err := decodeOptionalParams(args)
	if err != nil {
		return errorResult(err.Error())
	}

	rows, err := db.Query(context.Background(), args[0].String(), params...)
	if err != nil {
		return errorResult("query failed: " + err.Error())
	}
	return jsonResult(rows)
}

// dbGet runs sql and returns the single row or null.
// Args: [sql string, paramsJSON string]
func dbGet(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbGet requires 1+ args: sql, [paramsJSON]")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	params, err := decodeOptionalParams(args)
	if err != nil {
		return errorResult(err.Error())
	}

	row, err := db.Get(context.Background(), args[0].String(), params...)
	if err != nil {
		return errorResult("get failed: " + err.Error())
	}
	return jsonResult(row)
}

// dbRun executes sql for effect.
// Args: [sql string, paramsJSON string]
func dbRun(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbRun requires 1+ args: sql, [paramsJSON]")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	params, err := decodeOptionalParams(args)
	if err != nil {
		return errorResult(err.Error())
	}

	if err := db.Run(context.Background(), args[0].String(), params...); err != nil {
		return errorResult("run failed: " + err.Error())
	}
	return successResult("ok")
}

// dbBatch runs a JSON array of {sql, params, method} atomically.
// Args: [statementsJSON string]
func dbBatch(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbBatch requires 1 arg: statementsJSON")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	var stmts []wire.Statement
	if err := json.Unmarshal([]byte(args[0].String()), &stmts); err != nil {
		return errorResult("invalid statements json: " + err.Error())
	}

	results, err := db.Driver().ExecBatch(context.Background(), stmts)
	if err != nil {
		return errorResult("batch failed: " + err.Error())
	}
	return jsonResult(results)
}

// dbExport serializes the database to a Uint8Array.
// Args: []
func dbExport(this js.Value, args []js.Value) interface{} {
	if db == nil {
		return errorResult("database not initialized")
	}

	data, err := db.Export(context.Background())
	if err != nil {
		return errorResult("export failed: " + err.Error())
	}

	// Create a Uint8Array in JS and copy bytes over
	jsArray := js.Global().Get("Uint8Array").New(len(data))
	js.CopyBytesToJS(jsArray, data)

	fmt.Printf("[DraftDB] exported %d bytes\n", len(data))
	return jsArray
}

// dbImport restores the database from a Uint8Array.
// Args: [data Uint8Array]
func dbImport(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("dbImport requires 1 arg: data (Uint8Array)")
	}
	if db == nil {
		return errorResult("database not initialized")
	}

	jsArray := args[0]
	length := jsArray.Get("length").Int()
	data := make([]byte, length)
	js.CopyBytesToGo(data, jsArray)

	if err := db.Import(context.Background(), data); err != nil {
		return errorResult("import failed: " + err.Error())
	}

	fmt.Printf("[DraftDB] imported %d bytes\n", length)
	return successResult("imported")
}

// dbStatus returns {ready, persistent, pendingSync?, degraded?}.
func dbStatus(this js.Value, args []js.Value) interface{} {
	if db == nil {
		return errorResult("database not initialized")
	}
	return jsonResult(db.Status())
}

// dbDestroy tears the driver down.
func dbDestroy(this js.Value, args []js.Value) interface{} {
	if db == nil {
		return successResult("already destroyed")
	}
	db.Close(context.Background())
	db = nil
	return successResult("destroyed")
}

func decodeParams(raw string) ([]any, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var params []any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid params json: %w", err)
	}
	return params, nil
}

func decodeOptionalParams(args []js.Value) ([]any, error) {
	if len(args) < 2 {
		return nil, nil
	}
	return decodeParams(args[1].String())
}

// Helper: Create error result
func errorResult(msg string) interface{} {
	result := map[string]interface{}{
		"error": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}

// Helper: Create success result
func successResult(msg string) interface{} {
	result := map[string]interface{}{
		"success": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}

// Helper: Marshal any value as a JSON string result
func jsonResult(v interface{}) interface{} {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return string(jsonBytes)
}

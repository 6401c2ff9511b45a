// Package wire defines the message envelope exchanged with the storage
// worker. Requests and responses are correlated by id; the payload schema is
// selected by the envelope type.
package wire

// Type identifies the operation an envelope carries.
type Type string

const (
	TypeInit        Type = "init"
	TypeExec        Type = "exec"
	TypeExecBatch   Type = "execBatch"
	TypeTransaction Type = "transaction"
	TypeExport      Type = "export"
	TypeImport      Type = "import"
	TypeDestroy     Type = "destroy"
)

// Method selects how an executed statement materializes rows.
type Method string

const (
	MethodRun    Method = "run"
	MethodGet    Method = "get"
	MethodAll    Method = "all"
	MethodValues Method = "values"
)

// Statement is one SQL operation. The SQL text is opaque to the driver;
// params are bound positionally. Valid param and cell values are nil, bool,
// int, int64, float64, string and []byte.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
	Method Method `json:"method"`
}

// Result is the raw outcome of a statement: row tuples aligned to Columns.
// Ownership transfers to the receiver.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Export carries a serialized database image.
type Export struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Envelope is a request crossing the worker boundary. At most one payload
// field is populated, selected by Type; export and destroy carry none.
type Envelope struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`

	DatabasePath string      `json:"databasePath,omitempty"` // init
	Statement    *Statement  `json:"statement,omitempty"`    // exec
	Statements   []Statement `json:"statements,omitempty"`   // execBatch, transaction
	Data         []byte      `json:"data,omitempty"`         // import
}

// Response answers exactly one Envelope, matched by ID. On Success the result
// field appropriate to the request type is set; otherwise Error holds the
// failure message verbatim.
type Response struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Result  *Result  `json:"result,omitempty"`  // exec
	Results []Result `json:"results,omitempty"` // execBatch, transaction
	Export  *Export  `json:"export,omitempty"`  // export
}

// OK builds a success response for id.
func OK(id string) Response {
	return Response{ID: id, Success: true}
}

// Fail builds an error response for id.
func Fail(id string, err error) Response {
	return Response{ID: id, Error: err.Error()}
}

package client

import (
	"strings"

	"github.com/Draft-Lab/db/internal/wire"
)

// SQL assembles a statement from template parts: a `?` placeholder is woven
// between consecutive literal parts and the interpolated values become the
// ordered parameter list. The counterpart of a tagged template literal,
// exposed as a single pure helper.
//
//	SQL([]string{"SELECT ", "+", " AS s"}, 1, 2)
//	  => Statement{SQL: "SELECT ?+? AS s", Params: [1, 2]}
func SQL(parts []string, values ...any) wire.Statement {
	if len(parts) == 0 {
		return wire.Statement{Method: wire.MethodAll}
	}

	var sb strings.Builder
	sb.WriteString(parts[0])
	for i, part := range parts[1:] {
		if i < len(values) {
			sb.WriteByte('?')
		}
		sb.WriteString(part)
	}

	params := append([]any(nil), values...)
	if len(params) > len(parts)-1 {
		params = params[:len(parts)-1]
	}
	return wire.Statement{SQL: sb.String(), Params: params, Method: wire.MethodAll}
}

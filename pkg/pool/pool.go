// Package pool provides object pooling to reduce GC pressure on the row
// materialization hot path.
package pool

import (
	"sync"
)

// ScanPool pools []any destinations used when scanning SQLite rows.
var ScanPool = sync.Pool{
	New: func() interface{} {
		return make([]any, 0, 16)
	},
}

// PtrPool pools []any slices holding pointers into a scan destination.
var PtrPool = sync.Pool{
	New: func() interface{} {
		return make([]any, 0, 16)
	},
}

// GetScan gets a scan destination sized to n cells.
// The returned slice is zeroed; values copied out of it must be owned copies.
func GetScan(n int) []any {
	s := ScanPool.Get().([]any)
	if cap(s) < n {
		s = make([]any, n)
	}
	s = s[:n]
	for i := range s {
		s[i] = nil
	}
	return s
}

// PutScan returns a scan destination to the pool.
func PutScan(s []any) {
	ScanPool.Put(s[:0])
}

// GetPtrs gets a pointer slice aliasing each cell of dest.
func GetPtrs(dest []any) []any {
	p := PtrPool.Get().([]any)
	if cap(p) < len(dest) {
		p = make([]any, len(dest))
	}
	p = p[:len(dest)]
	for i := range dest {
		p[i] = &dest[i]
	}
	return p
}

// PutPtrs returns a pointer slice to the pool.
func PutPtrs(p []any) {
	for i := range p {
		p[i] = nil
	}
	PtrPool.Put(p[:0])
}

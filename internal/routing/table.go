// Package routing holds the authoritative in-process map from identity to
// the currently connected client registration.
package routing

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Table maps tokens to live registration handles. H is the registration
// pointer type; it must be comparable so Unregister can verify that the
// handle being removed is the one currently held.
//
// Invariants: at most one handle per token, insertion is atomic with respect
// to lookup, and Unregister is idempotent.
type Table[H comparable] struct {
	m *xsync.Map[string, H]
}

// NewTable creates an empty routing table.
func NewTable[H comparable]() *Table[H] {
	return &Table[H]{m: xsync.NewMap[string, H]()}
}

// Register installs h as the owner of token and returns the displaced prior
// handle, if any. The caller is responsible for gracefully closing a
// displaced registration.
func (t *Table[H]) Register(token string, h H) (displaced H, hadPrior bool) {
	prior, loaded := t.m.LoadAndStore(token, h)
	if !loaded {
		var zero H
		return zero, false
	}
	return prior, true
}

// Lookup returns the handle currently owning token.
func (t *Table[H]) Lookup(token string) (H, bool) {
	return t.m.Load(token)
}

// Unregister removes token only if the held handle equals h, tolerating the
// race where a newer registration has already displaced it. Reports whether
// the entry was removed.
func (t *Table[H]) Unregister(token string, h H) bool {
	removed := false
	t.m.Compute(token, func(old H, loaded bool) (H, xsync.ComputeOp) {
		if !loaded || old != h {
			return old, xsync.CancelOp
		}
		removed = true
		return old, xsync.DeleteOp
	})
	return removed
}

// Range iterates over all live registrations. fn returning false stops the
// iteration.
func (t *Table[H]) Range(fn func(token string, h H) bool) {
	t.m.Range(fn)
}

// Len returns the number of live registrations.
func (t *Table[H]) Len() int {
	return t.m.Size()
}

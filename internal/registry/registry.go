// Package registry implements the stable-id arena described in Design Note
// §9 ("Cyclic ownership... implement as arena with stable ids"): every cell,
// worker, pin, connection and context is registered under a uint64 ID in
// its Manager's tables, and the pin→worker link is an ID plus a lookup that
// can report a destroyed worker instead of dangling. A structured cell's
// channel hooks hold a direct pointer to their structured cell.
//
// Built on github.com/puzpuzpuz/xsync/v3's lock-light concurrent map: the
// Manager needs concurrent reads from its id→entity tables while an
// off-main-thread producer pushes work items onto the shared queue (spec
// §5), so a sync.Map-style structure is the right fit for these indices
// even though mutation of the entities themselves is serialized onto the
// main thread.
package registry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ID is a stable handle for one entity in a Manager's arena. Zero is never
// issued by IDGen and is used as the sentinel "no id" value.
type ID uint64

// IDGen hands out monotonically increasing IDs, safe for concurrent use.
type IDGen struct {
	n atomic.Uint64
}

// Next returns a fresh, never-before-issued ID.
func (g *IDGen) Next() ID {
	return ID(g.n.Add(1))
}

// Table is a concurrent-safe id-indexed arena for one entity kind (cells,
// workers, pins, connections or contexts).
type Table[T any] struct {
	m *xsync.MapOf[ID, T]
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{m: xsync.NewMapOf[ID, T]()}
}

// Insert stores v under id, overwriting any previous value.
func (t *Table[T]) Insert(id ID, v T) {
	t.m.Store(id, v)
}

// Get returns the value stored under id, if any.
func (t *Table[T]) Get(id ID) (T, bool) {
	return t.m.Load(id)
}

// Delete tombstones id: subsequent Get calls report !ok.
func (t *Table[T]) Delete(id ID) {
	t.m.Delete(id)
}

// Range calls f for every entry in the table. f returning false stops
// iteration early. Iteration order is unspecified.
func (t *Table[T]) Range(f func(ID, T) bool) {
	t.m.Range(f)
}

// Len reports the number of entries currently in the table.
func (t *Table[T]) Len() int {
	return t.m.Size()
}

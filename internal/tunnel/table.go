// Package tunnel multiplexes logical TCP streams over one shared frame
// channel. The Originator opens streams on behalf of SOCKS5 clients and the
// Terminator dials them out as real TCP connections.
package tunnel

import (
	"errors"
	"io"
	"sync"
)

// ErrStreamExists is returned by Table.Put when the stream id is still live.
var ErrStreamExists = errors.New("stream id already in use")

// Table maps live stream ids to their attached local resource. Removal is the
// only way to release a resource and happens at most once per Put, so the
// I/O-failure path and the peer-close path can race safely.
type Table[V io.Closer] struct {
	m sync.Map // uint32 → V
}

// NewTable creates an empty stream table.
func NewTable[V io.Closer]() *Table[V] {
	return &Table[V]{}
}

// Put registers v under id. It fails if id is already live.
func (t *Table[V]) Put(id uint32, v V) error {
	if _, loaded := t.m.LoadOrStore(id, v); loaded {
		return ErrStreamExists
	}
	return nil
}

// Get looks up the entry for id.
func (t *Table[V]) Get(id uint32) (V, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// RemoveIfPresent atomically removes id. Exactly one of any number of
// concurrent callers observes ok == true.
func (t *Table[V]) RemoveIfPresent(id uint32) (V, bool) {
	v, ok := t.m.LoadAndDelete(id)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// CompareAndRemove removes id only while it still maps to v.
func (t *Table[V]) CompareAndRemove(id uint32, v V) bool {
	return t.m.CompareAndDelete(id, v)
}

// Release removes id and closes its resource. It reports whether this call
// performed the removal.
func (t *Table[V]) Release(id uint32) bool {
	v, ok := t.RemoveIfPresent(id)
	if ok {
		v.Close()
	}
	return ok
}

// Drain removes and closes every entry, returning how many were released.
func (t *Table[V]) Drain() int {
	n := 0
	t.m.Range(func(key, _ any) bool {
		if t.Release(key.(uint32)) {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of live entries.
func (t *Table[V]) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// IDs returns a snapshot of the live stream ids.
func (t *Table[V]) IDs() []uint32 {
	var ids []uint32
	t.m.Range(func(key, _ any) bool {
		ids = append(ids, key.(uint32))
		return true
	})
	return ids
}

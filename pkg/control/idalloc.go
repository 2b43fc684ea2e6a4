package control

import (
	"errors"
	"math"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
)

// ErrIDsExhausted is returned when every backend id is in use.
var ErrIDsExhausted = errors.New("backend ids exhausted")

// IDAllocator hands out backend table ids and remembers them per backend,
// so that a backend keeps its id for as long as it is referenced.
type IDAllocator struct {
	next   lbmap.BackendID
	byKey  map[string]lbmap.BackendID
	owners map[lbmap.BackendID]string
}

// NewIDAllocator returns an allocator starting at id 1.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{
		next:   1,
		byKey:  make(map[string]lbmap.BackendID),
		owners: make(map[lbmap.BackendID]string),
	}
}

// Lookup returns the id currently held by key.
func (a *IDAllocator) Lookup(key string) (lbmap.BackendID, bool) {
	id, ok := a.byKey[key]
	return id, ok
}

// Reserve binds key to id. A different key holding id loses it and gets a
// fresh id on its next Allocate.
func (a *IDAllocator) Reserve(key string, id lbmap.BackendID) {
	if prev, ok := a.owners[id]; ok && prev != key {
		delete(a.byKey, prev)
	}
	if old, ok := a.byKey[key]; ok && old != id {
		delete(a.owners, old)
	}
	a.byKey[key] = id
	a.owners[id] = key
}

// Adopt binds key to id only when neither is known yet. It is used to carry
// ids over from tables that outlived a previous process.
func (a *IDAllocator) Adopt(key string, id lbmap.BackendID) bool {
	if _, ok := a.byKey[key]; ok {
		return false
	}
	if _, ok := a.owners[id]; ok {
		return false
	}
	a.byKey[key] = id
	a.owners[id] = key
	return true
}

// Allocate returns key's id, assigning the next free one if it has none.
func (a *IDAllocator) Allocate(key string) (lbmap.BackendID, error) {
	if id, ok := a.byKey[key]; ok {
		return id, nil
	}
	if len(a.owners) >= math.MaxUint32 {
		return 0, ErrIDsExhausted
	}
	for {
		id := a.next
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if _, used := a.owners[id]; !used {
			a.byKey[key] = id
			a.owners[id] = key
			return id, nil
		}
	}
}

// Release forgets key's id so it can be handed out again.
func (a *IDAllocator) Release(key string) {
	if id, ok := a.byKey[key]; ok {
		delete(a.owners, id)
		delete(a.byKey, key)
	}
}

// Len returns the number of ids in use.
func (a *IDAllocator) Len() int {
	return len(a.byKey)
}

// Retain releases every id whose key is not in keep.
func (a *IDAllocator) Retain(keep map[string]bool) {
	for key := range a.byKey {
		if !keep[key] {
			a.Release(key)
		}
	}
}

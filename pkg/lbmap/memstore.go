package lbmap

import (
	"fmt"
	"maps"
	"sync"
)

// MemStore is an in-process Store. Reads take a shared lock for a single map
// access; Update applies a group of writes atomically.
type MemStore struct {
	mu         sync.RWMutex
	services   map[ServiceKey]ServiceRecord
	backends   map[BackendID]BackendRecord
	maxEntries int
}

// NewMemStore creates an empty MemStore. maxEntries bounds each table;
// zero or less selects DefaultMaxEntries.
func NewMemStore(maxEntries int) *MemStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemStore{
		services:   make(map[ServiceKey]ServiceRecord),
		backends:   make(map[BackendID]BackendRecord),
		maxEntries: maxEntries,
	}
}

// GetService returns the service entry at key.
func (s *MemStore) GetService(key ServiceKey) (ServiceRecord, bool) {
	s.mu.RLock()
	record, ok := s.services[key]
	s.mu.RUnlock()
	return record, ok
}

// GetBackend returns the backend entry with id.
func (s *MemStore) GetBackend(id BackendID) (BackendRecord, bool) {
	s.mu.RLock()
	record, ok := s.backends[id]
	s.mu.RUnlock()
	return record, ok
}

// PutService creates or replaces the service entry at key.
func (s *MemStore) PutService(key ServiceKey, record ServiceRecord) error {
	return s.Update(func(tx *Txn) error { return tx.PutService(key, record) })
}

// DeleteService removes the service entry at key.
func (s *MemStore) DeleteService(key ServiceKey) error {
	return s.Update(func(tx *Txn) error { return tx.DeleteService(key) })
}

// PutBackend creates or replaces the backend entry with id.
func (s *MemStore) PutBackend(id BackendID, record BackendRecord) error {
	return s.Update(func(tx *Txn) error { return tx.PutBackend(id, record) })
}

// DeleteBackend removes the backend entry with id.
func (s *MemStore) DeleteBackend(id BackendID) error {
	return s.Update(func(tx *Txn) error { return tx.DeleteBackend(id) })
}

// Services returns a copy of the service table.
func (s *MemStore) Services() (map[ServiceKey]ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.services), nil
}

// Backends returns a copy of the backend table.
func (s *MemStore) Backends() (map[BackendID]BackendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.backends), nil
}

// Close drops all entries.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make(map[ServiceKey]ServiceRecord)
	s.backends = make(map[BackendID]BackendRecord)
	return nil
}

// Update runs fn against a transaction and publishes its writes atomically.
// If fn returns an error none of its writes become visible.
func (s *MemStore) Update(fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Txn{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	for _, op := range tx.ops {
		op()
	}
	return nil
}

// Txn buffers writes for MemStore.Update. It also satisfies Store so that
// Writer can run inside a transaction; reads observe the buffered writes.
type Txn struct {
	store    *MemStore
	ops      []func()
	services map[ServiceKey]*ServiceRecord // nil value marks a delete
	backends map[BackendID]*BackendRecord
}

// GetService sees the writes made earlier in the transaction.
func (tx *Txn) GetService(key ServiceKey) (ServiceRecord, bool) {
	if pending, ok := tx.services[key]; ok {
		if pending == nil {
			return ServiceRecord{}, false
		}
		return *pending, true
	}
	record, ok := tx.store.services[key]
	return record, ok
}

// GetBackend sees the writes made earlier in the transaction.
func (tx *Txn) GetBackend(id BackendID) (BackendRecord, bool) {
	if pending, ok := tx.backends[id]; ok {
		if pending == nil {
			return BackendRecord{}, false
		}
		return *pending, true
	}
	record, ok := tx.store.backends[id]
	return record, ok
}

// PutService stages a service entry, failing with ErrTableFull past capacity.
func (tx *Txn) PutService(key ServiceKey, record ServiceRecord) error {
	if _, exists := tx.GetService(key); !exists && tx.serviceCount()+1 > tx.store.maxEntries {
		return fmt.Errorf("put service %s: %w", key, ErrTableFull)
	}
	if tx.services == nil {
		tx.services = make(map[ServiceKey]*ServiceRecord)
	}
	tx.services[key] = &record
	tx.ops = append(tx.ops, func() { tx.store.services[key] = record })
	return nil
}

// DeleteService stages the removal of a service entry.
func (tx *Txn) DeleteService(key ServiceKey) error {
	if _, exists := tx.GetService(key); !exists {
		return fmt.Errorf("delete service %s: %w", key, ErrNotFound)
	}
	if tx.services == nil {
		tx.services = make(map[ServiceKey]*ServiceRecord)
	}
	tx.services[key] = nil
	tx.ops = append(tx.ops, func() { delete(tx.store.services, key) })
	return nil
}

// PutBackend stages a backend entry, failing with ErrTableFull past capacity.
func (tx *Txn) PutBackend(id BackendID, record BackendRecord) error {
	if _, exists := tx.GetBackend(id); !exists && tx.backendCount()+1 > tx.store.maxEntries {
		return fmt.Errorf("put backend %d: %w", id, ErrTableFull)
	}
	if tx.backends == nil {
		tx.backends = make(map[BackendID]*BackendRecord)
	}
	tx.backends[id] = &record
	tx.ops = append(tx.ops, func() { tx.store.backends[id] = record })
	return nil
}

// DeleteBackend stages the removal of a backend entry.
func (tx *Txn) DeleteBackend(id BackendID) error {
	if _, exists := tx.GetBackend(id); !exists {
		return fmt.Errorf("delete backend %d: %w", id, ErrNotFound)
	}
	if tx.backends == nil {
		tx.backends = make(map[BackendID]*BackendRecord)
	}
	tx.backends[id] = nil
	tx.ops = append(tx.ops, func() { delete(tx.store.backends, id) })
	return nil
}

// Services returns the service table as the transaction sees it.
func (tx *Txn) Services() (map[ServiceKey]ServiceRecord, error) {
	result := maps.Clone(tx.store.services)
	for key, pending := range tx.services {
		if pending == nil {
			delete(result, key)
		} else {
			result[key] = *pending
		}
	}
	return result, nil
}

// Backends returns the backend table as the transaction sees it.
func (tx *Txn) Backends() (map[BackendID]BackendRecord, error) {
	result := maps.Clone(tx.store.backends)
	for id, pending := range tx.backends {
		if pending == nil {
			delete(result, id)
		} else {
			result[id] = *pending
		}
	}
	return result, nil
}

// Close is a no-op; the transaction ends when Update returns.
func (tx *Txn) Close() error { return nil }

func (tx *Txn) serviceCount() int {
	n := len(tx.store.services)
	for key, pending := range tx.services {
		_, committed := tx.store.services[key]
		switch {
		case pending == nil && committed:
			n--
		case pending != nil && !committed:
			n++
		}
	}
	return n
}

func (tx *Txn) backendCount() int {
	n := len(tx.store.backends)
	for id, pending := range tx.backends {
		_, committed := tx.store.backends[id]
		switch {
		case pending == nil && committed:
			n--
		case pending != nil && !committed:
			n++
		}
	}
	return n
}

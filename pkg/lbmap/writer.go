package lbmap

import (
	"errors"
	"fmt"
	"math"
)

// ServiceSpec is the complete desired state of one virtual service.
type ServiceSpec struct {
	Address     IPv4
	Port        uint16
	Backends    []BackendID // slot i+1 references Backends[i]
	Selector    Selector    // base entry selector; never a backend id
	RevNATIndex uint16
	Flags       uint8
	Flags2      uint8
}

// BaseKey returns the slot 0 key of the service.
func (s ServiceSpec) BaseKey() ServiceKey {
	return ServiceKey{Address: s.Address, Port: s.Port}
}

// updater is implemented by stores that can publish a group of writes atomically.
type updater interface {
	Update(fn func(tx *Txn) error) error
}

// Writer changes whole services in a Store without exposing inconsistent
// state to concurrent readers. On stores without atomic multi-key updates
// it orders the individual writes:
//
//   - slot entries are written before the base count is raised;
//   - the base count is lowered before slot entries are removed.
//
// A reader may observe the old or the new backend set but never a count
// that points past the populated slots.
type Writer struct {
	store Store
}

// NewWriter returns a Writer for store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// UpsertService creates or replaces a service and its slots.
func (w *Writer) UpsertService(spec ServiceSpec) error {
	if len(spec.Backends) > math.MaxUint16 {
		return fmt.Errorf("service %s:%d: %d backends exceed the slot range", spec.Address, spec.Port, len(spec.Backends))
	}
	if spec.Selector.Kind == SelectorBackendID {
		return fmt.Errorf("service %s:%d: base entry cannot carry a backend id", spec.Address, spec.Port)
	}
	if u, ok := w.store.(updater); ok {
		return u.Update(func(tx *Txn) error { return upsertService(tx, spec) })
	}
	return upsertService(w.store, spec)
}

// DeleteService removes a service and all of its slots. Deleting a service
// that does not exist is not an error.
func (w *Writer) DeleteService(address IPv4, port uint16) error {
	if u, ok := w.store.(updater); ok {
		return u.Update(func(tx *Txn) error { return deleteService(tx, address, port) })
	}
	return deleteService(w.store, address, port)
}

func upsertService(store Store, spec ServiceSpec) error {
	base := spec.BaseKey()
	var oldCount uint16
	if record, ok := store.GetService(base); ok {
		oldCount = record.Count
	}
	newCount := uint16(len(spec.Backends))

	for i, id := range spec.Backends {
		slot := base.WithSlot(uint16(i + 1))
		record := ServiceRecord{
			Selector:    BackendSelector(id),
			RevNATIndex: spec.RevNATIndex,
			Flags:       spec.Flags,
			Flags2:      spec.Flags2,
		}
		if err := store.PutService(slot, record); err != nil {
			return fmt.Errorf("write slot %s: %w", slot, err)
		}
	}

	baseRecord := ServiceRecord{
		Selector:    spec.Selector,
		Count:       newCount,
		RevNATIndex: spec.RevNATIndex,
		Flags:       spec.Flags,
		Flags2:      spec.Flags2,
	}
	if err := store.PutService(base, baseRecord); err != nil {
		return fmt.Errorf("write base %s: %w", base, err)
	}

	for slot := uint32(newCount) + 1; slot <= uint32(oldCount); slot++ {
		key := base.WithSlot(uint16(slot))
		if err := store.DeleteService(key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("remove surplus slot %s: %w", key, err)
		}
	}
	return nil
}

func deleteService(store Store, address IPv4, port uint16) error {
	base := ServiceKey{Address: address, Port: port}
	record, ok := store.GetService(base)
	if !ok {
		return nil
	}

	if record.Count > 0 {
		drained := record
		drained.Count = 0
		if err := store.PutService(base, drained); err != nil {
			return fmt.Errorf("lower count of %s: %w", base, err)
		}
	}
	for slot := uint32(1); slot <= uint32(record.Count); slot++ {
		key := base.WithSlot(uint16(slot))
		if err := store.DeleteService(key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("remove slot %s: %w", key, err)
		}
	}
	if err := store.DeleteService(base); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("remove base %s: %w", base, err)
	}
	return nil
}

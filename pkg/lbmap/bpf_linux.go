//go:build linux

package lbmap

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Names of the pinned maps. A kernel connect hook must declare maps with
// the same names and layouts to share them.
const (
	ServiceMapName = "v4_svc_map"
	BackendMapName = "v4_backend_map"
)

// BPFStore keeps the tables in pinned BPF hash maps so that a kernel-side
// connect hook reads the same entries the control plane writes.
type BPFStore struct {
	services *ebpf.Map
	backends *ebpf.Map
	pinPath  string
	logger   *zap.Logger
}

// NewBPFStore opens the pinned maps under pinPath, creating them if needed.
func NewBPFStore(pinPath string, maxEntries int, logger *zap.Logger) (*BPFStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	// Kernels before 5.11 charge map memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}
	if err := os.MkdirAll(pinPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pin path %s: %w", pinPath, err)
	}

	opts := ebpf.MapOptions{PinPath: pinPath}
	services, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       ServiceMapName,
		Type:       ebpf.Hash,
		KeySize:    ServiceKeySize,
		ValueSize:  ServiceValueSize,
		MaxEntries: uint32(maxEntries),
		Pinning:    ebpf.PinByName,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open service map: %w", err)
	}

	backends, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       BackendMapName,
		Type:       ebpf.Hash,
		KeySize:    BackendKeySize,
		ValueSize:  BackendValueSize,
		MaxEntries: uint32(maxEntries),
		Pinning:    ebpf.PinByName,
	}, opts)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to open backend map: %w", err)
	}

	logger.Info("BPF tables opened",
		zap.String("pin_path", pinPath),
		zap.Int("max_entries", maxEntries),
	)
	return &BPFStore{
		services: services,
		backends: backends,
		pinPath:  pinPath,
		logger:   logger,
	}, nil
}

// ServiceMap returns the underlying service map.
func (s *BPFStore) ServiceMap() *ebpf.Map { return s.services }

// BackendMap returns the underlying backend map.
func (s *BPFStore) BackendMap() *ebpf.Map { return s.backends }

// GetService looks key up in the pinned service map. Errors other than a
// missing key are logged and reported as a miss.
func (s *BPFStore) GetService(key ServiceKey) (ServiceRecord, bool) {
	var buf []byte
	if err := s.services.Lookup(key, &buf); err != nil {
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			s.logger.Warn("service lookup failed", zap.Stringer("key", key), zap.Error(err))
		}
		return ServiceRecord{}, false
	}
	record, err := DecodeServiceRecord(key, buf)
	if err != nil {
		s.logger.Warn("malformed service entry", zap.Stringer("key", key), zap.Error(err))
		return ServiceRecord{}, false
	}
	return record, true
}

// GetBackend looks id up in the pinned backend map.
func (s *BPFStore) GetBackend(id BackendID) (BackendRecord, bool) {
	var record BackendRecord
	if err := s.backends.Lookup(id, &record); err != nil {
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			s.logger.Warn("backend lookup failed", zap.Uint32("id", uint32(id)), zap.Error(err))
		}
		return BackendRecord{}, false
	}
	return record, true
}

// PutService writes one entry to the service map.
func (s *BPFStore) PutService(key ServiceKey, record ServiceRecord) error {
	if err := s.services.Put(key, EncodeServiceRecord(record)); err != nil {
		return fmt.Errorf("put service %s: %w", key, mapError(err))
	}
	return nil
}

// DeleteService removes one entry from the service map.
func (s *BPFStore) DeleteService(key ServiceKey) error {
	if err := s.services.Delete(key); err != nil {
		return fmt.Errorf("delete service %s: %w", key, mapError(err))
	}
	return nil
}

// PutBackend writes one entry to the backend map.
func (s *BPFStore) PutBackend(id BackendID, record BackendRecord) error {
	if err := s.backends.Put(id, record); err != nil {
		return fmt.Errorf("put backend %d: %w", id, mapError(err))
	}
	return nil
}

// DeleteBackend removes one entry from the backend map.
func (s *BPFStore) DeleteBackend(id BackendID) error {
	if err := s.backends.Delete(id); err != nil {
		return fmt.Errorf("delete backend %d: %w", id, mapError(err))
	}
	return nil
}

// Services iterates the service map.
func (s *BPFStore) Services() (map[ServiceKey]ServiceRecord, error) {
	result := make(map[ServiceKey]ServiceRecord)
	var (
		key ServiceKey
		buf []byte
	)
	iter := s.services.Iterate()
	for iter.Next(&key, &buf) {
		record, err := DecodeServiceRecord(key, buf)
		if err != nil {
			return nil, err
		}
		result[key] = record
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service map: %w", err)
	}
	return result, nil
}

// Backends iterates the backend map.
func (s *BPFStore) Backends() (map[BackendID]BackendRecord, error) {
	result := make(map[BackendID]BackendRecord)
	var (
		id     BackendID
		record BackendRecord
	)
	iter := s.backends.Iterate()
	for iter.Next(&id, &record) {
		result[id] = record
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate backend map: %w", err)
	}
	return result, nil
}

// Close releases the map file descriptors. The pins, and with them the
// entries, stay in bpffs until Unpin is called.
func (s *BPFStore) Close() error {
	return errors.Join(s.services.Close(), s.backends.Close())
}

// Unpin removes the maps from bpffs.
func (s *BPFStore) Unpin() error {
	return errors.Join(s.services.Unpin(), s.backends.Unpin())
}

// mapError translates kernel map errors into the package sentinels.
func mapError(err error) error {
	switch {
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, unix.E2BIG):
		return fmt.Errorf("%w: %v", ErrTableFull, err)
	default:
		return err
	}
}

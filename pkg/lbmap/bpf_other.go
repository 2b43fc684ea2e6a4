//go:build !linux

package lbmap

import "go.uber.org/zap"

// BPFStore is only available on Linux.
type BPFStore struct{}

// NewBPFStore always fails on non-Linux systems.
func NewBPFStore(_ string, _ int, _ *zap.Logger) (*BPFStore, error) {
	return nil, ErrUnsupported
}

// The Store methods all report ErrUnsupported off linux.
func (s *BPFStore) GetService(ServiceKey) (ServiceRecord, bool) { return ServiceRecord{}, false }
func (s *BPFStore) GetBackend(BackendID) (BackendRecord, bool) { return BackendRecord{}, false }
func (s *BPFStore) PutService(ServiceKey, ServiceRecord) error  { return ErrUnsupported }
func (s *BPFStore) DeleteService(ServiceKey) error              { return ErrUnsupported }
func (s *BPFStore) PutBackend(BackendID, BackendRecord) error   { return ErrUnsupported }
func (s *BPFStore) DeleteBackend(BackendID) error               { return ErrUnsupported }

func (s *BPFStore) Services() (map[ServiceKey]ServiceRecord, error) { return nil, ErrUnsupported }
func (s *BPFStore) Backends() (map[BackendID]BackendRecord, error)  { return nil, ErrUnsupported }

func (s *BPFStore) Close() error { return nil }
func (s *BPFStore) Unpin() error { return ErrUnsupported }

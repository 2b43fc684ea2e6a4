package lbmap

import "errors"

var (
	// ErrTableFull is returned when a put would exceed the table capacity.
	ErrTableFull = errors.New("table full")
	// ErrNotFound is returned when deleting a key that does not exist.
	ErrNotFound = errors.New("entry not found")
	// ErrUnsupported is returned by stores unavailable on this platform.
	ErrUnsupported = errors.New("not supported on this platform")
)

// Reader is the read side of the service and backend tables. Lookups are
// exact-match, side-effect free and never block on writers for long.
type Reader interface {
	GetService(key ServiceKey) (ServiceRecord, bool)
	GetBackend(id BackendID) (BackendRecord, bool)
}

// Store holds the service and backend tables. Each individual put or delete
// is atomic; no ordering is guaranteed across keys. Writers that change a
// service's slot set must go through Writer to keep readers consistent.
type Store interface {
	Reader

	PutService(key ServiceKey, record ServiceRecord) error
	DeleteService(key ServiceKey) error
	PutBackend(id BackendID, record BackendRecord) error
	DeleteBackend(id BackendID) error

	// Services returns a snapshot of all service entries.
	Services() (map[ServiceKey]ServiceRecord, error)
	// Backends returns a snapshot of all backend entries.
	Backends() (map[BackendID]BackendRecord, error)

	Close() error
}

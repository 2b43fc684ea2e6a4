// Package sockdiag answers whether a local socket already serves a
// destination, which lets the redirect engine skip translating connections
// to co-located backends.
package sockdiag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// Endpoint is a local socket's bound address.
type Endpoint struct {
	Address  lbmap.IPv4
	Port     uint16
	Protocol lbmap.Protocol
}

type endpointSet map[Endpoint]struct{}

// contains matches an exact bind or a wildcard (0.0.0.0) bind on the port.
func (s endpointSet) contains(address lbmap.IPv4, port uint16, protocol lbmap.Protocol) bool {
	if _, ok := s[Endpoint{Address: address, Port: port, Protocol: protocol}]; ok {
		return true
	}
	_, ok := s[Endpoint{Port: port, Protocol: protocol}]
	return ok
}

// Static is a fixed, manually maintained set of local endpoints. It is
// meant for tests that need a SocketLookup without sock_diag.
type Static struct {
	mu        sync.RWMutex
	endpoints endpointSet
}

// NewStatic returns a Static containing endpoints.
func NewStatic(endpoints ...Endpoint) *Static {
	s := &Static{endpoints: make(endpointSet)}
	for _, ep := range endpoints {
		s.endpoints[ep] = struct{}{}
	}
	return s
}

// Add registers a local endpoint.
func (s *Static) Add(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep] = struct{}{}
}

// Remove forgets a local endpoint.
func (s *Static) Remove(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, ep)
}

// SocketExists reports whether the set holds the endpoint or a wildcard
// bind on its port.
func (s *Static) SocketExists(address lbmap.IPv4, port uint16, protocol lbmap.Protocol) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints.contains(address, port, protocol)
}

// Watcher serves lookups from a snapshot of the namespace's listening
// sockets, refreshed periodically, so that a lookup is a single map read.
type Watcher struct {
	current  atomic.Pointer[endpointSet]
	dump     func() ([]Endpoint, error)
	interval time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a Watcher for the network namespace at netnsPath
// (empty for the current one). It holds no sockets until Refresh is called.
func NewWatcher(netnsPath string, interval time.Duration, logger *zap.Logger) *Watcher {
	return newWatcher(func() ([]Endpoint, error) {
		return dumpSockets(netnsPath)
	}, interval, logger)
}

func newWatcher(dump func() ([]Endpoint, error), interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	w := &Watcher{
		dump:     dump,
		interval: interval,
		logger:   logger,
	}
	empty := make(endpointSet)
	w.current.Store(&empty)
	return w
}

// SocketExists answers from the latest snapshot.
func (w *Watcher) SocketExists(address lbmap.IPv4, port uint16, protocol lbmap.Protocol) bool {
	return (*w.current.Load()).contains(address, port, protocol)
}

// Refresh replaces the snapshot with the sockets currently open. On error
// the previous snapshot is kept.
func (w *Watcher) Refresh() error {
	endpoints, err := w.dump()
	if err != nil {
		return err
	}
	set := make(endpointSet, len(endpoints))
	for _, ep := range endpoints {
		set[ep] = struct{}{}
	}
	w.current.Store(&set)
	return nil
}

// Run refreshes the snapshot every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Refresh(); err != nil {
				w.logger.Warn("failed to refresh local sockets, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}

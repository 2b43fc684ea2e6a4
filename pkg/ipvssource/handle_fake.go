package ipvssource

import (
	"fmt"
	"sync"
)

// fakeServiceKey indexes services in FakeHandle.
type fakeServiceKey struct {
	address  string
	port     uint16
	protocol uint16
	fwmark   uint32
}

func makeFakeServiceKey(svc *Service) fakeServiceKey {
	return fakeServiceKey{
		address:  svc.Address.String(),
		port:     svc.Port,
		protocol: svc.Protocol,
		fwmark:   svc.FWMark,
	}
}

// FakeHandle is an in-memory IPVS table. It backs NewHandle off Linux and
// lets tests on any platform describe kernel state.
type FakeHandle struct {
	mu           sync.Mutex
	order        []fakeServiceKey
	services     map[fakeServiceKey]*Service
	destinations map[fakeServiceKey][]*Destination
}

// NewFakeHandle returns an empty FakeHandle.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		services:     make(map[fakeServiceKey]*Service),
		destinations: make(map[fakeServiceKey][]*Destination),
	}
}

// AddService registers a virtual service with its destinations.
func (h *FakeHandle) AddService(svc *Service, dsts ...*Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := makeFakeServiceKey(svc)
	if _, exists := h.services[key]; exists {
		return fmt.Errorf("service %s:%d already exists", svc.Address, svc.Port)
	}
	h.order = append(h.order, key)
	h.services[key] = cloneService(svc)
	for _, dst := range dsts {
		h.destinations[key] = append(h.destinations[key], cloneDestination(dst))
	}
	return nil
}

func (h *FakeHandle) Close() {}

func (h *FakeHandle) GetServices() ([]*Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]*Service, 0, len(h.services))
	for _, key := range h.order {
		result = append(result, cloneService(h.services[key]))
	}
	return result, nil
}

func (h *FakeHandle) GetDestinations(svc *Service) ([]*Destination, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := makeFakeServiceKey(svc)
	if _, exists := h.services[key]; !exists {
		return nil, fmt.Errorf("service %s:%d not found", svc.Address, svc.Port)
	}
	result := make([]*Destination, 0, len(h.destinations[key]))
	for _, dst := range h.destinations[key] {
		result = append(result, cloneDestination(dst))
	}
	return result, nil
}

func cloneService(svc *Service) *Service {
	out := *svc
	out.Address = cloneIP(svc.Address)
	return &out
}

func cloneDestination(dst *Destination) *Destination {
	out := *dst
	out.Address = cloneIP(dst.Address)
	return &out
}

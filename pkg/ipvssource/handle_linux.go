//go:build linux

package ipvssource

import (
	mobyipvs "github.com/moby/ipvs"
)

// linuxHandle wraps the real moby/ipvs Handle for Linux systems.
type linuxHandle struct {
	handle *mobyipvs.Handle
}

// NewHandle opens an IPVS netlink handle in the network namespace at path
// (empty for the current one).
func NewHandle(path string) (Handle, error) {
	handle, err := mobyipvs.New(path)
	if err != nil {
		return nil, err
	}
	return &linuxHandle{handle: handle}, nil
}

func (h *linuxHandle) Close() {
	h.handle.Close()
}

func (h *linuxHandle) GetServices() ([]*Service, error) {
	mobySvcs, err := h.handle.GetServices()
	if err != nil {
		return nil, err
	}
	services := make([]*Service, len(mobySvcs))
	for i, ms := range mobySvcs {
		services[i] = fromMobyService(ms)
	}
	return services, nil
}

func (h *linuxHandle) GetDestinations(svc *Service) ([]*Destination, error) {
	mobyDsts, err := h.handle.GetDestinations(toMobyService(svc))
	if err != nil {
		return nil, err
	}
	destinations := make([]*Destination, len(mobyDsts))
	for i, md := range mobyDsts {
		destinations[i] = fromMobyDestination(md)
	}
	return destinations, nil
}

// toMobyService builds the lookup key moby/ipvs needs to list destinations.
func toMobyService(svc *Service) *mobyipvs.Service {
	return &mobyipvs.Service{
		Address:       cloneIP(svc.Address),
		Protocol:      svc.Protocol,
		Port:          svc.Port,
		FWMark:        svc.FWMark,
		SchedName:     svc.SchedName,
		AddressFamily: svc.AddressFamily,
		Netmask:       0xFFFFFFFF,
	}
}

func fromMobyService(ms *mobyipvs.Service) *Service {
	return &Service{
		Address:       cloneIP(ms.Address),
		Protocol:      ms.Protocol,
		Port:          ms.Port,
		FWMark:        ms.FWMark,
		SchedName:     ms.SchedName,
		AddressFamily: ms.AddressFamily,
	}
}

func fromMobyDestination(md *mobyipvs.Destination) *Destination {
	return &Destination{
		Address:         cloneIP(md.Address),
		Port:            md.Port,
		Weight:          md.Weight,
		ConnectionFlags: md.ConnectionFlags,
		AddressFamily:   md.AddressFamily,
	}
}

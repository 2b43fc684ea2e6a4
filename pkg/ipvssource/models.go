package ipvssource

import "net"

// Service is the part of an IPVS virtual service the importer reads.
type Service struct {
	Address       net.IP
	Protocol      uint16
	Port          uint16
	FWMark        uint32
	SchedName     string
	AddressFamily uint16
}

// Destination is the part of an IPVS real server the importer reads.
type Destination struct {
	Address         net.IP
	Port            uint16
	Weight          int
	ConnectionFlags uint32
	AddressFamily   uint16
}

// Handle reads the IPVS table. On Linux it wraps a moby/ipvs netlink handle.
type Handle interface {
	Close()
	GetServices() ([]*Service, error)
	GetDestinations(svc *Service) ([]*Destination, error)
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

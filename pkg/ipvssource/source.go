// Package ipvssource imports virtual services already defined in the kernel
// IPVS table, so that hosts configured for IPVS can switch to
// connection-time balancing without rewriting their service list.
package ipvssource

import (
	"fmt"
	"net/netip"
	"sort"
	"syscall"

	"github.com/easzlab/ezsocklb/pkg/config"
	"go.uber.org/zap"
)

// IPVS forwarding methods, from the destination connection flags.
const (
	connFwdMask   = 0x0007
	connFwdBypass = 0x0004
)

// Source lists IPVS virtual services as service configs.
type Source struct {
	handle Handle
	logger *zap.Logger
}

// NewSource creates a Source reading through handle.
func NewSource(handle Handle, logger *zap.Logger) *Source {
	return &Source{
		handle: handle,
		logger: logger,
	}
}

// Close releases the IPVS handle.
func (s *Source) Close() {
	s.handle.Close()
}

// Services converts every IPv4 TCP or UDP virtual service with at least
// one usable destination into a ServiceConfig. Firewall-mark services,
// IPv6 services and destinations with zero weight are skipped.
func (s *Source) Services() ([]config.ServiceConfig, error) {
	services, err := s.handle.GetServices()
	if err != nil {
		return nil, fmt.Errorf("failed to get ipvs services: %w", err)
	}

	var result []config.ServiceConfig
	for _, svc := range services {
		listen, protocol, ok := serviceAddress(svc)
		if !ok {
			s.logger.Debug("skipping ipvs service",
				zap.Stringer("address", svc.Address),
				zap.Uint16("port", svc.Port),
				zap.Uint32("fwmark", svc.FWMark),
			)
			continue
		}

		destinations, err := s.handle.GetDestinations(svc)
		if err != nil {
			return nil, fmt.Errorf("failed to get destinations for service %s: %w", listen, err)
		}

		svcCfg := config.ServiceConfig{
			Name:     fmt.Sprintf("ipvs-%s/%s", listen, protocol),
			Listen:   listen.String(),
			Protocol: protocol,
		}
		seen := make(map[netip.AddrPort]bool)
		for _, dst := range destinations {
			addr, ok := destinationAddress(dst)
			if !ok || seen[addr] {
				continue
			}
			seen[addr] = true
			svcCfg.Backends = append(svcCfg.Backends, config.BackendConfig{Address: addr.String()})
		}
		if len(svcCfg.Backends) == 0 {
			s.logger.Info("skipping ipvs service without usable destinations", zap.String("service", svcCfg.Name))
			continue
		}
		result = append(result, svcCfg)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func serviceAddress(svc *Service) (netip.AddrPort, string, bool) {
	if svc.FWMark != 0 || svc.AddressFamily != syscall.AF_INET || svc.Port == 0 {
		return netip.AddrPort{}, "", false
	}
	addr, ok := netip.AddrFromSlice(svc.Address)
	if !ok {
		return netip.AddrPort{}, "", false
	}
	addr = addr.Unmap()
	if !addr.Is4() || addr.IsUnspecified() {
		return netip.AddrPort{}, "", false
	}

	var protocol string
	switch svc.Protocol {
	case syscall.IPPROTO_TCP:
		protocol = "tcp"
	case syscall.IPPROTO_UDP:
		protocol = "udp"
	default:
		return netip.AddrPort{}, "", false
	}
	return netip.AddrPortFrom(addr, svc.Port), protocol, true
}

func destinationAddress(dst *Destination) (netip.AddrPort, bool) {
	if dst.Weight <= 0 || dst.Port == 0 {
		return netip.AddrPort{}, false
	}
	if dst.ConnectionFlags&connFwdMask == connFwdBypass {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(dst.Address)
	if !ok {
		return netip.AddrPort{}, false
	}
	addr = addr.Unmap()
	if !addr.Is4() || addr.IsUnspecified() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, dst.Port), true
}

// Merge appends imported services to the file-configured ones. A service
// from the file wins when both use the same listen address.
func Merge(configured, imported []config.ServiceConfig, logger *zap.Logger) []config.ServiceConfig {
	taken := make(map[netip.AddrPort]string, len(configured))
	names := make(map[string]bool, len(configured))
	for _, svc := range configured {
		names[svc.Name] = true
		if ap, err := netip.ParseAddrPort(svc.Listen); err == nil {
			taken[ap] = svc.Name
		}
	}

	result := make([]config.ServiceConfig, 0, len(configured)+len(imported))
	result = append(result, configured...)
	for _, svc := range imported {
		ap, err := netip.ParseAddrPort(svc.Listen)
		if err != nil {
			continue
		}
		if owner, ok := taken[ap]; ok {
			logger.Info("ipvs service shadowed by configured service",
				zap.String("service", svc.Name),
				zap.String("configured", owner),
			)
			continue
		}
		if names[svc.Name] {
			continue
		}
		taken[ap] = svc.Name
		names[svc.Name] = true
		result = append(result, svc)
	}
	return result
}

//go:build linux

package sockdiag

import (
	"fmt"
	"net"
	"runtime"
	"syscall"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// dumpSockets lists listening TCP sockets and unconnected UDP sockets via
// sock_diag, inside the namespace at netnsPath when one is given.
func dumpSockets(netnsPath string) ([]Endpoint, error) {
	if netnsPath == "" {
		return dumpCurrentNamespace()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get current netns: %w", err)
	}
	defer origns.Close()

	target, err := netns.GetFromPath(netnsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open netns %s: %w", netnsPath, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return nil, fmt.Errorf("failed to enter netns %s: %w", netnsPath, err)
	}
	defer netns.Set(origns)

	return dumpCurrentNamespace()
}

func dumpCurrentNamespace() ([]Endpoint, error) {
	tcpSockets, err := netlink.SocketDiagTCP(syscall.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("tcp socket dump failed: %w", err)
	}
	udpSockets, err := netlink.SocketDiagUDP(syscall.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("udp socket dump failed: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(tcpSockets)+len(udpSockets))
	for _, sock := range tcpSockets {
		if sock.State != netlink.TCP_LISTEN {
			continue
		}
		if ep, ok := endpointOf(sock, lbmap.ProtoTCP); ok {
			endpoints = append(endpoints, ep)
		}
	}
	for _, sock := range udpSockets {
		if sock.ID.DestinationPort != 0 {
			continue
		}
		if ep, ok := endpointOf(sock, lbmap.ProtoUDP); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}

func endpointOf(sock *netlink.Socket, protocol lbmap.Protocol) (Endpoint, bool) {
	source := sock.ID.Source
	if source == nil {
		source = net.IPv4zero
	}
	ip4 := source.To4()
	if ip4 == nil {
		return Endpoint{}, false
	}
	return Endpoint{
		Address:  lbmap.IPv4(ip4),
		Port:     sock.ID.SourcePort,
		Protocol: protocol,
	}, true
}

package lbmap

import (
	"fmt"
	"net/netip"
	"syscall"
)

// IPv4 is an IPv4 address in network byte order.
type IPv4 [4]byte

// IPv4From converts a netip.Addr to an IPv4. It fails for IPv6 addresses.
func IPv4From(addr netip.Addr) (IPv4, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return IPv4{}, fmt.Errorf("not an IPv4 address: %s", addr)
	}
	return IPv4(addr.As4()), nil
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) (IPv4, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPv4{}, err
	}
	return IPv4From(addr)
}

// Addr returns the address as a netip.Addr.
func (ip IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(ip)
}

// IsUnspecified reports whether ip is 0.0.0.0.
func (ip IPv4) IsUnspecified() bool {
	return ip == IPv4{}
}

func (ip IPv4) String() string {
	return ip.Addr().String()
}

// Protocol is an IP protocol number.
type Protocol uint8

const (
	ProtoTCP Protocol = syscall.IPPROTO_TCP
	ProtoUDP Protocol = syscall.IPPROTO_UDP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseProtocol converts "tcp" or "udp" to its protocol number.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol: %s", s)
	}
}

// ServiceKey identifies an entry in the service table. Slot 0 is the base
// entry of a virtual service; slots 1..Count reference its backends.
type ServiceKey struct {
	Address IPv4
	Port    uint16
	Slot    uint16
}

// BaseKey returns the slot 0 key for the same address and port.
func (k ServiceKey) BaseKey() ServiceKey {
	return ServiceKey{Address: k.Address, Port: k.Port}
}

// WithSlot returns a copy of k pointing at the given slot.
func (k ServiceKey) WithSlot(slot uint16) ServiceKey {
	k.Slot = slot
	return k
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s:%d#%d", k.Address, k.Port, k.Slot)
}

// SelectorKind tells which meaning a ServiceRecord's selector carries.
type SelectorKind uint8

const (
	SelectorNone SelectorKind = iota
	SelectorBackendID
	SelectorAffinityTimeout
	SelectorL7ProxyPort
)

func (k SelectorKind) String() string {
	switch k {
	case SelectorNone:
		return "none"
	case SelectorBackendID:
		return "backend_id"
	case SelectorAffinityTimeout:
		return "affinity_timeout"
	case SelectorL7ProxyPort:
		return "l7_proxy_port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Selector is the per-record variant: a backend id on slot entries, and
// optionally an affinity timeout or L7 proxy port on base entries.
type Selector struct {
	Kind  SelectorKind
	Value uint32
}

// BackendSelector returns a selector referencing a backend.
func BackendSelector(id BackendID) Selector {
	return Selector{Kind: SelectorBackendID, Value: uint32(id)}
}

// AffinitySelector returns a selector carrying a session affinity timeout in seconds.
func AffinitySelector(timeoutSeconds uint32) Selector {
	return Selector{Kind: SelectorAffinityTimeout, Value: timeoutSeconds}
}

// L7ProxySelector returns a selector carrying an L7 proxy redirect port.
func L7ProxySelector(port uint16) Selector {
	return Selector{Kind: SelectorL7ProxyPort, Value: uint32(port)}
}

// BackendID returns the referenced backend, if the selector carries one.
func (s Selector) BackendID() (BackendID, bool) {
	if s.Kind != SelectorBackendID {
		return 0, false
	}
	return BackendID(s.Value), true
}

// AffinityTimeout returns the affinity timeout, if the selector carries one.
func (s Selector) AffinityTimeout() (uint32, bool) {
	if s.Kind != SelectorAffinityTimeout {
		return 0, false
	}
	return s.Value, true
}

// L7ProxyPort returns the L7 proxy port, if the selector carries one.
func (s Selector) L7ProxyPort() (uint16, bool) {
	if s.Kind != SelectorL7ProxyPort {
		return 0, false
	}
	return uint16(s.Value), true
}

// Service flags. They are opaque to backend selection and only decide how
// a base record's selector is named when decoded from the binary layout.
const (
	FlagSessionAffinity uint8 = 1 << 4
	Flag2L7LoadBalancer uint8 = 1 << 2
)

// ServiceRecord is the value stored under a ServiceKey.
type ServiceRecord struct {
	Selector    Selector
	Count       uint16 // meaningful on the base entry only
	RevNATIndex uint16
	Flags       uint8
	Flags2      uint8
}

// BackendID identifies an entry in the backend table.
type BackendID uint32

// BackendRecord is a real server.
type BackendRecord struct {
	Address IPv4
	Port    uint16
	Proto   Protocol
	Flags   uint8
}

func (b BackendRecord) String() string {
	return fmt.Sprintf("%s:%d/%s", b.Address, b.Port, b.Proto)
}

// Package hook applies redirect verdicts at connection time, either in
// userspace through Dialer or in the kernel through an attached cgroup
// connect4 program that shares the BPF tables.
package hook

import (
	"context"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/easzlab/ezsocklb/pkg/redirect"
	"go.uber.org/zap"
)

// Decider returns the verdict for a connection attempt.
type Decider interface {
	Decide(req redirect.Request) redirect.Verdict
}

// Dialer dials through the redirect engine: the destination is looked up
// once before the connection is made and the connection goes straight to
// the chosen backend. No packet is rewritten afterwards.
type Dialer struct {
	decider Decider
	dialer  *net.Dialer
	logger  *zap.Logger
}

// NewDialer returns a Dialer using base for the actual connections. A nil
// base uses a zero net.Dialer.
func NewDialer(decider Decider, base *net.Dialer, logger *zap.Logger) *Dialer {
	if base == nil {
		base = &net.Dialer{}
	}
	return &Dialer{
		decider: decider,
		dialer:  base,
		logger:  logger,
	}
}

// Dial is DialContext with a background context.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext consults the engine for IPv4 TCP and UDP destinations given
// as literals. Other networks and host names are dialled unchanged.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	req, ok := requestOf(network, address)
	if !ok {
		return d.dialer.DialContext(ctx, network, address)
	}

	v := d.decider.Decide(req)
	switch v.Action {
	case redirect.Redirect:
		target := netip.AddrPortFrom(v.Address.Addr(), v.Port).String()
		d.logger.Debug("redirecting connection",
			zap.String("destination", address),
			zap.String("backend", target),
		)
		return d.dialer.DialContext(ctx, network, target)
	case redirect.Reject:
		return nil, refused(network, req, v)
	default:
		return d.dialer.DialContext(ctx, network, address)
	}
}

func requestOf(network, address string) (redirect.Request, bool) {
	var proto lbmap.Protocol
	switch network {
	case "tcp", "tcp4":
		proto = lbmap.ProtoTCP
	case "udp", "udp4":
		proto = lbmap.ProtoUDP
	default:
		return redirect.Request{}, false
	}

	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return redirect.Request{}, false
	}
	ip, err := lbmap.IPv4From(ap.Addr())
	if err != nil {
		return redirect.Request{}, false
	}
	return redirect.Request{Address: ip, Port: ap.Port(), Protocol: proto}, true
}

// refused builds the error a rejected connect(2) would have produced.
func refused(network string, req redirect.Request, v redirect.Verdict) error {
	ap := netip.AddrPortFrom(req.Address.Addr(), req.Port)
	var addr net.Addr
	if req.Protocol == lbmap.ProtoUDP {
		addr = net.UDPAddrFromAddrPort(ap)
	} else {
		addr = net.TCPAddrFromAddrPort(ap)
	}
	return &net.OpError{
		Op:   "dial",
		Net:  network,
		Addr: addr,
		Err:  os.NewSyscallError("connect", &rejectError{reason: v.Reason}),
	}
}

// rejectError carries the engine's reason and unwraps to ECONNREFUSED.
type rejectError struct {
	reason redirect.Reason
}

func (e *rejectError) Error() string {
	return syscall.ECONNREFUSED.Error() + " (" + e.reason.String() + ")"
}

func (e *rejectError) Unwrap() error { return syscall.ECONNREFUSED }

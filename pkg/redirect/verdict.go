package redirect

import (
	"fmt"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
)

// Action is what the hook must do with a connection attempt.
type Action uint8

const (
	// PassThrough leaves the connection attempt untouched.
	PassThrough Action = iota
	// Redirect rewrites the destination before the handshake.
	Redirect
	// Reject fails the connection attempt.
	Reject
)

func (a Action) String() string {
	switch a {
	case PassThrough:
		return "pass_through"
	case Redirect:
		return "redirect"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Reason records why a verdict was reached.
type Reason uint8

const (
	// Selected: a backend was chosen and the connection is redirected.
	Selected Reason = iota
	// NotManaged: the destination is not a virtual service.
	NotManaged
	// InconsistentTable: count is zero or the chosen slot is missing.
	InconsistentTable
	// DanglingBackend: the slot references a backend id with no entry.
	DanglingBackend
	// HairpinDetected: the backend is already reachable locally.
	HairpinDetected
)

func (r Reason) String() string {
	switch r {
	case Selected:
		return "selected"
	case NotManaged:
		return "not_managed"
	case InconsistentTable:
		return "inconsistent_table"
	case DanglingBackend:
		return "dangling_backend"
	case HairpinDetected:
		return "hairpin_detected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Request describes one outbound connection attempt.
type Request struct {
	Address  lbmap.IPv4
	Port     uint16
	Protocol lbmap.Protocol
}

func (r Request) String() string {
	return fmt.Sprintf("%s:%d/%s", r.Address, r.Port, r.Protocol)
}

// Verdict is the engine's decision. Address and Port are set only for
// Redirect; Slot and BackendID are set once they have been resolved.
type Verdict struct {
	Action    Action
	Reason    Reason
	Address   lbmap.IPv4
	Port      uint16
	Slot      uint16
	BackendID lbmap.BackendID
}

func (v Verdict) String() string {
	if v.Action == Redirect {
		return fmt.Sprintf("%s %s:%d (%s)", v.Action, v.Address, v.Port, v.Reason)
	}
	return fmt.Sprintf("%s (%s)", v.Action, v.Reason)
}

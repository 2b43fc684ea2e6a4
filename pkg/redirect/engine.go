package redirect

import (
	"math/rand/v2"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// SocketLookup reports whether a socket in the local network namespace
// already serves address:port for the protocol.
type SocketLookup interface {
	SocketExists(address lbmap.IPv4, port uint16, protocol lbmap.Protocol) bool
}

// Rand is the source of slot selection for TCP.
type Rand interface {
	Uint32() uint32
}

type defaultRand struct{}

func (defaultRand) Uint32() uint32 { return rand.Uint32() }

// Engine decides, per connection attempt, whether to rewrite its
// destination. It holds no per-connection state and is safe for
// concurrent use.
type Engine struct {
	tables   lbmap.Reader
	sockets  SocketLookup
	rand     Rand
	observer func(Request, Verdict)
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSocketLookup enables hairpin avoidance.
func WithSocketLookup(sockets SocketLookup) Option {
	return func(e *Engine) { e.sockets = sockets }
}

// WithRand replaces the random source used for TCP slot selection.
func WithRand(r Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// WithObserver registers a callback invoked with every verdict.
func WithObserver(fn func(Request, Verdict)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithLogger sets a logger; the engine only logs at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine returns an Engine reading from tables.
func NewEngine(tables lbmap.Reader, opts ...Option) *Engine {
	e := &Engine{
		tables: tables,
		rand:   defaultRand{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the verdict for a connection attempt. It performs at most
// three table lookups and one socket lookup and never fails: every missing
// or inconsistent entry maps to a verdict.
func (e *Engine) Decide(req Request) Verdict {
	v := e.decide(req)
	if ce := e.logger.Check(zap.DebugLevel, "connect verdict"); ce != nil {
		ce.Write(
			zap.Stringer("destination", req),
			zap.Stringer("action", v.Action),
			zap.Stringer("reason", v.Reason),
			zap.Uint16("slot", v.Slot),
			zap.Uint32("backend_id", uint32(v.BackendID)),
		)
	}
	if e.observer != nil {
		e.observer(req, v)
	}
	return v
}

func (e *Engine) decide(req Request) Verdict {
	key := lbmap.ServiceKey{Address: req.Address, Port: req.Port}
	svc, ok := e.tables.GetService(key)
	if !ok {
		return Verdict{Action: PassThrough, Reason: NotManaged}
	}
	if svc.Count == 0 {
		return Verdict{Action: Reject, Reason: InconsistentTable}
	}

	// UDP has no per-flow state here, so it always takes slot 1.
	var seed uint32
	if req.Protocol == lbmap.ProtoTCP {
		seed = e.rand.Uint32()
	}
	key.Slot = uint16(seed%uint32(svc.Count)) + 1

	slot, ok := e.tables.GetService(key)
	if !ok {
		return Verdict{Action: Reject, Reason: InconsistentTable, Slot: key.Slot}
	}
	id, ok := slot.Selector.BackendID()
	if !ok {
		return Verdict{Action: Reject, Reason: InconsistentTable, Slot: key.Slot}
	}

	backend, ok := e.tables.GetBackend(id)
	if !ok {
		return Verdict{Action: Reject, Reason: DanglingBackend, Slot: key.Slot, BackendID: id}
	}

	if e.isLocal(backend, req.Protocol) {
		return Verdict{Action: PassThrough, Reason: HairpinDetected, Slot: key.Slot, BackendID: id}
	}

	return Verdict{
		Action:    Redirect,
		Reason:    Selected,
		Address:   backend.Address,
		Port:      backend.Port,
		Slot:      key.Slot,
		BackendID: id,
	}
}

// isLocal reports whether the backend is served by a socket in this
// namespace. Only TCP and UDP can be looked up.
func (e *Engine) isLocal(backend lbmap.BackendRecord, protocol lbmap.Protocol) bool {
	if e.sockets == nil {
		return false
	}
	switch protocol {
	case lbmap.ProtoTCP, lbmap.ProtoUDP:
		return e.sockets.SocketExists(backend.Address, backend.Port, protocol)
	default:
		return false
	}
}

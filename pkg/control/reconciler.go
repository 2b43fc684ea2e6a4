// Package control keeps the service and backend tables in line with the
// configured services.
package control

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/easzlab/ezsocklb/pkg/config"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// Reconciler implements declarative reconciliation between desired state
// (config) and actual state (the tables). The tables are owned by the
// reconciler: entries it does not want are removed.
type Reconciler struct {
	store  lbmap.Store
	writer *lbmap.Writer
	ids    *IDAllocator
	logger *zap.Logger
	mu     sync.Mutex
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store lbmap.Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		writer: lbmap.NewWriter(store),
		ids:    NewIDAllocator(),
		logger: logger,
	}
}

// desiredService holds the desired table state of one configured service.
type desiredService struct {
	spec   lbmap.ServiceSpec
	config config.ServiceConfig
}

// desiredState is the complete table content derived from config.
type desiredState struct {
	services map[lbmap.ServiceKey]*desiredService
	backends map[lbmap.BackendID]lbmap.BackendRecord
}

// Reconcile compares the desired state with the tables and applies the
// changes. Backends are written before the services that reference them,
// and removed only after no service references them.
func (r *Reconciler) Reconcile(desiredConfigs []config.ServiceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("starting reconcile", zap.Int("desired_services", len(desiredConfigs)))

	// Phase 1: Get actual state from the tables
	actualServices, err := r.store.Services()
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	actualBackends, err := r.store.Backends()
	if err != nil {
		return fmt.Errorf("failed to list backends: %w", err)
	}
	for id, record := range actualBackends {
		r.ids.Adopt(backendKey(record), id)
	}

	// Phase 2: Build desired state
	desired, err := r.buildDesiredState(desiredConfigs)
	if err != nil {
		return fmt.Errorf("failed to build desired state: %w", err)
	}

	var reconcileErrors []error

	// Phase 3: Backends first, so no slot written below dangles
	failed := make(map[lbmap.BackendID]bool)
	for id, record := range desired.backends {
		if current, ok := actualBackends[id]; ok && current == record {
			continue
		}
		if err := r.store.PutBackend(id, record); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("write backend %d (%s): %w", id, record, err))
			failed[id] = true
			continue
		}
		r.logger.Debug("backend written", zap.Uint32("id", uint32(id)), zap.Stringer("backend", record))
	}

	// Phase 4: Create or update services
	unsettled := make(map[lbmap.ServiceKey]bool)
	for key, svc := range desired.services {
		if id, ok := firstFailed(svc.spec.Backends, failed); ok {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("skip service %q: backend %d was not written", svc.config.Name, id))
			unsettled[key] = true
			continue
		}
		if serviceUpToDate(actualServices, svc.spec) {
			continue
		}
		if err := r.writer.UpsertService(svc.spec); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("write service %q (%s): %w", svc.config.Name, key, err))
			unsettled[key] = true
			continue
		}
		r.logger.Info("service updated",
			zap.String("service", svc.config.Name),
			zap.String("listen", svc.config.Listen),
			zap.Int("backends", len(svc.spec.Backends)),
		)
	}

	// Phase 5: Delete services that are no longer desired
	for key := range actualServices {
		if key.Slot != 0 {
			continue
		}
		if _, exists := desired.services[key]; exists {
			continue
		}
		if err := r.writer.DeleteService(key.Address, key.Port); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete service %s:%d: %w", key.Address, key.Port, err))
			unsettled[key] = true
			continue
		}
		r.logger.Info("service removed", zap.String("listen", fmt.Sprintf("%s:%d", key.Address, key.Port)))
	}

	// Slots beyond any desired count, left behind by an interrupted writer.
	// A service whose write failed may still count them.
	for key := range actualServices {
		if key.Slot == 0 || unsettled[key.BaseKey()] || slotDesired(desired.services, key) {
			continue
		}
		if err := r.store.DeleteService(key); err != nil && !errors.Is(err, lbmap.ErrNotFound) {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete stale slot %s: %w", key, err))
		}
	}

	// Phase 6: Delete backends no service references any more. Slots of an
	// unsettled service keep their backends until a later pass settles it.
	keep := make(map[string]bool, len(desired.backends))
	for _, record := range desired.backends {
		keep[backendKey(record)] = true
	}
	pinned := unsettledBackends(actualServices, unsettled)
	for id, record := range actualBackends {
		if _, exists := desired.backends[id]; exists {
			continue
		}
		if pinned[id] {
			keep[backendKey(record)] = true
			continue
		}
		if err := r.store.DeleteBackend(id); err != nil && !errors.Is(err, lbmap.ErrNotFound) {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("delete backend %d (%s): %w", id, record, err))
			continue
		}
		r.logger.Debug("backend removed", zap.Uint32("id", uint32(id)), zap.Stringer("backend", record))
	}
	r.ids.Retain(keep)

	if len(reconcileErrors) > 0 {
		r.logger.Error("reconcile completed with errors",
			zap.Int("error_count", len(reconcileErrors)),
			zap.Int("backend_ids", r.ids.Len()),
		)
		return errors.Join(reconcileErrors...)
	}

	r.logger.Info("reconcile completed successfully", zap.Int("backend_ids", r.ids.Len()))
	return nil
}

// buildDesiredState converts config services into table entries, resolving
// backend ids. Explicit ids are reserved before any id is allocated.
func (r *Reconciler) buildDesiredState(configs []config.ServiceConfig) (*desiredState, error) {
	state := &desiredState{
		services: make(map[lbmap.ServiceKey]*desiredService),
		backends: make(map[lbmap.BackendID]lbmap.BackendRecord),
	}

	type resolved struct {
		key    string
		record lbmap.BackendRecord
	}
	perService := make([][]resolved, len(configs))

	for i, svcCfg := range configs {
		protocol, err := protocolOf(svcCfg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}
		for _, backendCfg := range svcCfg.Backends {
			ip, port, err := config.ParseAddress(backendCfg.Address)
			if err != nil {
				return nil, fmt.Errorf("service %q, backend %q: %w", svcCfg.Name, backendCfg.Address, err)
			}
			record := lbmap.BackendRecord{Address: ip, Port: port, Proto: protocol}
			key := backendKey(record)
			if backendCfg.ID != 0 {
				r.ids.Reserve(key, lbmap.BackendID(backendCfg.ID))
			}
			perService[i] = append(perService[i], resolved{key: key, record: record})
		}
	}

	for i, svcCfg := range configs {
		ip, port, err := config.ParseAddress(svcCfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}
		spec := lbmap.ServiceSpec{Address: ip, Port: port}
		if _, exists := state.services[spec.BaseKey()]; exists {
			return nil, fmt.Errorf("service %q: listen address %s is used by another service", svcCfg.Name, svcCfg.Listen)
		}

		for _, b := range perService[i] {
			id, err := r.ids.Allocate(b.key)
			if err != nil {
				return nil, fmt.Errorf("service %q, backend %s: %w", svcCfg.Name, b.key, err)
			}
			state.backends[id] = b.record
			spec.Backends = append(spec.Backends, id)
		}

		state.services[spec.BaseKey()] = &desiredService{spec: spec, config: svcCfg}
	}

	return state, nil
}

// BackendID returns the id currently assigned to a backend, for display.
func (r *Reconciler) BackendID(record lbmap.BackendRecord) (lbmap.BackendID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids.Lookup(backendKey(record))
}

func protocolOf(svcCfg config.ServiceConfig) (lbmap.Protocol, error) {
	if svcCfg.Protocol == "" {
		return lbmap.ProtoTCP, nil
	}
	return lbmap.ParseProtocol(svcCfg.Protocol)
}

// backendKey identifies a backend independently of its id.
func backendKey(record lbmap.BackendRecord) string {
	return record.String()
}

func firstFailed(ids []lbmap.BackendID, failed map[lbmap.BackendID]bool) (lbmap.BackendID, bool) {
	for _, id := range ids {
		if failed[id] {
			return id, true
		}
	}
	return 0, false
}

// serviceUpToDate reports whether the tables already hold exactly spec.
func serviceUpToDate(actual map[lbmap.ServiceKey]lbmap.ServiceRecord, spec lbmap.ServiceSpec) bool {
	base := spec.BaseKey()
	record, ok := actual[base]
	if !ok {
		return false
	}
	want := lbmap.ServiceRecord{
		Selector:    spec.Selector,
		Count:       uint16(len(spec.Backends)),
		RevNATIndex: spec.RevNATIndex,
		Flags:       spec.Flags,
		Flags2:      spec.Flags2,
	}
	if record != want {
		return false
	}
	for i, id := range spec.Backends {
		want.Selector = lbmap.BackendSelector(id)
		want.Count = 0
		if actual[base.WithSlot(uint16(i+1))] != want {
			return false
		}
	}
	if len(spec.Backends) == math.MaxUint16 {
		return true
	}
	_, surplus := actual[base.WithSlot(uint16(len(spec.Backends)+1))]
	return !surplus
}

// unsettledBackends returns the backend ids still referenced by slots of
// unsettled services.
func unsettledBackends(actual map[lbmap.ServiceKey]lbmap.ServiceRecord, unsettled map[lbmap.ServiceKey]bool) map[lbmap.BackendID]bool {
	ids := make(map[lbmap.BackendID]bool)
	for key, record := range actual {
		if key.Slot == 0 || !unsettled[key.BaseKey()] {
			continue
		}
		if id, ok := record.Selector.BackendID(); ok {
			ids[id] = true
		}
	}
	return ids
}

func slotDesired(services map[lbmap.ServiceKey]*desiredService, key lbmap.ServiceKey) bool {
	svc, ok := services[key.BaseKey()]
	return ok && int(key.Slot) <= len(svc.spec.Backends)
}

package control

import (
	"errors"
	"testing"

	"github.com/easzlab/ezsocklb/pkg/config"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// countingStore wraps a MemStore without exposing its atomic Update, so
// the reconciler goes through ordered writes, and counts the writes.
type countingStore struct {
	mem    *lbmap.MemStore
	writes int
	// failDrain makes every write of a zero count to a base entry fail.
	failDrain bool
}

func (s *countingStore) GetService(key lbmap.ServiceKey) (lbmap.ServiceRecord, bool) {
	return s.mem.GetService(key)
}

func (s *countingStore) GetBackend(id lbmap.BackendID) (lbmap.BackendRecord, bool) {
	return s.mem.GetBackend(id)
}

func (s *countingStore) PutService(key lbmap.ServiceKey, record lbmap.ServiceRecord) error {
	s.writes++
	if s.failDrain && key.Slot == 0 && record.Count == 0 {
		return errors.New("transient put failure")
	}
	return s.mem.PutService(key, record)
}

func (s *countingStore) DeleteService(key lbmap.ServiceKey) error {
	s.writes++
	return s.mem.DeleteService(key)
}

func (s *countingStore) PutBackend(id lbmap.BackendID, record lbmap.BackendRecord) error {
	s.writes++
	return s.mem.PutBackend(id, record)
}

func (s *countingStore) DeleteBackend(id lbmap.BackendID) error {
	s.writes++
	return s.mem.DeleteBackend(id)
}

func (s *countingStore) Services() (map[lbmap.ServiceKey]lbmap.ServiceRecord, error) {
	return s.mem.Services()
}

func (s *countingStore) Backends() (map[lbmap.BackendID]lbmap.BackendRecord, error) {
	return s.mem.Backends()
}

func (s *countingStore) Close() error { return s.mem.Close() }

// newReconcilerTestEnv creates a MemStore and a Reconciler for testing.
func newReconcilerTestEnv(t *testing.T) (*lbmap.MemStore, *Reconciler) {
	t.Helper()
	store := lbmap.NewMemStore(0)
	return store, NewReconciler(store, zap.NewNop())
}

// makeServiceConfig creates a ServiceConfig for testing.
func makeServiceConfig(name, listen string, backends ...config.BackendConfig) config.ServiceConfig {
	return config.ServiceConfig{
		Name:     name,
		Listen:   listen,
		Protocol: "tcp",
		Backends: backends,
	}
}

// makeBackend creates a BackendConfig for testing.
func makeBackend(address string, id uint32) config.BackendConfig {
	return config.BackendConfig{Address: address, ID: id}
}

// serviceBackends resolves a service's slots to backend records, failing
// on any inconsistency a reader could observe.
func serviceBackends(t *testing.T, store lbmap.Reader, listen string) []lbmap.BackendRecord {
	t.Helper()
	ip, port, err := config.ParseAddress(listen)
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	base := lbmap.ServiceKey{Address: ip, Port: port}
	record, ok := store.GetService(base)
	if !ok {
		return nil
	}
	var result []lbmap.BackendRecord
	for slot := uint16(1); slot <= record.Count; slot++ {
		slotRecord, ok := store.GetService(base.WithSlot(slot))
		if !ok {
			t.Fatalf("service %s: slot %d missing", listen, slot)
		}
		id, ok := slotRecord.Selector.BackendID()
		if !ok {
			t.Fatalf("service %s: slot %d has no backend id", listen, slot)
		}
		backend, ok := store.GetBackend(id)
		if !ok {
			t.Fatalf("service %s: slot %d references missing backend %d", listen, slot, id)
		}
		result = append(result, backend)
	}
	return result
}

func tableSizes(t *testing.T, store lbmap.Store) (int, int) {
	t.Helper()
	services, err := store.Services()
	if err != nil {
		t.Fatalf("Services failed: %v", err)
	}
	backends, err := store.Backends()
	if err != nil {
		t.Fatalf("Backends failed: %v", err)
	}
	return len(services), len(backends)
}

// --- First Reconcile (empty tables -> create) ---

func TestReconcile_SingleServiceSingleBackend(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("10.0.0.2:80", 500)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	backend, ok := store.GetBackend(500)
	if !ok {
		t.Fatal("expected backend 500 to exist")
	}
	want := lbmap.BackendRecord{Address: lbmap.IPv4{10, 0, 0, 2}, Port: 80, Proto: lbmap.ProtoTCP}
	if backend != want {
		t.Errorf("expected backend %s, got %s", want, backend)
	}

	base, ok := store.GetService(lbmap.ServiceKey{Address: lbmap.IPv4{10, 0, 0, 1}, Port: 80})
	if !ok || base.Count != 1 {
		t.Fatalf("expected base entry with count 1, got %+v (ok=%v)", base, ok)
	}
	slot, _ := store.GetService(lbmap.ServiceKey{Address: lbmap.IPv4{10, 0, 0, 1}, Port: 80, Slot: 1})
	if id, ok := slot.Selector.BackendID(); !ok || id != 500 {
		t.Errorf("expected slot 1 to reference backend 500, got %v (ok=%v)", id, ok)
	}
}

func TestReconcile_MultipleServices(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("web", "10.0.0.1:80",
			makeBackend("192.168.1.1:8080", 0),
			makeBackend("192.168.1.2:8080", 0)),
		{
			Name:     "dns",
			Listen:   "10.0.0.1:53",
			Protocol: "udp",
			Backends: []config.BackendConfig{makeBackend("192.168.1.1:53", 0)},
		},
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := serviceBackends(t, store, "10.0.0.1:80"); len(got) != 2 {
		t.Errorf("expected 2 web backends, got %d", len(got))
	}
	dns := serviceBackends(t, store, "10.0.0.1:53")
	if len(dns) != 1 || dns[0].Proto != lbmap.ProtoUDP {
		t.Errorf("expected 1 udp dns backend, got %v", dns)
	}
	if services, backends := tableSizes(t, store); services != 5 || backends != 3 {
		t.Errorf("expected 5 service entries and 3 backends, got %d and %d", services, backends)
	}
}

func TestReconcile_SharedBackendHasOneEntry(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("a", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
		makeServiceConfig("b", "10.0.0.2:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, backends := tableSizes(t, store); backends != 1 {
		t.Errorf("expected 1 shared backend entry, got %d", backends)
	}
}

// --- Subsequent Reconciles (diff) ---

func TestReconcile_Idempotent(t *testing.T) {
	store := &countingStore{mem: lbmap.NewMemStore(0)}
	reconciler := NewReconciler(store, zap.NewNop())

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80",
			makeBackend("192.168.1.1:8080", 0),
			makeBackend("192.168.1.2:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	store.writes = 0

	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if store.writes != 0 {
		t.Errorf("expected no writes for unchanged config, got %d", store.writes)
	}
}

func TestReconcile_IDsStableWhenBackendAdded(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	first := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(first); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	record := lbmap.BackendRecord{Address: lbmap.IPv4{192, 168, 1, 1}, Port: 8080, Proto: lbmap.ProtoTCP}
	before, ok := reconciler.BackendID(record)
	if !ok {
		t.Fatal("expected backend to have an id")
	}

	second := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80",
			makeBackend("192.168.1.2:8080", 0),
			makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(second); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	after, _ := reconciler.BackendID(record)
	if before != after {
		t.Errorf("expected backend id %d to stay stable, got %d", before, after)
	}
	if got := serviceBackends(t, store, "10.0.0.1:80"); len(got) != 2 {
		t.Errorf("expected 2 backends, got %d", len(got))
	}
}

func TestReconcile_ShrinkRemovesSlotsAndBackends(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80",
			makeBackend("192.168.1.1:8080", 0),
			makeBackend("192.168.1.2:8080", 0),
			makeBackend("192.168.1.3:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	configs[0].Backends = configs[0].Backends[:1]
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	got := serviceBackends(t, store, "10.0.0.1:80")
	if len(got) != 1 || got[0].Address != (lbmap.IPv4{192, 168, 1, 1}) {
		t.Errorf("expected only 192.168.1.1 to remain, got %v", got)
	}
	if services, backends := tableSizes(t, store); services != 2 || backends != 1 {
		t.Errorf("expected 2 service entries and 1 backend, got %d and %d", services, backends)
	}
}

func TestReconcile_RemoveService(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
		makeServiceConfig("svc2", "10.0.0.2:80", makeBackend("192.168.1.2:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if err := reconciler.Reconcile(configs[:1]); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := serviceBackends(t, store, "10.0.0.2:80"); got != nil {
		t.Errorf("expected svc2 to be removed, got %v", got)
	}
	if services, backends := tableSizes(t, store); services != 2 || backends != 1 {
		t.Errorf("expected 2 service entries and 1 backend, got %d and %d", services, backends)
	}
}

func TestReconcile_EmptyConfigClearsTables(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if err := reconciler.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if services, backends := tableSizes(t, store); services != 0 || backends != 0 {
		t.Errorf("expected empty tables, got %d service entries and %d backends", services, backends)
	}
}

func TestReconcile_ExplicitIDTakesOverAllocatedID(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	first := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(first); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// 192.168.1.2 claims id 1, which 192.168.1.1 holds.
	second := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80",
			makeBackend("192.168.1.1:8080", 0),
			makeBackend("192.168.1.2:8080", 1)),
	}
	if err := reconciler.Reconcile(second); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	backend, _ := store.GetBackend(1)
	if backend.Address != (lbmap.IPv4{192, 168, 1, 2}) {
		t.Errorf("expected id 1 to belong to 192.168.1.2, got %s", backend)
	}
	got := serviceBackends(t, store, "10.0.0.1:80")
	if len(got) != 2 || got[0].Address != (lbmap.IPv4{192, 168, 1, 1}) {
		t.Errorf("expected both backends in config order, got %v", got)
	}
}

func TestReconcile_AdoptsExistingTables(t *testing.T) {
	store := lbmap.NewMemStore(0)
	record := lbmap.BackendRecord{Address: lbmap.IPv4{192, 168, 1, 1}, Port: 8080, Proto: lbmap.ProtoTCP}
	if err := store.PutBackend(42, record); err != nil {
		t.Fatalf("PutBackend failed: %v", err)
	}
	stale := lbmap.ServiceSpec{Address: lbmap.IPv4{10, 0, 0, 9}, Port: 80, Backends: []lbmap.BackendID{42}}
	if err := lbmap.NewWriter(store).UpsertService(stale); err != nil {
		t.Fatalf("UpsertService failed: %v", err)
	}

	reconciler := NewReconciler(store, zap.NewNop())
	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if id, _ := reconciler.BackendID(record); id != 42 {
		t.Errorf("expected the existing backend id 42 to be kept, got %d", id)
	}
	if got := serviceBackends(t, store, "10.0.0.9:80"); got != nil {
		t.Errorf("expected the stale service to be removed, got %v", got)
	}
}

func TestReconcile_RemovesOrphanSlots(t *testing.T) {
	store, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	orphan := lbmap.ServiceKey{Address: lbmap.IPv4{10, 0, 0, 1}, Port: 80, Slot: 5}
	if err := store.PutService(orphan, lbmap.ServiceRecord{Selector: lbmap.BackendSelector(1)}); err != nil {
		t.Fatalf("PutService failed: %v", err)
	}

	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, ok := store.GetService(orphan); ok {
		t.Error("expected orphan slot to be removed")
	}
}

func TestReconcile_TableFullSkipsService(t *testing.T) {
	store := lbmap.NewMemStore(1)
	reconciler := NewReconciler(store, zap.NewNop())

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80",
			makeBackend("192.168.1.1:8080", 0),
			makeBackend("192.168.1.2:8080", 0)),
	}
	err := reconciler.Reconcile(configs)
	if err == nil {
		t.Fatal("expected error when the backend table is full, got nil")
	}
	if !errors.Is(err, lbmap.ErrTableFull) {
		t.Errorf("expected ErrTableFull, got %v", err)
	}
	if got := serviceBackends(t, store, "10.0.0.1:80"); got != nil {
		t.Errorf("expected the service not to be written, got %v", got)
	}
}

func TestReconcile_DuplicateListen(t *testing.T) {
	_, reconciler := newReconcilerTestEnv(t)

	configs := []config.ServiceConfig{
		makeServiceConfig("a", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
		makeServiceConfig("b", "10.0.0.1:80", makeBackend("192.168.1.2:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err == nil {
		t.Fatal("expected error for duplicate listen address, got nil")
	}
}

func TestReconcile_FailedDeleteKeepsSlotsAndBackends(t *testing.T) {
	store := &countingStore{mem: lbmap.NewMemStore(0)}
	reconciler := NewReconciler(store, zap.NewNop())

	configs := []config.ServiceConfig{
		makeServiceConfig("svc1", "10.0.0.1:80", makeBackend("192.168.1.1:8080", 0)),
	}
	if err := reconciler.Reconcile(configs); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// The count cannot be lowered, so the service must stay fully readable.
	store.failDrain = true
	if err := reconciler.Reconcile(nil); err == nil {
		t.Fatal("expected error when the service cannot be drained, got nil")
	}
	got := serviceBackends(t, store, "10.0.0.1:80")
	if len(got) != 1 || got[0].String() != "192.168.1.1:8080/tcp" {
		t.Fatalf("expected the old backend to stay reachable, got %v", got)
	}

	store.failDrain = false
	if err := reconciler.Reconcile(nil); err != nil {
		t.Fatalf("Reconcile after recovery failed: %v", err)
	}
	if services, backends := tableSizes(t, store); services != 0 || backends != 0 {
		t.Errorf("expected empty tables after recovery, got %d services, %d backends", services, backends)
	}
}

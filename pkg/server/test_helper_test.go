package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/easzlab/ezsocklb/pkg/config"
	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"go.uber.org/zap"
)

// newTestServer creates a Server backed by an in-memory table store, so the
// tests need neither bpffs nor privileges.
func newTestServer(t *testing.T, configPath string, opts ...Option) (*Server, *lbmap.MemStore) {
	t.Helper()
	logger := zap.NewNop()

	configMgr, err := config.NewManager(configPath, logger)
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}

	store := lbmap.NewMemStore(0)
	srv, err := newServerWithStore(configMgr, store, logger, opts...)
	if err != nil {
		t.Fatalf("newServerWithStore failed: %v", err)
	}
	return srv, store
}

// writeYAMLFile writes YAML content to a file and returns the path.
func writeYAMLFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "ezsocklb.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write YAML file: %v", err)
	}
	return path
}

// tableSizes returns the number of service and backend entries.
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

func mustParseIPv4(t *testing.T, s string) lbmap.IPv4 {
	t.Helper()
	ip, err := lbmap.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q) failed: %v", s, err)
	}
	return ip
}

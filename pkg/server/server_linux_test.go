//go:build linux

package server

import (
	"net"
	"testing"

	"github.com/easzlab/ezsocklb/pkg/lbmap"
	"github.com/easzlab/ezsocklb/pkg/redirect"
)

// The backend listens on this host, so the sock_diag snapshot must turn the
// redirect into a pass-through.
func TestIntegration_HairpinDetectedBySocketDump(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	configYAML := `
hairpin:
  enabled: true
services:
  - name: local-service
    listen: 10.255.0.2:80
    backends:
      - address: ` + listener.Addr().String() + `
`
	dir := t.TempDir()
	configPath := writeYAMLFile(t, dir, configYAML)

	srv, _ := newTestServer(t, configPath)
	defer srv.Close()

	if err := srv.sockets.Refresh(); err != nil {
		t.Skipf("sock_diag not available: %v", err)
	}

	verdict, err := srv.Decide(redirect.Request{Address: mustParseIPv4(t, "10.255.0.2"), Port: 80, Protocol: lbmap.ProtoTCP})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if verdict.Action != redirect.PassThrough || verdict.Reason != redirect.HairpinDetected {
		t.Errorf("expected hairpin pass through, got %s", verdict)
	}

	// The table is keyed without protocol; no UDP socket holds the port
	verdict, err = srv.Decide(redirect.Request{Address: mustParseIPv4(t, "10.255.0.2"), Port: 80, Protocol: lbmap.ProtoUDP})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if verdict.Action != redirect.Redirect || verdict.Reason != redirect.Selected {
		t.Errorf("expected udp redirect, got %s", verdict)
	}
}

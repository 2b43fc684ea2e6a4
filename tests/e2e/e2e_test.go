//go:build linux

package e2e

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// --- Test 1: Once mode with the in-memory store ---

func TestE2E_OnceMode_MemoryStore(t *testing.T) {
	configYAML := `
global:
  log_level: info
hairpin:
  enabled: false
services:
  - name: web-service
    listen: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
      - address: 192.168.1.11:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	output := runEzsocklb(t, "once", "-c", configPath)
	if !strings.Contains(output, "reconcile completed successfully") {
		t.Errorf("expected successful reconcile in output, got: %s", output)
	}
}

// --- Test 2: Decide against a configured service ---

func TestE2E_Decide_Redirect(t *testing.T) {
	configYAML := `
hairpin:
  enabled: false
services:
  - name: web-service
    listen: 10.0.0.1:80
    backends:
      - address: 192.168.1.10:8080
  - name: dns-service
    listen: 10.0.0.2:53
    protocol: udp
    backends:
      - address: 192.168.2.10:53
      - address: 192.168.2.11:53
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	output := runEzsocklb(t, "decide", "10.0.0.1:80", "-c", configPath)
	if !strings.Contains(output, "redirect 192.168.1.10:8080 (selected)") {
		t.Errorf("expected redirect to 192.168.1.10:8080, got: %s", output)
	}

	output = runEzsocklb(t, "decide", "10.0.0.2:53", "--protocol", "udp", "-c", configPath)
	if !strings.Contains(output, "redirect 192.168.2.10:53 (selected)") {
		t.Errorf("expected udp redirect to the first backend, got: %s", output)
	}
}

func TestE2E_Decide_NotManaged(t *testing.T) {
	configYAML := `
hairpin:
  enabled: false
services:
  - name: web-service
    listen: 10.0.0.1:80
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	output := runEzsocklb(t, "decide", "10.0.0.1:81", "-c", configPath)
	if !strings.Contains(output, "pass_through (not_managed)") {
		t.Errorf("expected pass through, got: %s", output)
	}
}

func TestE2E_Decide_InvalidDestination(t *testing.T) {
	configYAML := `
services:
  - name: web-service
    listen: 10.0.0.1:80
    backends:
      - address: 192.168.1.10:8080
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	_, stderr := runEzsocklbExpectFailure(t, "decide", "[2001:db8::1]:80", "-c", configPath)
	if !strings.Contains(stderr, "invalid destination") {
		t.Errorf("expected invalid destination error, got stderr: %s", stderr)
	}
}

// --- Test 3: Connect through the engine ---

func TestE2E_Decide_Connect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			io.Copy(io.Discard, conn)
			conn.Close()
		}
	}()

	configYAML := fmt.Sprintf(`
hairpin:
  enabled: false
services:
  - name: local-service
    listen: 10.255.0.1:80
    backends:
      - address: %s
`, listener.Addr())
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	output := runEzsocklb(t, "decide", "10.255.0.1:80", "--connect", "-c", configPath)
	if !strings.Contains(output, "connected to "+listener.Addr().String()) {
		t.Errorf("expected connection to %s, got: %s", listener.Addr(), output)
	}
}

// --- Test 4: Invalid config ---

func TestE2E_OnceMode_InvalidConfig(t *testing.T) {
	// Config with no backends (validation should fail)
	invalidYAML := `
global:
  log_level: info
services:
  - name: bad-service
    listen: 10.0.0.1:80
    protocol: tcp
    backends: []
`
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, invalidYAML)

	_, stderr := runEzsocklbExpectFailure(t, "once", "-c", configPath)

	if !strings.Contains(stderr, "backend") && !strings.Contains(stderr, "config") {
		t.Errorf("expected error message about backends or config, got stderr: %s", stderr)
	}
}

// --- Test 5: Pinned BPF tables survive the process ---

func TestE2E_OnceMode_BPFStorePersists(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("pinning BPF maps requires root")
	}
	var fs unix.Statfs_t
	if err := unix.Statfs("/sys/fs/bpf", &fs); err != nil || fs.Type != unix.BPF_FS_MAGIC {
		t.Skip("bpffs is not mounted at /sys/fs/bpf")
	}

	pinPath := filepath.Join("/sys/fs/bpf", fmt.Sprintf("ezsocklb-e2e-%d", os.Getpid()))
	defer os.RemoveAll(pinPath)

	configYAML := fmt.Sprintf(`
store:
  type: bpf
  pin_path: %s
hairpin:
  enabled: false
services:
  - name: web-service
    listen: 10.0.0.1:80
    backends:
      - address: 192.168.1.10:8080
`, pinPath)
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	runEzsocklb(t, "once", "-c", configPath)

	for _, name := range []string{"v4_svc_map", "v4_backend_map"} {
		if _, err := os.Stat(filepath.Join(pinPath, name)); err != nil {
			t.Fatalf("expected pinned map %s: %v", name, err)
		}
	}

	// decide reads the pinned tables as they are
	output := runEzsocklb(t, "decide", "10.0.0.1:80", "-c", configPath)
	if !strings.Contains(output, "redirect 192.168.1.10:8080 (selected)") {
		t.Errorf("expected redirect from pinned tables, got: %s", output)
	}

	runEzsocklb(t, "cleanup", "-c", configPath)
	for _, name := range []string{"v4_svc_map", "v4_backend_map"} {
		if _, err := os.Stat(filepath.Join(pinPath, name)); !os.IsNotExist(err) {
			t.Errorf("expected map %s to be unpinned, stat returned: %v", name, err)
		}
	}
}

// --- Test 6: Daemon mode with graceful shutdown ---

func TestE2E_DaemonMode_GracefulShutdown(t *testing.T) {
	metricsAddr := freeAddress(t)
	configYAML := fmt.Sprintf(`
global:
  log_level: info
  metrics_listen: %s
hairpin:
  enabled: false
services:
  - name: web-service
    listen: 10.0.0.1:80
    protocol: tcp
    backends:
      - address: 192.168.1.10:8080
`, metricsAddr)
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, configYAML)

	// Start daemon in background
	cmd := runEzsocklbDaemon(t, configPath)

	// Verify the initial reconcile through the metrics endpoint
	waitForMetric(t, metricsAddr, `ezsocklb_table_entries{table="backends"} 1`, 5*time.Second)

	// Send SIGTERM for graceful shutdown
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	// Wait for process to exit with timeout
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- cmd.Wait()
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("daemon did not exit within 10 seconds after SIGTERM")
	}
}

// --- Test 7: Version command ---

func TestE2E_Version(t *testing.T) {
	output := runEzsocklb(t, "version")
	if !strings.Contains(output, "ezsocklb version") {
		t.Errorf("expected output to contain 'ezsocklb version', got %q", output)
	}
}

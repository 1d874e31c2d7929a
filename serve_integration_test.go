package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// buildBinary compiles the service into dir
func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "posefuse-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

// TestServeStartupShutdown runs the real binary, waits for /health and
// stops it with SIGINT
func TestServeStartupShutdown(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	port := freePort(t)
	configYAML := fmt.Sprintf(`server:
  listen: "127.0.0.1:%d"
  upload_dir: %q
  scene_root: %q
history:
  path: %q
logging:
  level: debug
`, port, filepath.Join(tmpDir, "uploads"), filepath.Join(tmpDir, "scenes"), filepath.Join(tmpDir, "history.db"))

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	binaryPath := buildBinary(t, tmpDir)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, binaryPath, "serve", "--config="+configPath)
	cmd.Env = append(os.Environ(), "MQTT_BROKER=")
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	healthy := false
	for i := 0; i < 50 && !healthy; i++ {
		resp, err := http.Get(healthURL)
		if err == nil {
			healthy = resp.StatusCode == http.StatusOK
			_ = resp.Body.Close()
		}
		if !healthy {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !healthy {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("Service never became healthy.\nFull output:\n%s", output.String())
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("Failed to send SIGINT: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("Expected clean exit after SIGINT, got %v.\nFull output:\n%s", err, output.String())
	}

	for _, expected := range []string{
		"posefuse version:",
		"[HISTORY] Recording alignment cycles to",
		"[HTTP] Listening on",
		"Shutting down...",
	} {
		if !strings.Contains(output.String(), expected) {
			t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s", expected, output.String())
		}
	}
}

// TestServeMissingConfig checks that an explicit config path must exist
func TestServeMissingConfig(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	binaryPath := buildBinary(t, tmpDir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, binaryPath, "serve", "--config=nonexistent.yaml").CombinedOutput()
	if err == nil {
		t.Error("Expected command to fail, but it succeeded")
	}
	if !strings.Contains(string(output), "config file not found") {
		t.Errorf("Expected a missing config error.\nFull output:\n%s", output)
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siliconlabs/cpcd/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
link:
  transport: socket
  socket:
    address: "127.0.0.1:5656"
log_level: debug
health_addr: "127.0.0.1:9001"
metrics_addr: "127.0.0.1:9002"
retry:
  noop_max: 5
  period_ms: 250
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Link.Transport != "socket" {
		t.Errorf("Link.Transport = %q, want %q", cfg.Link.Transport, "socket")
	}
	if cfg.Link.Socket.Address != "127.0.0.1:5656" {
		t.Errorf("Link.Socket.Address = %q", cfg.Link.Socket.Address)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HealthAddr != "127.0.0.1:9001" {
		t.Errorf("HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9001")
	}
	if cfg.MetricsAddr != "127.0.0.1:9002" {
		t.Errorf("MetricsAddr = %q, want %q", cfg.MetricsAddr, "127.0.0.1:9002")
	}
	if cfg.Retry.NoopMax != 5 {
		t.Errorf("Retry.NoopMax = %d, want 5", cfg.Retry.NoopMax)
	}
	if cfg.Retry.Period().Milliseconds() != 250 {
		t.Errorf("Retry.Period() = %v, want 250ms", cfg.Retry.Period())
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
link:
  transport: socket
  socket:
    address: "127.0.0.1:5656"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HealthAddr != "127.0.0.1:9000" {
		t.Errorf("default HealthAddr = %q, want %q", cfg.HealthAddr, "127.0.0.1:9000")
	}
	if cfg.MetricsAddr != "127.0.0.1:9001" {
		t.Errorf("default MetricsAddr = %q, want %q", cfg.MetricsAddr, "127.0.0.1:9001")
	}
	if cfg.Retry.NoopMax != 3 {
		t.Errorf("default Retry.NoopMax = %d, want 3", cfg.Retry.NoopMax)
	}
	if cfg.Retry.PeriodMS != 1000 {
		t.Errorf("default Retry.PeriodMS = %d, want 1000", cfg.Retry.PeriodMS)
	}
	if cfg.Link.UART.Baud != 115200 {
		t.Errorf("default Link.UART.Baud = %d, want 115200", cfg.Link.UART.Baud)
	}
}

func TestLoadConfig_MissingTransport(t *testing.T) {
	yaml := `
log_level: debug
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing link.transport, got nil")
	}
	if !strings.Contains(err.Error(), "link.transport") {
		t.Errorf("error %q does not mention link.transport", err.Error())
	}
}

func TestLoadConfig_MissingSocketAddress(t *testing.T) {
	yaml := `
link:
  transport: socket
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing link.socket.address, got nil")
	}
	if !strings.Contains(err.Error(), "link.socket.address") {
		t.Errorf("error %q does not mention link.socket.address", err.Error())
	}
}

func TestLoadConfig_MissingUARTDevice(t *testing.T) {
	yaml := `
link:
  transport: uart
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing link.uart.device, got nil")
	}
	if !strings.Contains(err.Error(), "link.uart.device") {
		t.Errorf("error %q does not mention link.uart.device", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
link:
  transport: socket
  socket:
    address: "127.0.0.1:5656"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidTransport(t *testing.T) {
	yaml := `
link:
  transport: carrier-pigeon
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid link.transport, got nil")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("error %q does not mention invalid transport %q", err.Error(), "carrier-pigeon")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_AggregatesMultipleErrors(t *testing.T) {
	yaml := `
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "link.transport") || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not aggregate both validation failures", err.Error())
	}
}

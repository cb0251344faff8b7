// Package config provides YAML configuration loading and validation for the
// cpcd daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for cpcd.
type Config struct {
	// Link selects and configures the transport used to reach the
	// SECONDARY. Required.
	Link LinkConfig `yaml:"link"`

	// Retry holds the retry budget and period applied to the daemon's
	// periodic NOOP liveness probes. Other system endpoint commands take
	// their retry budget and period as explicit arguments and do not read
	// this setting. Defaults are applied when omitted.
	Retry RetryConfig `yaml:"retry"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// MetricsAddr is the listen address for the Prometheus /metrics HTTP
	// server. Defaults to "127.0.0.1:9001" when omitted.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceLogPath is the path to the hash-chained diagnostic trace log
	// (package audit). Leave empty to disable tracing.
	TraceLogPath string `yaml:"trace_log_path"`
}

// LinkConfig selects the transport used to reach the SECONDARY and holds
// the per-transport settings.
type LinkConfig struct {
	// Transport is one of "socket" or "uart". Required.
	Transport string `yaml:"transport"`

	// Socket holds settings for the "socket" transport.
	Socket SocketConfig `yaml:"socket"`

	// UART holds settings for the "uart" transport.
	UART UARTConfig `yaml:"uart"`
}

// SocketConfig configures the TCP reference transport (internal/link.SocketLink).
type SocketConfig struct {
	// Address is the "host:port" to dial. Required when transport is
	// "socket".
	Address string `yaml:"address"`

	// DialTimeout bounds a single connection attempt. Defaults to 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxBackoff caps the exponential reconnect backoff. Defaults to 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// UARTConfig configures the SPI/UART bus driver. There is no Link
// implementation wired to this transport yet (buildLink rejects it); the
// schema is kept so a config file can already declare the eventual target
// board without every field being dead weight once one exists.
type UARTConfig struct {
	// Device is the character device path (e.g. "/dev/ttyACM0" or
	// "/dev/spidev0.0"). Required when transport is "uart".
	Device string `yaml:"device"`

	// Baud is the line rate in bits per second. Defaults to 115200.
	Baud int `yaml:"baud"`

	// IRQGPIO and WakeGPIO name the GPIO lines used to signal the
	// SECONDARY has data pending and to wake it from a low-power state,
	// respectively. Both are optional; leave empty if the board wires
	// IRQ/WAKE some other way.
	IRQGPIO  string `yaml:"irq_gpio"`
	WakeGPIO string `yaml:"wake_gpio"`
}

// RetryConfig holds a retry budget and period pair.
type RetryConfig struct {
	// NoopMax is the retry budget for periodic liveness NOOPs. Defaults
	// to 3.
	NoopMax uint8 `yaml:"noop_max"`

	// PeriodMS is the retry/timeout period in milliseconds applied
	// between a poll-ACK and the next retransmission. Defaults to 1000.
	PeriodMS int `yaml:"period_ms"`
}

// Period returns the configured retry period as a time.Duration.
func (r RetryConfig) Period() time.Duration {
	return time.Duration(r.PeriodMS) * time.Millisecond
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTransports is the set of accepted link.transport values.
var validTransports = map[string]bool{
	"socket": true,
	"uart":   true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered, not just the
// first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible
// defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = "127.0.0.1:9001"
	}
	if cfg.Retry.NoopMax == 0 {
		cfg.Retry.NoopMax = 3
	}
	if cfg.Retry.PeriodMS == 0 {
		cfg.Retry.PeriodMS = 1000
	}
	if cfg.Link.Socket.DialTimeout == 0 {
		cfg.Link.Socket.DialTimeout = 5 * time.Second
	}
	if cfg.Link.Socket.MaxBackoff == 0 {
		cfg.Link.Socket.MaxBackoff = 30 * time.Second
	}
	if cfg.Link.UART.Baud == 0 {
		cfg.Link.UART.Baud = 115200
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validTransports[cfg.Link.Transport] {
		errs = append(errs, fmt.Errorf("link.transport %q must be one of: socket, uart", cfg.Link.Transport))
	}
	if cfg.Link.Transport == "socket" && cfg.Link.Socket.Address == "" {
		errs = append(errs, errors.New("link.socket.address is required when link.transport is \"socket\""))
	}
	if cfg.Link.Transport == "uart" && cfg.Link.UART.Device == "" {
		errs = append(errs, errors.New("link.uart.device is required when link.transport is \"uart\""))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Retry.PeriodMS < 0 {
		errs = append(errs, fmt.Errorf("retry.period_ms %d must not be negative", cfg.Retry.PeriodMS))
	}

	return errors.Join(errs...)
}

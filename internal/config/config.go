// Package config provides configuration loading and validation for the
// edge agent. Configuration file loading is an external collaborator per
// spec.md §1 (the core is the script engine, not the config layer), but
// the agent still needs a concrete schema to boot the hardware actors,
// storage, and observability the engine depends on.
//
// Configuration file: /etc/edge-agent/config.yaml (default), schema
// version 1. There is no hot-reload of this file: unlike script
// definitions (reloaded every 30s per spec.md §4.6), device topology and
// bind addresses are destructive changes that require a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the edge agent.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1"; any other value fails validation.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this agent in telemetry and command-path logging.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Scripts configures the script storage directory.
	Scripts ScriptsConfig `yaml:"scripts"`

	// Limits are the default ScriptLimits applied to a script that does
	// not name a preset.
	Limits LimitsConfig `yaml:"limits"`

	// Modbus lists every Modbus device the actor layer connects to.
	Modbus []ModbusDeviceConfig `yaml:"modbus"`

	// ModbusPollInterval controls how often the telemetry collector sweeps
	// every device's configured registers into sensor readings.
	// Default: 5s.
	ModbusPollInterval time.Duration `yaml:"modbus_poll_interval"`

	// GPIO configures the GPIO actor's chip device and line map.
	GPIO GPIOConfig `yaml:"gpio"`

	// MQTT configures the outbound publisher used by alert/publish_mqtt
	// actions. The MQTT transport itself is out of scope (spec.md §1); this
	// only carries the broker address the glue layer hands to it.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Storage configures the audit ledger (BoltDB execution history).
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Command configures the operator/command-router Unix socket.
	Command CommandConfig `yaml:"command"`
}

// ScriptsConfig controls where script definitions live on disk.
type ScriptsConfig struct {
	// Dir is the directory scanned for *.json/*.yaml script definitions.
	// Default: /etc/edge-agent/scripts.
	Dir string `yaml:"dir"`

	// ReloadTicks is not read by the engine: it runs a reload-merge pass
	// every 30 ticks (30s at the 1s tick) whatever this value is.
	// Default: 30.
	ReloadTicks int `yaml:"reload_ticks"`
}

// LimitsConfig mirrors limits.ScriptLimits as a YAML-friendly shape; the
// agent converts this into a limits.ScriptLimits at startup.
type LimitsConfig struct {
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxActions       int           `yaml:"max_actions_per_run"`
	MaxDepth         int           `yaml:"max_call_depth"`
	MaxDelayMS       int64         `yaml:"max_delay_ms"`
	RateLimitPerMin  int           `yaml:"rate_limit_per_minute"`
}

// ModbusDeviceConfig describes one Modbus RTU/TCP device the actor layer
// connects to.
type ModbusDeviceConfig struct {
	Name         string          `yaml:"name"`
	Conn         string          `yaml:"conn"` // "tcp" or "rtu"
	Address      string          `yaml:"address"`
	SlaveID      byte            `yaml:"slave_id"`
	BaudRate     int             `yaml:"baud_rate"` // rtu only
	Timeout      time.Duration   `yaml:"timeout"`
	FailureLimit int             `yaml:"failure_limit"`
	RecoveryTime time.Duration   `yaml:"recovery_time"`
	Registers    []RegisterConfig `yaml:"registers"`
}

// RegisterConfig names one polled register on a device, mirroring
// modbusactor.RegisterConfig as a YAML-friendly shape.
type RegisterConfig struct {
	Name      string  `yaml:"name"`
	Address   uint16  `yaml:"address"`
	DataType  string  `yaml:"data_type"`  // u16, i16, u32, i32, f32
	ByteOrder string  `yaml:"byte_order"` // big_endian, little_endian, big_endian_byte_swap, little_endian_byte_swap
	Scale     float64 `yaml:"scale"`
	Unit      string  `yaml:"unit"`
}

// GPIOConfig describes the GPIO chip and the logical lines scripts may
// target. When ChipPath does not exist, the actor falls back to
// simulation mode transparently (spec.md §4.7).
type GPIOConfig struct {
	ChipPath string      `yaml:"chip_path"`
	Lines    []LineEntry `yaml:"lines"`
}

// LineEntry names one GPIO offset. Scripts address the line by its offset
// written as a decimal string (a set_gpio target of "17" for Offset 17);
// Name labels the line in the GPIO actor's line configuration.
type LineEntry struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
}

// MQTTConfig carries just enough to hand off to an external MQTT client;
// connecting and maintaining that client is out of scope (spec.md §1).
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
}

// StorageConfig holds audit-ledger parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB audit ledger.
	DBPath string `yaml:"db_path"`

	// RetentionDays is how long execution history is kept before pruning.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// CommandConfig controls the Unix socket the external command router
// connects to (spec.md §6).
type CommandConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// DefaultDBPath is the default BoltDB file location for the audit ledger.
const DefaultDBPath = "/var/lib/edge-agent/audit.db"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Scripts: ScriptsConfig{
			Dir:         "/etc/edge-agent/scripts",
			ReloadTicks: 30,
		},
		Limits: LimitsConfig{
			MaxExecutionTime: 30 * time.Second,
			MaxActions:       50,
			MaxDepth:         5,
			MaxDelayMS:       60000,
			RateLimitPerMin:  60,
		},
		ModbusPollInterval: 5 * time.Second,
		GPIO: GPIOConfig{
			ChipPath: "/dev/gpiochip0",
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Command: CommandConfig{
			Enabled:    true,
			SocketPath: "/run/edge-agent/command.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating every
// violation found rather than failing on the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Scripts.Dir == "" {
		errs = append(errs, "scripts.dir must not be empty")
	}
	if cfg.Scripts.ReloadTicks < 1 {
		errs = append(errs, fmt.Sprintf("scripts.reload_ticks must be >= 1, got %d", cfg.Scripts.ReloadTicks))
	}
	if cfg.Limits.MaxActions < 1 {
		errs = append(errs, fmt.Sprintf("limits.max_actions_per_run must be >= 1, got %d", cfg.Limits.MaxActions))
	}
	if cfg.Limits.MaxDepth < 1 {
		errs = append(errs, fmt.Sprintf("limits.max_call_depth must be >= 1, got %d", cfg.Limits.MaxDepth))
	}
	if cfg.Limits.RateLimitPerMin < 1 {
		errs = append(errs, fmt.Sprintf("limits.rate_limit_per_minute must be >= 1, got %d", cfg.Limits.RateLimitPerMin))
	}
	for i, dev := range cfg.Modbus {
		if dev.Name == "" {
			errs = append(errs, fmt.Sprintf("modbus[%d].name must not be empty", i))
		}
		if dev.Conn != "tcp" && dev.Conn != "rtu" {
			errs = append(errs, fmt.Sprintf("modbus[%d].conn must be \"tcp\" or \"rtu\", got %q", i, dev.Conn))
		}
		if dev.Address == "" {
			errs = append(errs, fmt.Sprintf("modbus[%d].address must not be empty", i))
		}
	}
	if cfg.GPIO.ChipPath == "" {
		errs = append(errs, "gpio.chip_path must not be empty")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

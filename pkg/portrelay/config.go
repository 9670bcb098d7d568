package portrelay

import (
	"github.com/ghalamif/PortRelay/internal/app/config"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// Config re-exports the process configuration so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls tick pacing, send timeouts and history sizes.
	Policy = ports.Policy
	// LogConfig selects log level and format.
	LogConfig = config.LogConfig
	// MetricsConfig configures the metrics and operator HTTP server.
	MetricsConfig = config.MetricsConfig
	// ForwarderConfig tunes the orchestrator.
	ForwarderConfig = config.ForwarderConfig
	// AlertConfig holds queue-length and failure-rate alert thresholds.
	AlertConfig = config.AlertConfig
	// SerialConfig lists the devices the built-in port manager opens.
	SerialConfig = config.SerialConfig
	// SerialPort describes one device and its line settings.
	SerialPort = config.SerialPort
	// RecordLogConfig configures the on-disk record log and the optional
	// TimescaleDB archive.
	RecordLogConfig = config.RecordLogConfig
	// TimescaleConfig configures the archive.
	TimescaleConfig = config.TimescaleConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return config.Default()
}

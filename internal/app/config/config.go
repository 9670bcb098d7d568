package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/PortRelay/internal/adapters/serial"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// SecretEnv overrides forwarder.secret when set.
const SecretEnv = "PORTRELAY_SECRET"

type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Serial    SerialConfig    `yaml:"serial"`
	RecordLog RecordLogConfig `yaml:"record_log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type ForwarderConfig struct {
	Tick                         time.Duration `yaml:"tick"`
	MaxItemsPerTick              int           `yaml:"max_items_per_tick"`
	TickBudget                   time.Duration `yaml:"tick_budget"`
	SendTimeout                  time.Duration `yaml:"send_timeout"`
	DropStaleBatchesOnPortReopen *bool         `yaml:"drop_stale_batches_on_port_reopen"`
	RecordHistory                int           `yaml:"record_history"`
	LogHistory                   int           `yaml:"log_history"`
	DedupMaxEntries              int           `yaml:"dedup_max_entries"`
	MaxQueueItems                int           `yaml:"max_queue_items"`
	Secret                       string        `yaml:"secret"`
}

type AlertConfig struct {
	QueueLength int           `yaml:"queue_length"`
	FailureRate float64       `yaml:"failure_rate"`
	MinSamples  int           `yaml:"min_samples"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

type SerialConfig struct {
	Ports []SerialPort `yaml:"ports"`
}

type SerialPort struct {
	Path              string        `yaml:"path"`
	BaudRate          int           `yaml:"baud_rate"`
	DataBits          int           `yaml:"data_bits"`
	Parity            string        `yaml:"parity"`
	StopBits          float64       `yaml:"stop_bits"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type RecordLogConfig struct {
	Dir           string          `yaml:"dir"`
	RetentionDays int             `yaml:"retention_days"`
	Timescale     TimescaleConfig `yaml:"timescale"`
}

type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default is the config used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	def := ports.DefaultPolicy()
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	f := &c.Forwarder
	if f.Tick == 0 {
		f.Tick = def.Tick
	}
	if f.MaxItemsPerTick == 0 {
		f.MaxItemsPerTick = def.MaxItemsPerTick
	}
	if f.TickBudget == 0 {
		f.TickBudget = def.TickBudget
	}
	if f.SendTimeout == 0 {
		f.SendTimeout = def.SendTimeout
	}
	if f.DropStaleBatchesOnPortReopen == nil {
		v := def.DropStaleBatchesOnPortReopen
		f.DropStaleBatchesOnPortReopen = &v
	}
	if f.RecordHistory == 0 {
		f.RecordHistory = def.RecordHistory
	}
	if f.LogHistory == 0 {
		f.LogHistory = 1000
	}
	if f.DedupMaxEntries == 0 {
		f.DedupMaxEntries = def.DedupMaxEntries
	}
	if f.MaxQueueItems == 0 {
		f.MaxQueueItems = 10_000
	}
	if env := os.Getenv(SecretEnv); env != "" {
		f.Secret = env
	}

	if c.Alerts.QueueLength == 0 {
		c.Alerts.QueueLength = 1000
	}
	if c.Alerts.FailureRate == 0 {
		c.Alerts.FailureRate = 0.5
	}
	if c.Alerts.MinSamples == 0 {
		c.Alerts.MinSamples = 10
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = 5 * time.Minute
	}

	for i := range c.Serial.Ports {
		p := &c.Serial.Ports[i]
		if p.BaudRate == 0 {
			p.BaudRate = 115200
		}
		if p.DataBits == 0 {
			p.DataBits = 8
		}
		if p.Parity == "" {
			p.Parity = "none"
		}
		if p.StopBits == 0 {
			p.StopBits = 1
		}
		if p.ReconnectInterval == 0 {
			p.ReconnectInterval = 2 * time.Second
		}
	}

	if c.RecordLog.Dir == "" {
		c.RecordLog.Dir = filepath.Join(c.DataDir, "records")
	}
	if c.RecordLog.RetentionDays == 0 {
		c.RecordLog.RetentionDays = 14
	}
	if c.RecordLog.Timescale.Table == "" {
		c.RecordLog.Timescale.Table = "serial_records"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if c.Forwarder.Tick < time.Millisecond {
		return fmt.Errorf("forwarder.tick must be at least 1ms")
	}
	if c.Forwarder.SendTimeout <= 0 {
		return fmt.Errorf("forwarder.send_timeout must be positive")
	}
	if c.Forwarder.MaxItemsPerTick < 0 || c.Forwarder.MaxQueueItems < 0 {
		return fmt.Errorf("forwarder limits must not be negative")
	}
	if c.Alerts.FailureRate < 0 || c.Alerts.FailureRate > 1 {
		return fmt.Errorf("alerts.failure_rate must be within [0,1]")
	}
	seen := make(map[string]struct{}, len(c.Serial.Ports))
	for _, p := range c.Serial.Ports {
		if p.Path == "" {
			return fmt.Errorf("serial.ports: path is required")
		}
		if _, dup := seen[p.Path]; dup {
			return fmt.Errorf("serial.ports: duplicate path %q", p.Path)
		}
		seen[p.Path] = struct{}{}
		if _, err := p.PortConfig().Mode(); err != nil {
			return err
		}
	}
	return nil
}

// Policy maps the forwarder section onto the orchestrator policy.
func (c *Config) Policy() ports.Policy {
	p := ports.DefaultPolicy()
	f := c.Forwarder
	p.Tick = f.Tick
	p.MaxItemsPerTick = f.MaxItemsPerTick
	p.TickBudget = f.TickBudget
	p.SendTimeout = f.SendTimeout
	if f.DropStaleBatchesOnPortReopen != nil {
		p.DropStaleBatchesOnPortReopen = *f.DropStaleBatchesOnPortReopen
	}
	p.RecordHistory = f.RecordHistory
	p.DedupMaxEntries = f.DedupMaxEntries
	return p
}

func (p SerialPort) PortConfig() serial.PortConfig {
	return serial.PortConfig{
		Path:              p.Path,
		BaudRate:          p.BaudRate,
		DataBits:          p.DataBits,
		Parity:            p.Parity,
		StopBits:          p.StopBits,
		ReconnectInterval: p.ReconnectInterval,
	}
}

func (c SerialConfig) PortConfigs() []serial.PortConfig {
	out := make([]serial.PortConfig, len(c.Ports))
	for i, p := range c.Ports {
		out[i] = p.PortConfig()
	}
	return out
}

// ForwardingPath is where the config store keeps sources and channels.
func (c *Config) ForwardingPath() string { return filepath.Join(c.DataDir, "forwarding.json") }

// QueueDir holds one durable queue directory per channel.
func (c *Config) QueueDir() string { return filepath.Join(c.DataDir, "queue") }

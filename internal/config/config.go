// Package config holds the agent's configuration, loaded from environment
// variables, with the runtime-mutable subset guarded by an RWMutex so the
// Control Surface can read/write it concurrently with the Monitor Loop and
// Update Engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Default configuration values, used when no environment variable or
// config file overrides them.
const (
	DefaultCheckInterval       = 30 * time.Second
	DefaultUpdateInterval      = 300 * time.Second
	DefaultAutoUpdate          = false
	DefaultCleanup             = true
	DefaultEventBufferSize     = 1024
	DefaultMaxParallelUpdates  = 1
	DefaultRuntimeEndpoint     = "/var/run/docker.sock"
	DefaultShutdownDrain       = 10 * time.Second
	DefaultApplyTimeoutCeiling = 120 * time.Second
)

// Config holds all agent configuration. Fields read only at startup are
// plain; the runtime-readable subset lives behind mu and is accessed
// through getters, with setters for the fields PUT /config can mutate
// (event_buffer_size has a getter only: the Event Bus ring is sized once
// at startup).
type Config struct {
	RuntimeEndpoint string
	LogJSON         bool
	LogLevel        string
	Port            string
	MetricsPort     string

	// Audit subscribers, optional and inert when their URL/broker is
	// unset. Startup-only, not mutated by the Control Surface.
	AuditMQTTBroker   string
	AuditMQTTTopic    string
	AuditWebhookURL   string

	// Schedule is an optional cron-style expression, checked by Validate.
	// The Monitor Loop and Update Engine do not read it: their cadence is
	// always check_interval/update_interval.
	Schedule string

	mu                 sync.RWMutex
	checkInterval      time.Duration
	updateInterval     time.Duration
	autoUpdate         bool
	cleanup            bool
	labelFilter        string // glob pattern; empty = no filter
	eventBufferSize    int
	maxParallelUpdates int
}

// Load reads configuration from environment variables with the defaults
// above, optionally seeded from a YAML file named by SENTINEL_CONFIG_FILE.
// Environment variables always win over the file.
func Load() (*Config, error) {
	c := &Config{
		RuntimeEndpoint:    DefaultRuntimeEndpoint,
		LogJSON:            true,
		LogLevel:           "info",
		Port:               "8080",
		MetricsPort:        "9090",
		checkInterval:      DefaultCheckInterval,
		updateInterval:     DefaultUpdateInterval,
		autoUpdate:         DefaultAutoUpdate,
		cleanup:            DefaultCleanup,
		eventBufferSize:    DefaultEventBufferSize,
		maxParallelUpdates: DefaultMaxParallelUpdates,
	}

	if path := os.Getenv("SENTINEL_CONFIG_FILE"); path != "" {
		if err := c.loadYAML(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	c.RuntimeEndpoint = envStr("RUNTIME_ENDPOINT", c.RuntimeEndpoint)
	c.Port = envStr("PORT", c.Port)
	c.MetricsPort = envStr("METRICS_PORT", c.MetricsPort)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.AuditMQTTBroker = envStr("AUDIT_MQTT_BROKER", c.AuditMQTTBroker)
	c.AuditMQTTTopic = envStr("AUDIT_MQTT_TOPIC", "sentinel/events")
	c.AuditWebhookURL = envStr("AUDIT_WEBHOOK_URL", c.AuditWebhookURL)
	c.Schedule = envStr("SCHEDULE", c.Schedule)

	if v, ok := os.LookupEnv("CHECK_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("CHECK_INTERVAL: %w", err)
		}
		c.checkInterval = d
	}
	if v, ok := os.LookupEnv("UPDATE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("UPDATE_INTERVAL: %w", err)
		}
		c.updateInterval = d
	}
	if v, ok := os.LookupEnv("AUTO_UPDATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("AUTO_UPDATE: %w", err)
		}
		c.autoUpdate = b
	}
	if v, ok := os.LookupEnv("CLEANUP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("CLEANUP: %w", err)
		}
		c.cleanup = b
	}
	if v, ok := os.LookupEnv("MAX_PARALLEL_UPDATES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_PARALLEL_UPDATES: %w", err)
		}
		c.maxParallelUpdates = n
	}
	if v, ok := os.LookupEnv("EVENT_BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("EVENT_BUFFER_SIZE: %w", err)
		}
		c.eventBufferSize = n
	}

	return c, nil
}

type yamlShape struct {
	CheckInterval      string `yaml:"check_interval"`
	UpdateInterval     string `yaml:"update_interval"`
	AutoUpdate         *bool  `yaml:"auto_update"`
	Cleanup            *bool  `yaml:"cleanup"`
	LabelFilter        string `yaml:"label_filter"`
	EventBufferSize    int    `yaml:"event_buffer_size"`
	MaxParallelUpdates int    `yaml:"max_parallel_updates"`
	RuntimeEndpoint    string `yaml:"runtime_endpoint"`
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var y yamlShape
	if err := yaml.Unmarshal(data, &y); err != nil {
		return err
	}
	if y.CheckInterval != "" {
		if d, err := time.ParseDuration(y.CheckInterval); err == nil {
			c.checkInterval = d
		}
	}
	if y.UpdateInterval != "" {
		if d, err := time.ParseDuration(y.UpdateInterval); err == nil {
			c.updateInterval = d
		}
	}
	if y.AutoUpdate != nil {
		c.autoUpdate = *y.AutoUpdate
	}
	if y.Cleanup != nil {
		c.cleanup = *y.Cleanup
	}
	if y.LabelFilter != "" {
		c.labelFilter = y.LabelFilter
	}
	if y.EventBufferSize > 0 {
		c.eventBufferSize = y.EventBufferSize
	}
	if y.MaxParallelUpdates > 0 {
		c.maxParallelUpdates = y.MaxParallelUpdates
	}
	if y.RuntimeEndpoint != "" {
		c.RuntimeEndpoint = y.RuntimeEndpoint
	}
	return nil
}

// Validate checks configuration for invalid values, aggregating every
// field error rather than stopping at the first.
func (c *Config) Validate() error {
	c.mu.RLock()
	ci, ui, ebs, mpu := c.checkInterval, c.updateInterval, c.eventBufferSize, c.maxParallelUpdates
	c.mu.RUnlock()

	var errs []error
	if ci <= 0 {
		errs = append(errs, fmt.Errorf("CHECK_INTERVAL must be > 0, got %s", ci))
	}
	if ui <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_INTERVAL must be > 0, got %s", ui))
	}
	if ebs <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER_SIZE must be > 0, got %d", ebs))
	}
	if mpu <= 0 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL_UPDATES must be > 0, got %d", mpu))
	}
	if c.Schedule != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("SCHEDULE: invalid cron expression: %w", err))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ---- getters/setters for the mutable subset (thread-safe) ----

func (c *Config) CheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkInterval
}

func (c *Config) SetCheckInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("check_interval must be > 0")
	}
	c.mu.Lock()
	c.checkInterval = d
	c.mu.Unlock()
	return nil
}

func (c *Config) UpdateInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateInterval
}

func (c *Config) SetUpdateInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("update_interval must be > 0")
	}
	c.mu.Lock()
	c.updateInterval = d
	c.mu.Unlock()
	return nil
}

func (c *Config) AutoUpdate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdate
}

func (c *Config) SetAutoUpdate(b bool) {
	c.mu.Lock()
	c.autoUpdate = b
	c.mu.Unlock()
}

func (c *Config) Cleanup() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleanup
}

func (c *Config) SetCleanup(b bool) {
	c.mu.Lock()
	c.cleanup = b
	c.mu.Unlock()
}

func (c *Config) LabelFilter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labelFilter
}

func (c *Config) SetLabelFilter(pattern string) {
	c.mu.Lock()
	c.labelFilter = pattern
	c.mu.Unlock()
}

func (c *Config) EventBufferSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventBufferSize
}

func (c *Config) MaxParallelUpdates() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxParallelUpdates
}

func (c *Config) SetMaxParallelUpdates(n int) error {
	if n <= 0 {
		return fmt.Errorf("max_parallel_updates must be > 0")
	}
	c.mu.Lock()
	c.maxParallelUpdates = n
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current mutable configuration values as a plain
// struct, suitable for JSON encoding by the Control Surface's GET /config.
type Snapshot struct {
	CheckInterval      time.Duration `json:"check_interval"`
	UpdateInterval     time.Duration `json:"update_interval"`
	AutoUpdate         bool          `json:"auto_update"`
	Cleanup            bool          `json:"cleanup"`
	LabelFilter        string        `json:"label_filter,omitempty"`
	EventBufferSize    int           `json:"event_buffer_size"`
	MaxParallelUpdates int           `json:"max_parallel_updates"`
}

func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		CheckInterval:      c.checkInterval,
		UpdateInterval:     c.updateInterval,
		AutoUpdate:         c.autoUpdate,
		Cleanup:            c.cleanup,
		LabelFilter:        c.labelFilter,
		EventBufferSize:    c.eventBufferSize,
		MaxParallelUpdates: c.maxParallelUpdates,
	}
}

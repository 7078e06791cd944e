// Package config loads the deployment document: broker, connectors, sessions,
// tags, queue, backpressure and observability settings in one YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irontide/sparkbridge/internal/adapters/modbus"
	"github.com/irontide/sparkbridge/internal/adapters/mqtt"
	"github.com/irontide/sparkbridge/internal/adapters/opcua"
	"github.com/irontide/sparkbridge/internal/adapters/s7"
	"github.com/irontide/sparkbridge/internal/adapters/sim"
	"github.com/irontide/sparkbridge/internal/adapters/store"
	"github.com/irontide/sparkbridge/internal/app/backpressure"
	"github.com/irontide/sparkbridge/internal/app/session"
	"github.com/irontide/sparkbridge/internal/ports"
	"github.com/irontide/sparkbridge/internal/registry"
)

// ConnectorConfig selects one connector variant. Exactly one of the variant
// blocks must be set; the runtime factory dispatches on which one is present.
type ConnectorConfig struct {
	OPCUA  *opcua.Config  `yaml:"opcua"`
	Modbus *modbus.Config `yaml:"modbus"`
	S7     *s7.Config     `yaml:"s7"`
	Sim    *sim.Config    `yaml:"sim"`
}

// Name returns the configured connector name regardless of variant.
func (c *ConnectorConfig) Name() string {
	switch {
	case c.OPCUA != nil:
		return c.OPCUA.Name
	case c.Modbus != nil:
		return c.Modbus.Name
	case c.S7 != nil:
		return c.S7.Name
	case c.Sim != nil:
		return c.Sim.Name
	}
	return ""
}

func (c *ConnectorConfig) variants() int {
	n := 0
	for _, set := range []bool{c.OPCUA != nil, c.Modbus != nil, c.S7 != nil, c.Sim != nil} {
		if set {
			n++
		}
	}
	return n
}

// PollerConfig tunes the acquisition loops.
type PollerConfig struct {
	// ReconnectMin and ReconnectMax bound the exponential backoff after a
	// connector failure.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	// DegradeAfter marks a tag degraded after this many consecutive
	// failed reads.
	DegradeAfter int `yaml:"degrade_after"`

	// DegradedMultiplier stretches a degraded tag's sampling interval
	// until a good read recovers it.
	DegradedMultiplier int `yaml:"degraded_multiplier"`

	// BaselineInterval is the default sampling interval for tags that do
	// not set their own.
	BaselineInterval time.Duration `yaml:"baseline_interval"`
}

func (c *PollerConfig) applyDefaults() {
	if c.ReconnectMin == 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DegradeAfter == 0 {
		c.DegradeAfter = 5
	}
	if c.DegradedMultiplier == 0 {
		c.DegradedMultiplier = 10
	}
	if c.BaselineInterval == 0 {
		c.BaselineInterval = 250 * time.Millisecond
	}
}

// MetricsConfig configures the management HTTP endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// WritesConfig gates controller writes for the whole deployment.
type WritesConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root document.
type Config struct {
	Broker       mqtt.Config             `yaml:"broker"`
	Connectors   []ConnectorConfig       `yaml:"connectors"`
	Sessions     []session.Config        `yaml:"sessions"`
	Tags         []registry.TagRecord    `yaml:"tags"`
	Queue        store.Config            `yaml:"queue"`
	Backpressure backpressure.Config     `yaml:"backpressure"`
	Poller       PollerConfig            `yaml:"poller"`
	Metrics      MetricsConfig           `yaml:"metrics"`
	Logging      LoggingConfig           `yaml:"logging"`
	Writes       WritesConfig            `yaml:"writes"`
}

// Load reads and validates the document. Per-record tag problems are
// returned as warnings; only a config that cannot run at all is an error.
func Load(path string) (*Config, []error, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return Parse(raw)
}

// Parse decodes a document from memory.
func Parse(raw []byte) (*Config, []error, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	warnings := cfg.validateRecords()
	if err := cfg.validate(); err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}

func (c *Config) applyDefaults() {
	c.Queue.ApplyDefaults()
	c.Backpressure.ApplyDefaults()
	c.Poller.applyDefaults()
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	// QoS defaulting lives in session.Config's unmarshaller so an explicit
	// qos: 0 survives.
	for i := range c.Sessions {
		if c.Sessions[i].Namespace == "" {
			c.Sessions[i].Namespace = "spBv1.0"
		}
	}
	for i := range c.Connectors {
		if cc := c.Connectors[i].OPCUA; cc != nil {
			cc.ApplyDefaults()
		}
	}
}

// validateRecords collects per-record diagnostics that do not stop startup.
func (c *Config) validateRecords() []error {
	var warnings []error

	names := make(map[string]bool)
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if cc.variants() != 1 {
			warnings = append(warnings, &ports.ConfigError{Section: "connectors", Index: i,
				Err: fmt.Errorf("exactly one variant block must be set")})
			continue
		}
		if names[cc.Name()] {
			warnings = append(warnings, &ports.ConfigError{Section: "connectors", Index: i,
				Err: fmt.Errorf("duplicate connector name %q", cc.Name())})
		}
		names[cc.Name()] = true
	}

	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.Connector != "" && !names[s.Connector] {
			warnings = append(warnings, &ports.ConfigError{Section: "sessions", Index: i,
				Err: fmt.Errorf("session %q references unknown connector %q", s.NodeID, s.Connector)})
		}
	}

	for i := range c.Tags {
		t := &c.Tags[i]
		if t.Connector != "" && !names[t.Connector] {
			warnings = append(warnings, &ports.ConfigError{Section: "tags", Index: i,
				Err: fmt.Errorf("tag %q references unknown connector %q", t.Name, t.Connector)})
		}
	}
	return warnings
}

// validate enforces the few settings without which the gateway cannot run.
func (c *Config) validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}
	for i := range c.Sessions {
		if c.Sessions[i].NodeID == "" {
			return &ports.ConfigError{Section: "sessions", Index: i,
				Err: fmt.Errorf("node_id is required")}
		}
		if c.Sessions[i].GroupID == "" {
			return &ports.ConfigError{Section: "sessions", Index: i,
				Err: fmt.Errorf("group_id is required")}
		}
	}
	if c.Queue.Dir == "" {
		return fmt.Errorf("queue.dir is required")
	}
	return nil
}

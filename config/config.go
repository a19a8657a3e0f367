// Package config loads the bridge's YAML configuration, following the same
// Load/Validate/Save shape the project has always used: unmarshal, apply
// defaults, validate, and (for tooling) marshal back out.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root bridge configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	GCS        GCSConfig        `yaml:"gcs"`
	Transports []TransportConfig `yaml:"transports"`
	Routes     []RouteConfig    `yaml:"routes"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Mission    MissionConfig    `yaml:"mission"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DedupeWindowS float64       `yaml:"dedupe_window_s"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level           string `yaml:"level"` // debug, info, warn, error
	TimestampFormat string `yaml:"timestamp_format"`
}

// GCSConfig is the identity the bridge uses for its own synthesized
// outbound traffic: GCS heartbeats, and any command whose source identity
// is overridden for a single send.
type GCSConfig struct {
	SysID              uint8   `yaml:"sysid"`
	CompID              uint8   `yaml:"compid"`
	HeartbeatIntervalS  float64 `yaml:"heartbeat_interval_s"`
	DeviceHeartbeatIntervalS float64 `yaml:"device_heartbeat_interval_s"`
}

// TransportConfig describes one physical MAVLink endpoint.
type TransportConfig struct {
	Name             string `yaml:"name"`
	Kind             string `yaml:"kind"` // udp_listen, udp_connect, serial
	Address          string `yaml:"address"`
	Port             int    `yaml:"port"`
	Device           string `yaml:"device"` // serial device path
	Baud             int    `yaml:"baud"`
	OutQueueCapacity int    `yaml:"out_queue_capacity"`
}

// RouteConfig is a declarative forwarding rule.
type RouteConfig struct {
	From          string             `yaml:"from"` // transport name or "any"
	To            []RouteDestination `yaml:"to"`
	DedupeWindowS float64            `yaml:"dedupe_window_s"`
}

// RouteDestination is one forwarding target: either a raw udp:host:port or
// a named transport (to_port).
type RouteDestination struct {
	UDP    string `yaml:"udp,omitempty"`
	ToPort string `yaml:"to_port,omitempty"`
}

// MQTTConfig configures the broker connection and topic schema root.
type MQTTConfig struct {
	Broker           string `yaml:"broker"`
	ClientID         string `yaml:"client_id"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	TopicRoot        string `yaml:"topic_root"`
	QoS              int    `yaml:"qos"`
	PendingPollIntervalS float64 `yaml:"pending_poll_interval_s"`
	PublishQueueCapacity int `yaml:"publish_queue_capacity"`
}

// MissionConfig configures upload/download FSM behavior.
type MissionConfig struct {
	TimeoutS float64 `yaml:"timeout_s"`
}

// MetricsConfig configures the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, defaults, applies environment overrides and validates the
// bridge configuration.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.GCS.SysID == 0 {
		cfg.GCS.SysID = 255
	}
	if cfg.GCS.CompID == 0 {
		cfg.GCS.CompID = 190 // MAV_COMP_ID_MISSIONPLANNER
	}
	if cfg.GCS.HeartbeatIntervalS <= 0 {
		cfg.GCS.HeartbeatIntervalS = 1.0
	}
	if cfg.GCS.DeviceHeartbeatIntervalS <= 0 {
		cfg.GCS.DeviceHeartbeatIntervalS = 2.0
	}
	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = "wayfarer/v1"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "houston-bridge"
	}
	if cfg.MQTT.PendingPollIntervalS <= 0 {
		cfg.MQTT.PendingPollIntervalS = 0.5
	}
	if cfg.MQTT.PublishQueueCapacity <= 0 {
		cfg.MQTT.PublishQueueCapacity = 2000
	}
	if cfg.Mission.TimeoutS <= 0 {
		cfg.Mission.TimeoutS = 30.0
	}
	if cfg.DedupeWindowS <= 0 {
		cfg.DedupeWindowS = 0.2
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9477"
	}
	for i := range cfg.Transports {
		if cfg.Transports[i].OutQueueCapacity <= 0 {
			cfg.Transports[i].OutQueueCapacity = 1000
		}
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].DedupeWindowS <= 0 {
			cfg.Routes[i].DedupeWindowS = 1.0
		}
	}
}

// applyEnvOverrides lets HOUSTON_MQTT_HOST, HOUSTON_MQTT_PORT and
// HOUSTON_TOPIC_PREFIX override the loaded MQTT defaults, applied after
// unmarshal and before validation so the merged result is what gets
// checked.
func applyEnvOverrides(cfg *Config) {
	host := os.Getenv("HOUSTON_MQTT_HOST")
	port := os.Getenv("HOUSTON_MQTT_PORT")
	prefix := os.Getenv("HOUSTON_TOPIC_PREFIX")

	if host != "" || port != "" {
		h := host
		p := port
		if h == "" || p == "" {
			// Partial override: keep whichever half of the broker URL
			// wasn't supplied by parsing the existing one minimally.
			if u, err := url.Parse(cfg.MQTT.Broker); err == nil {
				if h == "" {
					h = u.Hostname()
				}
				if p == "" {
					p = u.Port()
				}
			}
		}
		if h != "" && p != "" {
			cfg.MQTT.Broker = fmt.Sprintf("tcp://%s:%s", h, p)
		}
	}
	if prefix != "" {
		cfg.MQTT.TopicRoot = prefix
	}
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport must be configured")
	}
	names := make(map[string]struct{}, len(c.Transports))
	for _, t := range c.Transports {
		if t.Name == "" {
			return fmt.Errorf("transport name cannot be empty")
		}
		if _, dup := names[t.Name]; dup {
			return fmt.Errorf("duplicate transport name %q", t.Name)
		}
		names[t.Name] = struct{}{}
		switch t.Kind {
		case "udp_listen", "udp_connect":
			if t.Port <= 0 || t.Port > 65535 {
				return fmt.Errorf("transport %q: port must be between 1 and 65535", t.Name)
			}
		case "serial":
			if t.Device == "" {
				return fmt.Errorf("transport %q: device cannot be empty", t.Name)
			}
			if t.Baud <= 0 {
				return fmt.Errorf("transport %q: baud must be greater than 0", t.Name)
			}
		default:
			return fmt.Errorf("transport %q: unknown kind %q", t.Name, t.Kind)
		}
	}
	for _, r := range c.Routes {
		if r.From == "" {
			return fmt.Errorf("route: from cannot be empty")
		}
		for _, d := range r.To {
			if d.UDP == "" && d.ToPort == "" {
				return fmt.Errorf("route from %q: destination must set udp or to_port", r.From)
			}
		}
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker cannot be empty")
	}
	if c.GCS.SysID < 250 {
		return fmt.Errorf("gcs.sysid must be >= 250 by convention, got %d", c.GCS.SysID)
	}
	return nil
}

// Save writes the configuration back to a YAML file; used by operator
// tooling, not by the bridge process itself.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	PresenceTrack PresenceTrackConfig `yaml:"presencetrack"`
}

// PresenceTrackConfig is the project configuration.
type PresenceTrackConfig struct {
	Source        SourceConfig        `yaml:"source"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Registry      RegistryConfig      `yaml:"registry"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Rules         RulesConfig         `yaml:"rules"`
	Output        OutputConfig        `yaml:"output"`
	ReplayCapture ReplayCaptureConfig `yaml:"replay_capture"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// SourceConfig selects and configures the sighting source.
type SourceConfig struct {
	Mode   string       `yaml:"mode"` // socket|redis
	Socket SocketConfig `yaml:"socket"`
	Redis  RedisConfig  `yaml:"redis"`
}

// SocketConfig controls the persistent websocket connection.
type SocketConfig struct {
	URL               string        `yaml:"url"`
	EventName         string        `yaml:"event_name"`
	DeviceID          string        `yaml:"device_id"`
	DeviceToken       string        `yaml:"device_token"`
	DeviceIDHeader    string        `yaml:"device_id_header"`
	DeviceTokenHeader string        `yaml:"device_token_header"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectMin      time.Duration `yaml:"reconnect_min"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// ResolverConfig controls the two-step entity lookup.
type ResolverConfig struct {
	BaseURL      string            `yaml:"base_url"`
	TagPath      string            `yaml:"tag_path"`
	EntityPath   string            `yaml:"entity_path"`
	AcceptedType string            `yaml:"accepted_type"`
	KeyPrefixLen int               `yaml:"key_prefix_len"`
	IDField      string            `yaml:"id_field"`
	Fields       []FieldConfig     `yaml:"fields"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
}

// FieldConfig declares an entity attribute and the kind of its zero value.
type FieldConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // string|number|bool|list|map
}

// RegistryConfig controls presence expiry.
type RegistryConfig struct {
	Window          time.Duration `yaml:"window"`
	Tick            time.Duration `yaml:"tick"`
	ClampLastSeen   *bool         `yaml:"clamp_last_seen"`
	TimestampSource string        `yaml:"timestamp_source"` // processed|detected
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MaxPending caps events held while a writer is failing; the oldest are dropped beyond it.
	MaxPending int `yaml:"max_pending"`
}

// RulesConfig controls entity tagging rules.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// OutputConfig controls presence event sinks. Each enabled sink receives every event.
type OutputConfig struct {
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	Kafka      KafkaOutputConfig      `yaml:"kafka"`
	Redis      RedisMirrorConfig      `yaml:"redis"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	Enabled  bool              `yaml:"enabled"`
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// KafkaOutputConfig config for the Kafka presence event publisher.
type KafkaOutputConfig struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisMirrorConfig config for the Redis live-set mirror.
type RedisMirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ReplayCaptureConfig controls raw payload capture for replay.
type ReplayCaptureConfig struct {
	Enabled       bool             `yaml:"enabled"`
	File          FileOutputConfig `yaml:"file"`
	BatchSize     int              `yaml:"batch_size"`
	FlushInterval time.Duration    `yaml:"flush_interval"`
}

// MetricsConfig controls the metrics and presence API listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// ClampEnabled reports whether LastSeen is clamped to be non-decreasing. Defaults to true.
func (r RegistryConfig) ClampEnabled() bool {
	if r.ClampLastSeen == nil {
		return true
	}
	return *r.ClampLastSeen
}

// LoadConfig reads and parses a YAML config file, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PRESENCETRACK_DEVICE_TOKEN")); v != "" {
		cfg.PresenceTrack.Source.Socket.DeviceToken = v
	}
	if v := strings.TrimSpace(os.Getenv("PRESENCETRACK_API_URL")); v != "" {
		cfg.PresenceTrack.Resolver.BaseURL = v
	}
}

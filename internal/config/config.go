// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host     string `envconfig:"MAGIC_HOST" yaml:"host"`
	Port     int    `envconfig:"MAGIC_PORT" yaml:"port"`
	GRPCPort int    `envconfig:"MAGIC_GRPC_PORT" yaml:"grpc_port"`

	// Connection registry backend
	Registry RegistryConfig `yaml:"registry"`

	// Redis connection (registry type "redis")
	Redis RedisConfig `yaml:"redis"`

	// DynamoDB table (registry type "dynamodb")
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`

	// AWS shared settings
	AWS AWSConfig `yaml:"aws"`

	// Transport used to push messages to connections
	Transport TransportConfig `yaml:"transport"`

	// Broadcast engine defaults
	Broadcast BroadcastConfig `yaml:"broadcast"`

	// Stale sweeper
	Sweeper SweeperConfig `yaml:"sweeper"`

	// Event bus
	Bus BusConfig `yaml:"bus"`

	// Component store
	Components ComponentsConfig `yaml:"components"`

	// Connection audit log
	Audit AuditConfig `yaml:"audit"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`

	// MCP tool server
	MCP MCPConfig `yaml:"mcp"`
}

// RegistryConfig selects the connection registry implementation.
type RegistryConfig struct {
	Type      string        `envconfig:"MAGIC_REGISTRY_TYPE" yaml:"type"` // memory, redis, dynamodb
	KeyPrefix string        `envconfig:"MAGIC_REGISTRY_KEY_PREFIX" yaml:"key_prefix"`
	Retention time.Duration `envconfig:"MAGIC_REGISTRY_RETENTION" yaml:"retention"` // 0 = keep inactive records
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL         string        `envconfig:"MAGIC_REDIS_URL" yaml:"url"`
	DialTimeout time.Duration `envconfig:"MAGIC_REDIS_DIAL_TIMEOUT" yaml:"dial_timeout"`
}

// DynamoDBConfig holds the connections table layout.
type DynamoDBConfig struct {
	Table        string `envconfig:"MAGIC_DYNAMODB_TABLE" yaml:"table"`
	ContextIndex string `envconfig:"MAGIC_DYNAMODB_CONTEXT_INDEX" yaml:"context_index"`
	Endpoint     string `envconfig:"MAGIC_DYNAMODB_ENDPOINT" yaml:"endpoint"` // local DynamoDB override
}

// AWSConfig holds settings shared by the AWS clients.
type AWSConfig struct {
	Region string `envconfig:"MAGIC_AWS_REGION" yaml:"region"`
}

// TransportConfig selects how messages reach connections.
type TransportConfig struct {
	Type               string        `envconfig:"MAGIC_TRANSPORT_TYPE" yaml:"type"` // websocket, apigateway
	APIGatewayEndpoint string        `envconfig:"MAGIC_APIGATEWAY_ENDPOINT" yaml:"apigateway_endpoint"`
	WriteTimeout       time.Duration `envconfig:"MAGIC_TRANSPORT_WRITE_TIMEOUT" yaml:"write_timeout"`
	PingInterval       time.Duration `envconfig:"MAGIC_TRANSPORT_PING_INTERVAL" yaml:"ping_interval"`
	ReadLimit          int64         `envconfig:"MAGIC_TRANSPORT_READ_LIMIT" yaml:"read_limit"`
}

// BroadcastConfig holds broadcast defaults applied when a request leaves them unset.
type BroadcastConfig struct {
	BatchSize   int           `envconfig:"MAGIC_BROADCAST_BATCH_SIZE" yaml:"batch_size"`
	RetryLimit  int           `envconfig:"MAGIC_BROADCAST_RETRY_LIMIT" yaml:"retry_limit"`
	BaseDelay   time.Duration `envconfig:"MAGIC_BROADCAST_BASE_DELAY" yaml:"base_delay"`
	MaxDelay    time.Duration `envconfig:"MAGIC_BROADCAST_MAX_DELAY" yaml:"max_delay"`
	SendTimeout time.Duration `envconfig:"MAGIC_BROADCAST_SEND_TIMEOUT" yaml:"send_timeout"`
}

// SweeperConfig controls stale connection eviction.
type SweeperConfig struct {
	Enabled   bool          `envconfig:"MAGIC_SWEEPER_ENABLED" yaml:"enabled"`
	Interval  time.Duration `envconfig:"MAGIC_SWEEPER_INTERVAL" yaml:"interval"`
	Threshold time.Duration `envconfig:"MAGIC_SWEEPER_THRESHOLD" yaml:"threshold"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"MAGIC_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"MAGIC_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"MAGIC_KAFKA_GROUP" yaml:"kafka_group"`
	KafkaVersion string `envconfig:"MAGIC_KAFKA_VERSION" yaml:"kafka_version"`
	KafkaFanout  bool   `envconfig:"MAGIC_KAFKA_FANOUT" yaml:"kafka_fanout"` // per-node consumer group
}

// ComponentsConfig holds component storage settings.
type ComponentsConfig struct {
	StoragePath string `envconfig:"MAGIC_COMPONENTS_PATH" yaml:"storage_path"` // empty = in memory
}

// AuditConfig holds connection audit log settings.
type AuditConfig struct {
	Enabled bool   `envconfig:"MAGIC_AUDIT_ENABLED" yaml:"enabled"`
	LogPath string `envconfig:"MAGIC_AUDIT_LOG_PATH" yaml:"log_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"MAGIC_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"MAGIC_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit   int    `envconfig:"MAGIC_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins string `envconfig:"MAGIC_CORS_ORIGINS" yaml:"cors_origins"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"MAGIC_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string `envconfig:"MAGIC_METRICS_PATH" yaml:"metrics_path"`
}

// MCPConfig holds the MCP tool server listener. TCPAddr wins over SocketPath.
type MCPConfig struct {
	Enabled    bool   `envconfig:"MAGIC_MCP_ENABLED" yaml:"enabled"`
	SocketPath string `envconfig:"MAGIC_MCP_SOCKET" yaml:"socket_path"`
	TCPAddr    string `envconfig:"MAGIC_MCP_TCP_ADDR" yaml:"tcp_addr"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	cfg.GRPCPort = 50051

	cfg.Registry = RegistryConfig{
		Type:      "memory",
		KeyPrefix: "magic",
		Retention: 24 * time.Hour,
	}

	cfg.Redis = RedisConfig{
		URL:         "redis://localhost:6379",
		DialTimeout: 5 * time.Second,
	}

	cfg.DynamoDB = DynamoDBConfig{
		Table:        "magic-connections",
		ContextIndex: "ClientContextIndex",
	}

	cfg.AWS = AWSConfig{
		Region: "us-east-1",
	}

	cfg.Transport = TransportConfig{
		Type:         "websocket",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadLimit:    64 * 1024,
	}

	cfg.Broadcast = BroadcastConfig{
		BatchSize:   25,
		RetryLimit:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		SendTimeout: 10 * time.Second,
	}

	cfg.Sweeper = SweeperConfig{
		Enabled:   true,
		Interval:  time.Minute,
		Threshold: 5 * time.Minute,
	}

	cfg.Bus = BusConfig{
		Type:         "memory",
		KafkaGroup:   "magic-mcp",
		KafkaVersion: "2.8.0",
	}

	cfg.Audit = AuditConfig{
		Enabled: true,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, "grpc_port must be between 0 (disabled) and 65535")
	}

	// Registry validation
	switch c.Registry.Type {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required for the redis registry")
		}
	case "dynamodb":
		if c.DynamoDB.Table == "" {
			errs = append(errs, "dynamodb.table is required for the dynamodb registry")
		}
		if c.DynamoDB.ContextIndex == "" {
			errs = append(errs, "dynamodb.context_index is required for the dynamodb registry")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid registry type: %s (must be memory, redis, or dynamodb)", c.Registry.Type))
	}

	if c.Registry.Retention < 0 {
		errs = append(errs, "registry.retention must not be negative")
	}

	// Transport validation
	switch c.Transport.Type {
	case "websocket":
	case "apigateway":
		if c.Transport.APIGatewayEndpoint == "" {
			errs = append(errs, "transport.apigateway_endpoint is required for the apigateway transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid transport type: %s (must be websocket or apigateway)", c.Transport.Type))
	}
	if c.Transport.WriteTimeout <= 0 {
		errs = append(errs, "transport.write_timeout must be positive")
	}

	// Broadcast validation
	if c.Broadcast.BatchSize < 1 {
		errs = append(errs, "broadcast.batch_size must be positive")
	}
	if c.Broadcast.RetryLimit < 1 {
		errs = append(errs, "broadcast.retry_limit must be at least 1")
	}
	if c.Broadcast.BaseDelay <= 0 {
		errs = append(errs, "broadcast.base_delay must be positive")
	}
	if c.Broadcast.MaxDelay != 0 && c.Broadcast.MaxDelay < c.Broadcast.BaseDelay {
		errs = append(errs, "broadcast.max_delay must not be less than base_delay")
	}

	// Sweeper validation
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			errs = append(errs, "sweeper.interval must be positive")
		}
		if c.Sweeper.Threshold <= 0 {
			errs = append(errs, "sweeper.threshold must be positive")
		}
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "bus.kafka_brokers is required for the kafka bus")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address, or "" when disabled.
func (c *Config) GRPCAddress() string {
	if c.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}

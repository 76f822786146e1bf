package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Battle    BattleConfig    `yaml:"battle"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds the verdict consumer configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Broadcast transports
const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
)

// BroadcastConfig selects the ephemeral broadcast transport
type BroadcastConfig struct {
	Transport string `yaml:"transport"`
}

// BattleConfig holds the coordination timings and rules
type BattleConfig struct {
	HeartbeatInterval  time.Duration    `yaml:"heartbeat_interval"`
	StalenessThreshold time.Duration    `yaml:"staleness_threshold"`
	FreezeDuration     time.Duration    `yaml:"freeze_duration"`
	ChaosMinFragments  int              `yaml:"chaos_min_fragments"`
	ChaosMaxFragments  int              `yaml:"chaos_max_fragments"`
	Points             map[string]int64 `yaml:"points"`
}

// ArchiveConfig holds the audit archive worker configuration
type ArchiveConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Enabled   bool          `yaml:"enabled"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables first
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the engine cannot run with
func (c *Config) Validate() error {
	switch c.Broadcast.Transport {
	case TransportRedis, TransportNATS:
	default:
		return fmt.Errorf("unknown broadcast transport %q", c.Broadcast.Transport)
	}
	if c.Battle.StalenessThreshold <= c.Battle.HeartbeatInterval {
		return fmt.Errorf("staleness threshold %s must exceed heartbeat interval %s",
			c.Battle.StalenessThreshold, c.Battle.HeartbeatInterval)
	}
	if c.Battle.ChaosMinFragments > c.Battle.ChaosMaxFragments {
		return fmt.Errorf("chaos fragment range %d-%d is empty",
			c.Battle.ChaosMinFragments, c.Battle.ChaosMaxFragments)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "battle-verdicts"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "battle-gateway"
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "battle-gateway"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}

	if c.Broadcast.Transport == "" {
		c.Broadcast.Transport = TransportRedis
	}

	// Battle defaults
	if c.Battle.HeartbeatInterval == 0 {
		c.Battle.HeartbeatInterval = 5 * time.Second
	}
	if c.Battle.StalenessThreshold == 0 {
		c.Battle.StalenessThreshold = 15 * time.Second
	}
	if c.Battle.FreezeDuration == 0 {
		c.Battle.FreezeDuration = 10 * time.Second
	}
	if c.Battle.ChaosMinFragments == 0 {
		c.Battle.ChaosMinFragments = 2
	}
	if c.Battle.ChaosMaxFragments == 0 {
		c.Battle.ChaosMaxFragments = 3
	}
	if len(c.Battle.Points) == 0 {
		c.Battle.Points = map[string]int64{"easy": 10, "medium": 20, "hard": 30}
	}

	// Archive defaults
	if c.Archive.Interval == 0 {
		c.Archive.Interval = 10 * time.Second
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 500
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Archive.Enabled = true
	return cfg
}

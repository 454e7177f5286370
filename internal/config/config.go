package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Portal   PortalConfig   `yaml:"portal"`
	Sync     SyncConfig     `yaml:"sync"`
	Ranking  RankingConfig  `yaml:"ranking"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
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

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	AuditTopic    string        `yaml:"audit_topic"`
	RefreshTopic  string        `yaml:"refresh_topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// PortalConfig holds the external meister portal endpoints and the
// grade/class to track-name mapping used for login.
type PortalConfig struct {
	BaseURL        string        `yaml:"base_url"`
	LoginPath      string        `yaml:"login_path"`
	ScorePath      string        `yaml:"score_path"`
	PointPath      string        `yaml:"point_path"`
	LogoutPath     string        `yaml:"logout_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CommonTrack    string        `yaml:"common_track"`
	SoftwareTrack  string        `yaml:"software_track"`
	EmbeddedTrack  string        `yaml:"embedded_track"`
}

// SyncConfig holds the daily reconciliation configuration
type SyncConfig struct {
	RunAt     string        `yaml:"run_at"`
	PaceDelay time.Duration `yaml:"pace_delay"`
	Enabled   bool          `yaml:"enabled"`
}

// RankingConfig holds leaderboard configuration. TierOrder pins the
// classification sort order; entries compare by tier first, then by
// descending score within SUCCESS.
type RankingConfig struct {
	TierOrder []string `yaml:"tier_order"`
	TopLimit  int      `yaml:"top_limit"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
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
		// Refresh requests block on the portal, so give them room
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
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

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.AuditTopic == "" {
		c.Kafka.AuditTopic = "meister-sync-events"
	}
	if c.Kafka.RefreshTopic == "" {
		c.Kafka.RefreshTopic = "meister-refresh-requests"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "meister-refresh-consumer"
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Portal defaults (the reference deployment)
	if c.Portal.BaseURL == "" {
		c.Portal.BaseURL = "https://bssm.meistergo.co.kr"
	}
	if c.Portal.LoginPath == "" {
		c.Portal.LoginPath = "/inc/common_json.php"
	}
	if c.Portal.ScorePath == "" {
		c.Portal.ScorePath = "/_suCert/bssm/B002/jnv_201j.php"
	}
	if c.Portal.PointPath == "" {
		c.Portal.PointPath = "/ss/ss_a40j.php"
	}
	if c.Portal.LogoutPath == "" {
		c.Portal.LogoutPath = "/logout.php"
	}
	if c.Portal.RequestTimeout == 0 {
		c.Portal.RequestTimeout = 10 * time.Second
	}
	if c.Portal.CommonTrack == "" {
		c.Portal.CommonTrack = "공통과정"
	}
	if c.Portal.SoftwareTrack == "" {
		c.Portal.SoftwareTrack = "소프트웨어개발과"
	}
	if c.Portal.EmbeddedTrack == "" {
		c.Portal.EmbeddedTrack = "임베디드소프트웨어과"
	}

	// Sync defaults: midnight sweep, 1s pacing against the portal
	if c.Sync.RunAt == "" {
		c.Sync.RunAt = "00:00"
	}
	if c.Sync.PaceDelay == 0 {
		c.Sync.PaceDelay = 1 * time.Second
	}

	// Ranking defaults
	if len(c.Ranking.TierOrder) == 0 {
		c.Ranking.TierOrder = []string{"success", "login_error", "private"}
	}
	if c.Ranking.TopLimit == 0 {
		c.Ranking.TopLimit = 100
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}

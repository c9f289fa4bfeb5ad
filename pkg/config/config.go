// Package config loads and validates the directory service configuration
// from YAML files with environment-variable overrides. The root keys mirror
// the service's historic property names (dataPath, reIndexRetryMinutes, ...)
// and the nested sections configure the HTTP surface and optional backends.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	DataPath             string `yaml:"dataPath"`
	ReIndexRetryMinutes  int    `yaml:"reIndexRetryMinutes"`
	ReIndexMaxRetryHours int    `yaml:"reIndexMaxRetryHours"`
	GlobalDebug          bool   `yaml:"globalDebug"`
	GlobalProduction     bool   `yaml:"globalProduction"`
	CheckFileAccess      bool   `yaml:"checkFileAccess"`

	Server   ServerConfig   `yaml:"server"`
	Intake   IntakeConfig   `yaml:"intake"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	SMP      SMPConfig      `yaml:"smp"`
	SML      SMLConfig      `yaml:"sml"`
	Search   SearchConfig   `yaml:"search"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings. When TLSCertFile and TLSKeyFile
// are both set the intake listener serves TLS and requests client
// certificates.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	TLSCertFile     string        `yaml:"tlsCertFile"`
	TLSKeyFile      string        `yaml:"tlsKeyFile"`
	// TrustProxyHeaders takes client addresses from X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders"`
}

// TLSEnabled reports whether both halves of the server key pair are set.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// IntakeConfig controls client authentication on the intake endpoint.
type IntakeConfig struct {
	TrustStoreFile   string        `yaml:"trustStoreFile"`
	AllowAllForTests bool          `yaml:"allowAllForTests"`
	RateLimit        int           `yaml:"rateLimit"`
	RateWindow       time.Duration `yaml:"rateWindow"`
}

// IndexerConfig controls the indexer scheduler.
type IndexerConfig struct {
	TickInterval time.Duration `yaml:"tickInterval"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
}

// SMPConfig locates the metadata service business cards are fetched from.
type SMPConfig struct {
	URL                     string        `yaml:"url"`
	Timeout                 time.Duration `yaml:"timeout"`
	CircuitFailureThreshold int           `yaml:"circuitFailureThreshold"`
	CircuitResetTimeout     time.Duration `yaml:"circuitResetTimeout"`
}

// SMLConfig controls the scheduled full refresh and the change feed.
type SMLConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	FeedEnabled     bool          `yaml:"feedEnabled"`
}

// SearchConfig controls the read-only query endpoints.
type SearchConfig struct {
	DefaultLimit int      `yaml:"defaultLimit"`
	MaxResults   int      `yaml:"maxResults"`
	CacheSize    int      `yaml:"cacheSize"`
	CORSOrigins  []string `yaml:"corsOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexEvents string `yaml:"indexEvents"`
	SMLChanges  string `yaml:"smlChanges"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig overrides the level and format derived from the global
// debug and production toggles.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the ops server (metrics, health, admin routes).
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the indexer cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataPath) == "" {
		return errors.New("config: dataPath must not be empty")
	}
	if c.ReIndexRetryMinutes < 0 {
		return fmt.Errorf("config: reIndexRetryMinutes must be >= 0, got %d", c.ReIndexRetryMinutes)
	}
	if c.ReIndexMaxRetryHours < 0 {
		return fmt.Errorf("config: reIndexMaxRetryHours must be >= 0, got %d", c.ReIndexMaxRetryHours)
	}
	if c.Indexer.TickInterval <= 0 {
		return fmt.Errorf("config: indexer.tickInterval must be > 0, got %s", c.Indexer.TickInterval)
	}
	if c.SML.Enabled && c.SML.RefreshInterval <= 0 {
		return fmt.Errorf("config: sml.refreshInterval must be > 0, got %s", c.SML.RefreshInterval)
	}
	return nil
}

// RetryInterval is the delay between two attempts of a failing work item.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.ReIndexRetryMinutes) * time.Minute
}

// MaxRetryDuration is the window after a work item's creation during which
// it is retried.
func (c *Config) MaxRetryDuration() time.Duration {
	return time.Duration(c.ReIndexMaxRetryHours) * time.Hour
}

// LogLevel returns the explicit logging level, or one derived from
// globalDebug.
func (c *Config) LogLevel() string {
	if c.Logging.Level != "" {
		return c.Logging.Level
	}
	if c.GlobalDebug {
		return "debug"
	}
	return "info"
}

// LogFormat returns the explicit logging format, or one derived from
// globalProduction.
func (c *Config) LogFormat() string {
	if c.Logging.Format != "" {
		return c.Logging.Format
	}
	if c.GlobalProduction {
		return "json"
	}
	return "text"
}

// CheckDataPath creates the data directory and, when checkFileAccess is set,
// verifies it is readable and writable by probing a temporary file.
func (c *Config) CheckDataPath() error {
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		return fmt.Errorf("creating data path %s: %w", c.DataPath, err)
	}
	if !c.CheckFileAccess {
		return nil
	}
	probe := filepath.Join(c.DataPath, ".access-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("data path %s is not writable: %w", c.DataPath, err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return fmt.Errorf("data path %s is not readable: %w", c.DataPath, err)
	}
	return os.Remove(probe)
}

func defaultConfig() *Config {
	return &Config{
		DataPath:             "data",
		ReIndexRetryMinutes:  5,
		ReIndexMaxRetryHours: 24,
		CheckFileAccess:      true,
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Intake: IntakeConfig{
			RateLimit:  600,
			RateWindow: time.Minute,
		},
		Indexer: IndexerConfig{
			TickInterval: time.Minute,
			FetchTimeout: 30 * time.Second,
		},
		SMP: SMPConfig{
			URL:                     "http://localhost:8090",
			Timeout:                 10 * time.Second,
			CircuitFailureThreshold: 5,
			CircuitResetTimeout:     30 * time.Second,
		},
		SML: SMLConfig{
			RefreshInterval: 24 * time.Hour,
		},
		Search: SearchConfig{
			DefaultLimit: 20,
			MaxResults:   100,
			CacheSize:    1024,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "directory",
			User:            "directory",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "directory-indexer",
			Topics: KafkaTopics{
				IndexEvents: "participant-index-events",
				SMLChanges:  "sml-participant-changes",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads PD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PD_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("PD_REINDEX_RETRY_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReIndexRetryMinutes = n
		}
	}
	if v := os.Getenv("PD_REINDEX_MAX_RETRY_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReIndexMaxRetryHours = n
		}
	}
	if v := os.Getenv("PD_GLOBAL_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GlobalDebug = b
		}
	}
	if v := os.Getenv("PD_GLOBAL_PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GlobalProduction = b
		}
	}
	if v := os.Getenv("PD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PD_INTAKE_TRUST_STORE"); v != "" {
		cfg.Intake.TrustStoreFile = v
	}
	if v := os.Getenv("PD_SMP_URL"); v != "" {
		cfg.SMP.URL = v
	}
	if v := os.Getenv("PD_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PD_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trellis-mbe/trellis/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Blob          BlobConfig          `yaml:"blob"`
	Auth          AuthConfig          `yaml:"auth"`
	Sweeper       SweeperConfig       `yaml:"sweeper"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"healthPort"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Type is "memory" or "postgres"
	Type string `yaml:"type"`

	PostgresURL      string `yaml:"postgresUrl"`
	PostgresMaxConns int    `yaml:"postgresMaxConns"`

	// PageSize bounds cascade and sweep scan pages
	PageSize int `yaml:"pageSize"`
}

// RedisConfig configures the permission decision cache. An empty URL
// disables redis; the in-process LRU still applies.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	LRUSize  int           `yaml:"lruSize"`
}

// BlobConfig selects and configures the artifact blob backend.
type BlobConfig struct {
	// Type is "filesystem" or "s3"
	Type           string `yaml:"type"`
	FilesystemRoot string `yaml:"filesystemRoot"`

	S3Endpoint     string `yaml:"s3Endpoint"`
	S3Region       string `yaml:"s3Region"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3UsePathStyle bool   `yaml:"s3UsePathStyle"`
}

// AuthConfig holds bootstrap account settings.
type AuthConfig struct {
	// AdminUsername is granted the global admin flag at startup
	AdminUsername string `yaml:"adminUsername"`
	DefaultOrgID  string `yaml:"defaultOrgId"`
}

// SweeperConfig schedules the reference-integrity audit.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"logLevel"`
	MetricsEnabled bool                   `yaml:"metricsEnabled"`
}

// LoadConfig loads configuration from the environment, with an optional YAML
// file underneath it for values the environment leaves unset.
func LoadConfig() (*Config, error) {
	cfg := defaults()
	if path := getEnv("TRELLIS_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	cfg.Observability.LogLevel = observability.ParseLogLevel(cfg.Observability.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Store: StoreConfig{
			Type:             "memory",
			PostgresMaxConns: 20,
			PageSize:         100000,
		},
		Redis: RedisConfig{
			TTL:     5 * time.Minute,
			LRUSize: 4096,
		},
		Blob: BlobConfig{
			Type:           "filesystem",
			FilesystemRoot: "/var/lib/trellis/artifacts",
			S3Region:       "us-east-1",
		},
		Auth: AuthConfig{
			AdminUsername: "admin",
			DefaultOrgID:  "default",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: "17 3 * * *",
		},
		Observability: ObservabilityConfig{
			LogLevelName:   "info",
			MetricsEnabled: true,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Server.Host = getEnv("TRELLIS_HOST", c.Server.Host)
	c.Server.Port = getEnv("TRELLIS_PORT", c.Server.Port)
	c.Server.HealthPort = getEnv("TRELLIS_HEALTH_PORT", c.Server.HealthPort)
	c.Server.ShutdownTimeout = getEnvDuration("TRELLIS_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Store.Type = getEnv("TRELLIS_STORE_TYPE", c.Store.Type)
	c.Store.PostgresURL = getEnv("TRELLIS_POSTGRES_URL", c.Store.PostgresURL)
	c.Store.PostgresMaxConns = getEnvInt("TRELLIS_POSTGRES_MAX_CONNS", c.Store.PostgresMaxConns)
	c.Store.PageSize = getEnvInt("TRELLIS_PAGE_SIZE", c.Store.PageSize)

	c.Redis.URL = getEnv("TRELLIS_REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("TRELLIS_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("TRELLIS_REDIS_DB", c.Redis.DB)
	c.Redis.TTL = getEnvDuration("TRELLIS_REDIS_TTL", c.Redis.TTL)
	c.Redis.LRUSize = getEnvInt("TRELLIS_PERM_LRU_SIZE", c.Redis.LRUSize)

	c.Blob.Type = getEnv("TRELLIS_BLOB_TYPE", c.Blob.Type)
	c.Blob.FilesystemRoot = getEnv("TRELLIS_BLOB_ROOT", c.Blob.FilesystemRoot)
	c.Blob.S3Endpoint = getEnv("TRELLIS_S3_ENDPOINT", c.Blob.S3Endpoint)
	c.Blob.S3Region = getEnv("TRELLIS_S3_REGION", c.Blob.S3Region)
	c.Blob.S3Bucket = getEnv("TRELLIS_S3_BUCKET", c.Blob.S3Bucket)
	c.Blob.S3AccessKey = getEnv("TRELLIS_S3_ACCESS_KEY", c.Blob.S3AccessKey)
	c.Blob.S3SecretKey = getEnv("TRELLIS_S3_SECRET_KEY", c.Blob.S3SecretKey)
	c.Blob.S3UsePathStyle = getEnvBool("TRELLIS_S3_PATH_STYLE", c.Blob.S3UsePathStyle)

	c.Auth.AdminUsername = getEnv("TRELLIS_ADMIN_USERNAME", c.Auth.AdminUsername)
	c.Auth.DefaultOrgID = getEnv("TRELLIS_DEFAULT_ORG", c.Auth.DefaultOrgID)

	c.Sweeper.Enabled = getEnvBool("TRELLIS_SWEEPER_ENABLED", c.Sweeper.Enabled)
	c.Sweeper.Schedule = getEnv("TRELLIS_SWEEPER_SCHEDULE", c.Sweeper.Schedule)

	c.Observability.LogLevelName = getEnv("TRELLIS_LOG_LEVEL", c.Observability.LogLevelName)
	c.Observability.MetricsEnabled = getEnvBool("TRELLIS_METRICS_ENABLED", c.Observability.MetricsEnabled)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres store requires TRELLIS_POSTGRES_URL")
		}
	default:
		return fmt.Errorf("unknown store type %q (memory or postgres)", c.Store.Type)
	}

	switch c.Blob.Type {
	case "filesystem":
		if c.Blob.FilesystemRoot == "" {
			return fmt.Errorf("filesystem blob store requires a root directory")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("s3 blob store requires a bucket")
		}
	default:
		return fmt.Errorf("unknown blob store type %q (filesystem or s3)", c.Blob.Type)
	}

	if c.Auth.DefaultOrgID == "" {
		return fmt.Errorf("default org id is required")
	}
	if c.Store.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	return nil
}

// getEnv returns an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

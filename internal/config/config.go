package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tunehub server.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Replicate    ReplicateConfig
	IPRegistry   IPRegistryConfig
	Registration RegistrationConfig
	Storage      StorageConfig
	Outbox       OutboxConfig
	Projection   ProjectionConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	BaseURL            string
	AdminAPIKeyHash    string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ReplicateConfig struct {
	APIToken      string
	BaseURL       string
	WebhookSecret string
	Timeout       time.Duration
	ModelsFile    string
}

type IPRegistryConfig struct {
	Mode     string
	URL      string
	APIKey   string
	Contract string
	Timeout  time.Duration
}

type RegistrationConfig struct {
	MaxAttempts      int
	Backoff          time.Duration
	SweepConcurrency int
	SweepInterval    time.Duration
	PendingGrace     time.Duration
}

type StorageConfig struct {
	Bucket          string
	PublicBaseURL   string
	CredentialsFile string
}

type OutboxConfig struct {
	Mode        string
	Workers     int
	QueueKey    string
	MaxAttempts int
}

type ProjectionConfig struct {
	StaleAfter     time.Duration
	ExpectedWithin time.Duration
	StatusCacheTTL time.Duration
}

var validRegistryModes = map[string]bool{
	"disabled": true,
	"http":     true,
}

var validOutboxModes = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("TUNEHUB_PORT", 8080),
			Env:                envString("TUNEHUB_ENV", "development"),
			BaseURL:            strings.TrimRight(os.Getenv("TUNEHUB_BASE_URL"), "/"),
			AdminAPIKeyHash:    os.Getenv("ADMIN_API_KEY_HASH"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Replicate: ReplicateConfig{
			APIToken:      os.Getenv("REPLICATE_API_TOKEN"),
			BaseURL:       strings.TrimRight(envString("REPLICATE_BASE_URL", "https://api.replicate.com/v1"), "/"),
			WebhookSecret: os.Getenv("REPLICATE_WEBHOOK_SECRET"),
			Timeout:       envDuration("REPLICATE_TIMEOUT", 30*time.Second),
			ModelsFile:    os.Getenv("REPLICATE_MODELS_FILE"),
		},
		IPRegistry: IPRegistryConfig{
			Mode:     envString("IP_REGISTRY_MODE", "disabled"),
			URL:      strings.TrimRight(os.Getenv("IP_REGISTRY_URL"), "/"),
			APIKey:   os.Getenv("IP_REGISTRY_API_KEY"),
			Contract: os.Getenv("IP_REGISTRY_CONTRACT"),
			Timeout:  envDuration("IP_REGISTRY_TIMEOUT", 60*time.Second),
		},
		Registration: RegistrationConfig{
			MaxAttempts:      envInt("REGISTRATION_MAX_ATTEMPTS", 3),
			Backoff:          envDuration("REGISTRATION_BACKOFF", 2*time.Second),
			SweepConcurrency: envInt("REGISTRATION_SWEEP_CONCURRENCY", 4),
			SweepInterval:    envDuration("REGISTRATION_SWEEP_INTERVAL", 0),
			PendingGrace:     envDuration("REGISTRATION_PENDING_GRACE", 10*time.Minute),
		},
		Storage: StorageConfig{
			Bucket:          os.Getenv("STORAGE_BUCKET"),
			PublicBaseURL:   strings.TrimRight(os.Getenv("STORAGE_PUBLIC_BASE_URL"), "/"),
			CredentialsFile: os.Getenv("STORAGE_CREDENTIALS_FILE"),
		},
		Outbox: OutboxConfig{
			Mode:        envString("OUTBOX_MODE", "redis"),
			Workers:     envInt("OUTBOX_WORKERS", 4),
			QueueKey:    envString("OUTBOX_QUEUE_KEY", "tunehub:outbox"),
			MaxAttempts: envInt("OUTBOX_MAX_ATTEMPTS", 5),
		},
		Projection: ProjectionConfig{
			StaleAfter:     envDuration("POLL_STALE_AFTER", 2*time.Minute),
			ExpectedWithin: envDuration("PROCESSING_EXPECTED_WITHIN", 30*time.Minute),
			StatusCacheTTL: envDuration("STATUS_CACHE_TTL", 30*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("TUNEHUB_BASE_URL is required")
	}
	if !isHTTPURL(c.Server.BaseURL) {
		return fmt.Errorf("TUNEHUB_BASE_URL must start with http:// or https://, got %q", c.Server.BaseURL)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Replicate.APIToken == "" {
		return fmt.Errorf("REPLICATE_API_TOKEN is required")
	}
	if !isHTTPURL(c.Replicate.BaseURL) {
		return fmt.Errorf("REPLICATE_BASE_URL must start with http:// or https://, got %q", c.Replicate.BaseURL)
	}

	if !validRegistryModes[c.IPRegistry.Mode] {
		return fmt.Errorf("IP_REGISTRY_MODE must be one of disabled, http; got %q", c.IPRegistry.Mode)
	}
	if c.IPRegistry.Mode == "http" && !isHTTPURL(c.IPRegistry.URL) {
		return fmt.Errorf("IP_REGISTRY_URL must be an http(s) URL when IP_REGISTRY_MODE is http")
	}

	if c.Registration.MaxAttempts < 1 {
		return fmt.Errorf("REGISTRATION_MAX_ATTEMPTS must be at least 1, got %d", c.Registration.MaxAttempts)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required")
	}

	if !validOutboxModes[c.Outbox.Mode] {
		return fmt.Errorf("OUTBOX_MODE must be one of memory, redis; got %q", c.Outbox.Mode)
	}
	if c.Outbox.Mode == "redis" && c.Redis.InMemory() {
		return fmt.Errorf("OUTBOX_MODE redis needs a real REDIS_URL, got %q", c.Redis.URL)
	}
	if c.Outbox.Workers < 1 {
		return fmt.Errorf("OUTBOX_WORKERS must be at least 1, got %d", c.Outbox.Workers)
	}

	return nil
}

// MemoryURL selects the process-local implementation of a backing service
// when used as DATABASE_URL, REDIS_URL or STORAGE_BUCKET. State is lost on
// restart; meant for development and tests.
const MemoryURL = "memory://"

func (c DatabaseConfig) InMemory() bool { return c.URL == MemoryURL }

func (c RedisConfig) InMemory() bool { return c.URL == MemoryURL }

func (c StorageConfig) InMemory() bool { return c.Bucket == MemoryURL }

// RegistryConfigured reports whether the IP registry collaborator has everything
// it needs. An unconfigured registry is a valid operating mode.
func (c IPRegistryConfig) RegistryConfigured() bool {
	return c.Mode == "http" && c.URL != "" && c.APIKey != "" && c.Contract != ""
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

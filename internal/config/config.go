package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/ehrsync"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	AdapterMaxAttempts int           `mapstructure:"ADAPTER_MAX_ATTEMPTS"`
	AdapterRetryDelay  time.Duration `mapstructure:"ADAPTER_RETRY_DELAY"`
	AdapterTimeout     time.Duration `mapstructure:"ADAPTER_TIMEOUT"`
	TokenRefreshBuffer time.Duration `mapstructure:"TOKEN_REFRESH_BUFFER"`

	CacheMaxEntries   int           `mapstructure:"CACHE_MAX_ENTRIES"`
	MetadataCacheTTL  time.Duration `mapstructure:"METADATA_CACHE_TTL"`
	ResourceCacheTTL  time.Duration `mapstructure:"RESOURCE_CACHE_TTL"`
	DiscoveryCacheTTL time.Duration `mapstructure:"DISCOVERY_CACHE_TTL"`

	SyncConcurrency     int           `mapstructure:"SYNC_CONCURRENCY"`
	ConflictThreshold   float64       `mapstructure:"CONFLICT_AUTO_RESOLVE_THRESHOLD"`
	ConflictStrategy    string        `mapstructure:"CONFLICT_STRATEGY"`
	ConflictRetention   time.Duration `mapstructure:"CONFLICT_RETENTION"`
	MaintenanceSchedule string        `mapstructure:"MAINTENANCE_SCHEDULE"`
	ConnectionsFile     string        `mapstructure:"CONNECTIONS_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL", "REDIS_KEY_PREFIX",
	"ADAPTER_MAX_ATTEMPTS", "ADAPTER_RETRY_DELAY", "ADAPTER_TIMEOUT", "TOKEN_REFRESH_BUFFER",
	"CACHE_MAX_ENTRIES", "METADATA_CACHE_TTL", "RESOURCE_CACHE_TTL", "DISCOVERY_CACHE_TTL",
	"SYNC_CONCURRENCY", "CONFLICT_AUTO_RESOLVE_THRESHOLD", "CONFLICT_STRATEGY", "CONFLICT_RETENTION",
	"MAINTENANCE_SCHEDULE", "CONNECTIONS_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_KEY_PREFIX", "ehrsync")
	v.SetDefault("ADAPTER_MAX_ATTEMPTS", 3)
	v.SetDefault("ADAPTER_RETRY_DELAY", "1s")
	v.SetDefault("ADAPTER_TIMEOUT", "30s")
	v.SetDefault("TOKEN_REFRESH_BUFFER", "5m")
	v.SetDefault("CACHE_MAX_ENTRIES", 1000)
	v.SetDefault("METADATA_CACHE_TTL", "1h")
	v.SetDefault("RESOURCE_CACHE_TTL", "2m")
	v.SetDefault("DISCOVERY_CACHE_TTL", "0s")
	v.SetDefault("SYNC_CONCURRENCY", 0)
	v.SetDefault("CONFLICT_AUTO_RESOLVE_THRESHOLD", conflict.DefaultThreshold)
	v.SetDefault("CONFLICT_STRATEGY", string(conflict.DefaultStrategy))
	v.SetDefault("CONFLICT_RETENTION", "24h")
	v.SetDefault("MAINTENANCE_SCHEDULE", "@every 1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level returns the zerolog level named by LOG_LEVEL.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Strategy returns CONFLICT_STRATEGY as a conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	s, err := conflict.ParseStrategy(c.ConflictStrategy)
	if err != nil {
		return conflict.DefaultStrategy
	}
	return s
}

// Validate checks that the configuration is usable before anything is
// started.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AdapterMaxAttempts < 1 {
		return fmt.Errorf("ADAPTER_MAX_ATTEMPTS must be at least 1, got %d", c.AdapterMaxAttempts)
	}
	if c.AdapterRetryDelay < 0 || c.AdapterTimeout < 0 || c.TokenRefreshBuffer < 0 {
		return fmt.Errorf("ADAPTER_RETRY_DELAY, ADAPTER_TIMEOUT and TOKEN_REFRESH_BUFFER must not be negative")
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must not be negative")
	}
	if c.SyncConcurrency < 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must not be negative")
	}
	if c.ConflictThreshold < 0 || c.ConflictThreshold > 1 {
		return fmt.Errorf("CONFLICT_AUTO_RESOLVE_THRESHOLD must be within [0,1], got %v", c.ConflictThreshold)
	}
	s, err := conflict.ParseStrategy(c.ConflictStrategy)
	if err != nil {
		return fmt.Errorf("CONFLICT_STRATEGY: %w", err)
	}
	if s == conflict.Manual {
		return fmt.Errorf("CONFLICT_STRATEGY cannot be %q for automatic resolution", s)
	}
	return nil
}

// LoadConnections reads the connection list from a YAML or JSON file shaped
// as {"connections": [...]}. Secrets may reference environment variables as
// ${NAME}.
func LoadConnections(path string) ([]ehrsync.ConnectionConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read connections file %s: %w", path, err)
	}
	var conns []ehrsync.ConnectionConfig
	if err := v.UnmarshalKey("connections", &conns); err != nil {
		return nil, fmt.Errorf("decode connections file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(conns))
	for i := range conns {
		c := &conns[i]
		if c.ID == "" {
			return nil, fmt.Errorf("connections file %s: entry %d has no id", path, i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("connections file %s: duplicate id %q", path, c.ID)
		}
		seen[c.ID] = true
		c.ClientSecret = os.ExpandEnv(c.ClientSecret)
		c.PrivateKeyPEM = os.ExpandEnv(c.PrivateKeyPEM)
	}
	return conns, nil
}

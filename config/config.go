// Package config loads process configuration from the environment and builds
// the shared logger and Redis client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"salessync/db"
)

type Config struct {
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	DBMaxConns      int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMaxIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBMaxLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	RedisAddress    string        `env:"REDIS_ADDRESS"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DefaultCurrency string        `env:"DEFAULT_CURRENCY" envDefault:"ZAR"`
	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"5m"`
	CORSOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName     string        `env:"OTEL_SERVICE_NAME" envDefault:"salessync"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads an optional .env file, then parses the environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if len(cfg.DefaultCurrency) != 3 {
		return Config{}, fmt.Errorf("config: DEFAULT_CURRENCY must be a 3-letter code, got %q", cfg.DefaultCurrency)
	}
	return cfg, nil
}

// PoolOptions maps the pool sizing keys onto db.PoolOptions.
func (c Config) PoolOptions() db.PoolOptions {
	return db.PoolOptions{
		MaxConns:        c.DBMaxConns,
		MaxConnIdleTime: c.DBMaxIdleTime,
		MaxConnLifetime: c.DBMaxLifetime,
	}
}

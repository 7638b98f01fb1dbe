package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the BizScout server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pool     PoolConfig
	Scraper  ScraperConfig
}

type ServerConfig struct {
	Port int
	Env  string
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

type PoolConfig struct {
	Concurrency int
	QueueSize   int
}

type ScraperConfig struct {
	RequestsPerMin int
}

// Load reads configuration from the environment (and a local .env file when
// present) and returns a validated Config.
func Load() (*Config, error) {
	// Development convenience; real deployments set the environment.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BIZSCOUT_PORT", 8080),
			Env:  envString("BIZSCOUT_ENV", "development"),
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
		Pool: PoolConfig{
			Concurrency: envInt("SCRAPER_POOL_CONCURRENCY", 10),
			QueueSize:   envInt("SCRAPER_POOL_QUEUE_SIZE", 128),
		},
		Scraper: ScraperConfig{
			RequestsPerMin: envInt("SUBMIT_RATE_LIMIT_PER_MIN", 30),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Pool.Concurrency <= 0 {
		return fmt.Errorf("SCRAPER_POOL_CONCURRENCY must be positive, got %d", c.Pool.Concurrency)
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("SCRAPER_POOL_QUEUE_SIZE must be positive, got %d", c.Pool.QueueSize)
	}
	return nil
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

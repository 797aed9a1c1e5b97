package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

const (
	ModerationMongo    = "mongo"
	ModerationPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	MongoURI          string        `env:"MONGO_URI,required,notEmpty"`
	MongoDatabase     string        `env:"MONGO_DATABASE" envDefault:"markov"`
	RedisAddr         string        `env:"REDIS_ADDR,required,notEmpty"`
	BanChannel        string        `env:"BAN_CHANNEL" envDefault:"markov:bans"`
	CryptoSecret      string        `env:"CRYPTO_SECRET,required,notEmpty"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"10h"`
	RetryInterval     time.Duration `env:"RETRY_INTERVAL" envDefault:"5s"`
	TextsTTL          time.Duration `env:"TEXTS_TTL" envDefault:"720h"` // 30 days
	DefaultTextsLimit int           `env:"DEFAULT_TEXTS_LIMIT" envDefault:"500"`
	ModerationStore   string        `env:"MODERATION_STORE" envDefault:"mongo"`
	PostgresURL       string        `env:"POSTGRES_URL"`
	AdminServerAddr   string        `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	AdminAPIKey       string        `env:"ADMIN_API_KEY,required,notEmpty"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	key, err := hex.DecodeString(c.CryptoSecret)
	if err != nil {
		return fmt.Errorf("CRYPTO_SECRET must be hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("CRYPTO_SECRET must decode to 16, 24 or 32 bytes, got %d", len(key))
	}

	switch c.ModerationStore {
	case ModerationMongo:
	case ModerationPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required when MODERATION_STORE=%s", ModerationPostgres)
		}
	default:
		return fmt.Errorf("unknown MODERATION_STORE %q", c.ModerationStore)
	}

	if c.SweepInterval <= 0 || c.RetryInterval <= 0 || c.TextsTTL <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL, RETRY_INTERVAL and TEXTS_TTL must be positive")
	}
	if c.DefaultTextsLimit <= 0 {
		return fmt.Errorf("DEFAULT_TEXTS_LIMIT must be positive, got %d", c.DefaultTextsLimit)
	}
	return nil
}

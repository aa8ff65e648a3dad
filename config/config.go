// Package config holds the environment-based server configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is loaded once at startup from environment variables.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"OTPD_LISTEN_ADDR" envDefault:":8080"`

	// DataDir holds the bbolt database when no other backend is set.
	DataDir string `env:"OTPD_DATA_DIR" envDefault:"./data"`

	// Environment controls log format (development or production).
	Environment string `env:"OTPD_ENVIRONMENT" envDefault:"development"`

	// SealKeyHex is the 32-byte hex-encoded storage seal key. Required.
	SealKeyHex string `env:"OTPD_SEAL_KEY"`

	// PostgresDSN switches token storage from bbolt to postgres.
	PostgresDSN string `env:"OTPD_POSTGRES_DSN"`

	// RedisAddr switches the challenge store from memory to redis.
	RedisAddr string `env:"OTPD_REDIS_ADDR"`

	// ChallengeTTL bounds how long a challenge stays answerable.
	ChallengeTTL time.Duration `env:"OTPD_CHALLENGE_TTL" envDefault:"2m"`

	// MaxOpenChallenges caps open challenges per token; creating one
	// past the cap evicts the oldest.
	MaxOpenChallenges int `env:"OTPD_MAX_OPEN_CHALLENGES" envDefault:"4"`

	// TANLength is the number of digits of the fallback TAN.
	TANLength int `env:"OTPD_TAN_LENGTH" envDefault:"8"`

	// CallbackURL and CallbackSMS are handed to QR clients at pairing
	// time as the answer channels.
	CallbackURL string `env:"OTPD_CALLBACK_URL"`
	CallbackSMS string `env:"OTPD_CALLBACK_SMS"`

	// PairingScheme is the URL scheme of pairing and challenge QR codes.
	PairingScheme string `env:"OTPD_PAIRING_SCHEME" envDefault:"lseqr"`

	// AuditLogPath enables JSON-line audit events when set; "-" means
	// stdout.
	AuditLogPath string `env:"OTPD_AUDIT_LOG"`

	// UsersFile points at the JSON user directory file. The server
	// starts without one, but every user lookup then fails.
	UsersFile string `env:"OTPD_USERS_FILE"`
}

// Load reads configuration from the environment, honoring a .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// SealKey decodes the configured seal key.
func (c *Config) SealKey() ([]byte, error) {
	key, err := hex.DecodeString(c.SealKeyHex)
	if err != nil {
		return nil, fmt.Errorf("OTPD_SEAL_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("OTPD_SEAL_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) validate() error {
	if c.SealKeyHex == "" {
		return fmt.Errorf("OTPD_SEAL_KEY is required")
	}
	if _, err := c.SealKey(); err != nil {
		return err
	}
	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("OTPD_CHALLENGE_TTL must be positive")
	}
	if c.MaxOpenChallenges <= 0 {
		return fmt.Errorf("OTPD_MAX_OPEN_CHALLENGES must be positive")
	}
	if c.TANLength < 4 || c.TANLength > 10 {
		return fmt.Errorf("OTPD_TAN_LENGTH must be between 4 and 10")
	}
	return nil
}

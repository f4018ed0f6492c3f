// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values. In development a local
'.env' file is merged in first through 'joho/godotenv'.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, limiter) via constructors.
  - Zero Hidden State: No global variables are used to store config.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// maxResetTokenTTL is the longest a password reset link may stay valid.
const maxResetTokenTTL = 24 * time.Hour

// # Configuration Schema

// Config holds all runtime configuration for the portal API server.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value Store (Redis). Empty means counters live in process memory.
	RedisURL string `env:"REDIS_URL"`

	// Cryptographic keys for access token and invitation signing
	JWTPrivKeyPath string `env:"JWT_PRIVATE_KEY_PATH,required,notEmpty"`
	JWTPubKeyPath  string `env:"JWT_PUBLIC_KEY_PATH,required,notEmpty"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"   envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL"  envDefault:"720h"`
	ResetTokenTTL   time.Duration `env:"RESET_TOKEN_TTL"    envDefault:"1h"`
	InvitationTTL   time.Duration `env:"INVITATION_TTL"     envDefault:"168h"`

	// Second factor
	TOTPIssuer string `env:"TOTP_ISSUER" envDefault:"Portal"`

	// DefaultRegionID is assigned to self-registered students.
	DefaultRegionID string `env:"DEFAULT_REGION_ID" envDefault:"FUK"`

	// Security audit forwarding (optional)
	AuditKafkaBrokers []string `env:"AUDIT_KAFKA_BROKERS" envSeparator:","`
	AuditKafkaTopic   string   `env:"AUDIT_KAFKA_TOPIC"   envDefault:"security.audit"`

	// Cross-Origin Resource Sharing
	AllowedOriginSuffix string `env:"ALLOWED_ORIGIN_SUFFIX" envDefault:"portal.example"`

	// Per-action fixed-window policies
	RateLimits RateLimits
}

// RateLimits holds the brute-force guard policy table.
type RateLimits struct {
	LoginIPLimit        int           `env:"RATE_LIMIT_LOGIN_IP_LIMIT"         envDefault:"20"`
	LoginIPWindow       time.Duration `env:"RATE_LIMIT_LOGIN_IP_WINDOW"        envDefault:"15m"`
	LoginEmailLimit     int           `env:"RATE_LIMIT_LOGIN_EMAIL_LIMIT"      envDefault:"5"`
	LoginEmailWindow    time.Duration `env:"RATE_LIMIT_LOGIN_EMAIL_WINDOW"     envDefault:"15m"`
	RegisterLimit       int           `env:"RATE_LIMIT_REGISTER_LIMIT"         envDefault:"5"`
	RegisterWindow      time.Duration `env:"RATE_LIMIT_REGISTER_WINDOW"        envDefault:"1h"`
	RefreshLimit        int           `env:"RATE_LIMIT_REFRESH_LIMIT"          envDefault:"60"`
	RefreshWindow       time.Duration `env:"RATE_LIMIT_REFRESH_WINDOW"         envDefault:"15m"`
	PasswordResetLimit  int           `env:"RATE_LIMIT_PASSWORD_RESET_LIMIT"   envDefault:"3"`
	PasswordResetWindow time.Duration `env:"RATE_LIMIT_PASSWORD_RESET_WINDOW"  envDefault:"1h"`
	TOTPVerifyLimit     int           `env:"RATE_LIMIT_TOTP_VERIFY_LIMIT"      envDefault:"5"`
	TOTPVerifyWindow    time.Duration `env:"RATE_LIMIT_TOTP_VERIFY_WINDOW"     envDefault:"5m"`
	AuthenticatedLimit  int           `env:"RATE_LIMIT_AUTHENTICATED_LIMIT"    envDefault:"300"`
	AuthenticatedWindow time.Duration `env:"RATE_LIMIT_AUTHENTICATED_WINDOW"   envDefault:"1m"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read .env file: %w", err)
	}

	cfg := &Config{}

	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate enforces cross-field constraints env tags cannot express.
func (c *Config) validate() error {
	if c.ResetTokenTTL <= 0 || c.ResetTokenTTL > maxResetTokenTTL {
		return fmt.Errorf("config: RESET_TOKEN_TTL must be between 1s and %s", maxResetTokenTTL)
	}
	if c.AccessTokenTTL <= 0 || c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("config: ACCESS_TOKEN_TTL must be positive and shorter than REFRESH_TOKEN_TTL")
	}
	if len(c.AuditKafkaBrokers) > 0 && c.AuditKafkaTopic == "" {
		return fmt.Errorf("config: AUDIT_KAFKA_TOPIC is required when brokers are set")
	}
	return nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// OriginSuffix returns the domain suffix accepted by the CORS middleware.
func (c *Config) OriginSuffix() string {
	return c.AllowedOriginSuffix
}

// UsesRedis reports whether shared counters should live in Redis.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

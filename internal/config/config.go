package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	HoldDefaultSeconds int           `mapstructure:"HOLD_DEFAULT_SECONDS"`
	HoldMaxSeconds     int           `mapstructure:"HOLD_MAX_SECONDS"`
	IdempotencyTTL     time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	// ReservationAPIURL points the booking orchestrator at a remote
	// reservation service. Empty means the in-process service is used.
	ReservationAPIURL     string        `mapstructure:"RESERVATION_API_URL"`
	ReservationAPITimeout time.Duration `mapstructure:"RESERVATION_API_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"HOLD_DEFAULT_SECONDS", "HOLD_MAX_SECONDS", "IDEMPOTENCY_TTL",
	"RESERVATION_API_URL", "RESERVATION_API_TIMEOUT",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("HOLD_DEFAULT_SECONDS", 300)
	v.SetDefault("HOLD_MAX_SECONDS", 3600)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("RESERVATION_API_TIMEOUT", "10s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects configurations that are unsafe to serve. Outside
// development a JWT verification source is required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}
	if c.HoldDefaultSeconds <= 0 {
		return fmt.Errorf("HOLD_DEFAULT_SECONDS must be positive, got %d", c.HoldDefaultSeconds)
	}
	if c.HoldMaxSeconds < c.HoldDefaultSeconds {
		return fmt.Errorf("HOLD_MAX_SECONDS (%d) must not be below HOLD_DEFAULT_SECONDS (%d)", c.HoldMaxSeconds, c.HoldDefaultSeconds)
	}
	if c.ReservationAPIURL != "" && c.ReservationAPITimeout <= 0 {
		return fmt.Errorf("RESERVATION_API_TIMEOUT must be positive when RESERVATION_API_URL is set")
	}
	return nil
}

// Package config loads the service configuration from the environment.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Backends accepted by REGISTRY_BACKEND.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config contains the service configuration.
type Config struct {
	Port     string `env:"PORT, default=8080"`
	LogLevel string `env:"LOG_LEVEL, default=info"`

	VAPID    VAPID    `env:", prefix=VAPID_"`
	Push     Push     `env:", prefix=PUSH_"`
	Registry Registry `env:", prefix=REGISTRY_"`
	Redis    Redis    `env:", prefix=REDIS_"`
}

// VAPID selects where the signing key comes from. KMSKey wins over
// PrivateKey, which wins over KeyPath. PublicKey is optional alongside
// PrivateKey and must match it.
type VAPID struct {
	Subject    string `env:"SUBJECT, default=mailto:admin@example.com"`
	KeyPath    string `env:"KEY_PATH, default=vapid-private.pem"`
	PublicKey  string `env:"PUBLIC_KEY"`
	PrivateKey string `env:"PRIVATE_KEY"`
	KMSKey     string `env:"KMS_KEY"`
}

// Push contains delivery parameters. RateLimit caps outgoing requests per
// second; zero disables the cap.
type Push struct {
	SendTimeout time.Duration `env:"SEND_TIMEOUT, default=10s"`
	TTL         int           `env:"TTL, default=2419200"`
	Urgency     string        `env:"URGENCY, default=normal"`
	RateLimit   float64       `env:"RATE_LIMIT, default=0"`
	RateBurst   int           `env:"RATE_BURST, default=10"`
}

// Registry selects the subscription store.
type Registry struct {
	Backend string `env:"BACKEND, default=file"`
	Path    string `env:"PATH, default=subscriptions.json"`
	DSN     string `env:"DSN, default=subscriptions.db"`
}

// Redis contains connection parameters for the redis backend.
type Redis struct {
	Addr     string `env:"ADDR, default=localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB, default=0"`
	Key      string `env:"KEY, default=pushregistry:subscriptions"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the configuration from l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later at startup.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendFile, BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Push.SendTimeout <= 0 {
		return fmt.Errorf("push send timeout must be positive, got %s", c.Push.SendTimeout)
	}
	if c.Push.TTL < 0 {
		return fmt.Errorf("push TTL must not be negative, got %d", c.Push.TTL)
	}
	if c.Push.RateLimit < 0 {
		return fmt.Errorf("push rate limit must not be negative, got %v", c.Push.RateLimit)
	}
	switch c.Push.Urgency {
	case "very-low", "low", "normal", "high":
	default:
		return fmt.Errorf("unknown urgency %q", c.Push.Urgency)
	}
	if c.VAPID.Subject == "" {
		return fmt.Errorf("VAPID subject is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

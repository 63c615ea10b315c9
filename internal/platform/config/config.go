package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	JWTSecret         string        `env:"JWT_SECRET"`
	AdminPasswordHash string        `env:"ADMIN_PASSWORD_HASH"`
	TokenTTL          time.Duration `env:"TOKEN_TTL" default:"24h"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS" default:"http://localhost:8080"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"50"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	MailboxSize    int `env:"MAILBOX_SIZE" default:"64"`
	WorkerPoolSize int `env:"WORKER_POOL_SIZE" default:"16"`

	RelayQueueSize      int           `env:"RELAY_QUEUE_SIZE" default:"1024"`
	RelayPublishTimeout time.Duration `env:"RELAY_PUBLISH_TIMEOUT" default:"2s"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the configured CORS / websocket origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	required := map[string]string{
		"JWT_SECRET":          cfg.JWTSecret,
		"ADMIN_PASSWORD_HASH": cfg.AdminPasswordHash,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if !strings.HasPrefix(cfg.AdminPasswordHash, "$2") {
		return errors.New("ADMIN_PASSWORD_HASH must be a bcrypt hash")
	}

	if cfg.MailboxSize < 1 {
		return errors.New("MAILBOX_SIZE must be positive")
	}
	if cfg.WorkerPoolSize < 1 {
		return errors.New("WORKER_POOL_SIZE must be positive")
	}
	if cfg.RelayQueueSize < 1 || cfg.RelayPublishTimeout <= 0 {
		return errors.New("relay queue size and publish timeout must be positive")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("connection limits must be positive")
	}
	if cfg.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}

	return nil
}

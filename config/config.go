package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat server.
type Config struct {
	// Service settings
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"marketplace-chat"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	ServerAddr      string        `env:"SERVER_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// NATS JetStream fan-out bus. Empty URL keeps fan-out in process.
	NatsURL       string `env:"NATS_URL"`
	StreamName    string `env:"NATS_STREAM" envDefault:"CHAT_EVENTS"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"chat.events"`

	// Durable store. Empty URL selects the in-memory store.
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// Presence mirror shared between nodes. Optional.
	RedisURL string `env:"REDIS_URL"`

	// Identity provider
	AuthJWKSURL    string        `env:"AUTH_JWKS_URL"`
	AuthIssuer     string        `env:"AUTH_ISSUER"`
	AuthAudience   string        `env:"AUTH_AUDIENCE"`
	AuthHMACSecret string        `env:"AUTH_HMAC_SECRET"`
	AuthTimeout    time.Duration `env:"AUTH_TIMEOUT" envDefault:"5s"`

	// Websocket transport
	PongWait       time.Duration `env:"PONG_WAIT" envDefault:"60s"`
	PingPeriod     time.Duration `env:"PING_PERIOD" envDefault:"54s"`
	WriteWait      time.Duration `env:"WRITE_WAIT" envDefault:"10s"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`
	SendBuffer     int           `env:"SEND_BUFFER" envDefault:"256"`

	// Chat behaviour
	PresenceGrace       time.Duration `env:"PRESENCE_GRACE" envDefault:"5s"`
	TypingIdle          time.Duration `env:"TYPING_IDLE" envDefault:"2s"`
	HistoryDefaultLimit int           `env:"HISTORY_DEFAULT_LIMIT" envDefault:"30"`
	HistoryMaxLimit     int           `env:"HISTORY_MAX_LIMIT" envDefault:"100"`
	MaxContentLength    int           `env:"MAX_CONTENT_LENGTH" envDefault:"4000"`
}

// Load reads .env files if present and parses environment variables into Config.
func Load() (*Config, error) {
	loadEnvFiles()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("PING_PERIOD (%s) must be shorter than PONG_WAIT (%s)", c.PingPeriod, c.PongWait)
	}
	if strings.TrimSpace(c.AuthJWKSURL) == "" && strings.TrimSpace(c.AuthHMACSecret) == "" {
		return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_HMAC_SECRET is required")
	}
	if strings.TrimSpace(c.AuthJWKSURL) != "" && strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("AUTH_ISSUER is required when AUTH_JWKS_URL is set")
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryMaxLimit < c.HistoryDefaultLimit {
		return fmt.Errorf("HISTORY_DEFAULT_LIMIT must be positive and not above HISTORY_MAX_LIMIT")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive")
	}
	return nil
}

// IsDevelopment reports whether the service runs with developer defaults.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func loadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

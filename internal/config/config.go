// Package config loads chatserver configuration from a YAML file and
// environment variables. Priority: ENV > YAML > defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Limits     LimitsConfig     `yaml:"limits"`
	Moderation ModerationConfig `yaml:"moderation"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds WebSocket server settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"      env:"LISTEN_ADDR"      env-default:":8080"`
	MetricsAddr    string        `yaml:"metrics_addr"     env:"METRICS_ADDR"     env-default:":9100"`
	WorkerPoolSize int           `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE" env-default:"256"`
	MaxConnections int           `yaml:"max_connections"  env:"MAX_CONNECTIONS"  env-default:"100000"`
	ReadTimeout    time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout   time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"    env-default:"10s"`
}

// AuthConfig holds credential verification settings. The portal issues the
// tokens; this service only validates them.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"        env:"AUTH_JWT_SECRET" env-required:"true"`
	JWTIssuer        string        `yaml:"jwt_issuer"        env:"AUTH_JWT_ISSUER" env-default:"campusfind"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"AUTH_HANDSHAKE_TIMEOUT" env-default:"5s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"            env:"DATABASE_DSN" env-required:"true"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"  env:"DATABASE_CONN_LIFETIME"  env-default:"1h"`
	Migrate      bool          `yaml:"migrate"        env:"DATABASE_MIGRATE"        env-default:"true"`
}

// RedisConfig holds Redis settings for rate-limit counters and the
// block/standing read caches.
type RedisConfig struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	DB   int    `yaml:"db"   env:"REDIS_DB"   env-default:"0"`
}

// NATSConfig holds NATS settings for the audit stream.
type NATSConfig struct {
	URL           string        `yaml:"url"            env:"NATS_URL" env-default:"nats://localhost:4222"`
	Name          string        `yaml:"name"           env:"NATS_NAME" env-default:"campusfind-chat"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"NATS_RECONNECT_WAIT" env-default:"2s"`
	MaxReconnects int           `yaml:"max_reconnects" env:"NATS_MAX_RECONNECTS" env-default:"-1"`
}

// LimitsConfig holds rate limiting policies.
type LimitsConfig struct {
	MessagesPerWindow  int           `yaml:"messages_per_window"  env:"LIMIT_MESSAGES"            env-default:"30"`
	MessageWindow      time.Duration `yaml:"message_window"       env:"LIMIT_MESSAGE_WINDOW"      env-default:"1m"`
	RoomsPerWindow     int           `yaml:"rooms_per_window"     env:"LIMIT_ROOMS"               env-default:"5"`
	RoomCreationWindow time.Duration `yaml:"room_creation_window" env:"LIMIT_ROOM_WINDOW"         env-default:"15m"`
}

// ModerationConfig holds content filtering settings.
type ModerationConfig struct {
	// BannedTerms is a comma-separated list of case-insensitive substrings
	// that block a message outright.
	BannedTerms     string `yaml:"banned_terms"      env:"MODERATION_BANNED_TERMS" env-default:""`
	MaxContentChars int    `yaml:"max_content_chars" env:"MODERATION_MAX_CHARS"    env-default:"1000"`
}

// RetentionConfig holds data retention windows.
type RetentionConfig struct {
	MessageTTL    time.Duration `yaml:"message_ttl"    env:"RETENTION_MESSAGE_TTL"    env-default:"2160h"` // 90 days
	ActivityTTL   time.Duration `yaml:"activity_ttl"   env:"RETENTION_ACTIVITY_TTL"   env-default:"720h"`  // 30 days
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RETENTION_SWEEP_INTERVAL" env-default:"1h"`
}

// BannedTermList splits the configured banned terms into a clean slice.
func (m ModerationConfig) BannedTermList() []string {
	if m.BannedTerms == "" {
		return nil
	}
	parts := strings.Split(m.BannedTerms, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return fmt.Errorf("server.worker_pool_size must be positive")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Limits.MessagesPerWindow <= 0 || c.Limits.RoomsPerWindow <= 0 {
		return fmt.Errorf("rate limit counts must be positive")
	}
	if c.Limits.MessageWindow <= 0 || c.Limits.RoomCreationWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.Moderation.MaxContentChars <= 0 {
		return fmt.Errorf("moderation.max_content_chars must be positive")
	}
	if c.Retention.MessageTTL <= 0 || c.Retention.ActivityTTL <= 0 {
		return fmt.Errorf("retention windows must be positive")
	}
	return nil
}

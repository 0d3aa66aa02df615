// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bus modes.
const (
	BusLocal = "local"
	BusZMQ   = "zmq"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCAddr       string // "" disables the gRPC health server
	DBPath         string
	AllowedOrigins []string
	LogLevel       slog.Level
	Session        SessionConfig
	Retry          RetryConfig
	Health         HealthConfig
	Bus            BusConfig
}

// SessionConfig controls websocket sessions and the message pipeline.
type SessionConfig struct {
	QueueSize        int
	MaxFrameBytes    int64
	MaxMessageLength int
	StoreTimeout     time.Duration
	AuthTimeout      time.Duration
	EchoToSender     bool
}

// RetryConfig controls SQLITE_BUSY retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// HealthConfig controls the store prober.
type HealthConfig struct {
	Interval time.Duration
}

// BusConfig selects and configures the fan-out bus.
type BusConfig struct {
	Mode   string
	Bind   string
	Peers  []string
	NodeID string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCAddr:       getEnv("GRPC_ADDR", ":9090"),
		DBPath:         getEnv("DB_PATH", "./data/chat.db"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       level,
		Session: SessionConfig{
			QueueSize:        getEnvInt("OUTBOUND_QUEUE_SIZE", 64),
			MaxFrameBytes:    int64(getEnvInt("MAX_FRAME_BYTES", 32<<10)),
			MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 4096),
			StoreTimeout:     getEnvDuration("STORE_TIMEOUT", 5*time.Second),
			AuthTimeout:      getEnvDuration("AUTH_TIMEOUT", 3*time.Second),
			EchoToSender:     getEnvBool("ECHO_TO_SENDER", true),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("DB_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Health: HealthConfig{
			Interval: getEnvDuration("HEALTH_INTERVAL", 15*time.Second),
		},
		Bus: BusConfig{
			Mode:   strings.ToLower(getEnv("BUS_MODE", BusLocal)),
			Bind:   getEnv("BUS_BIND", "tcp://*:5557"),
			Peers:  getEnvList("BUS_PEERS", nil),
			NodeID: getEnv("NODE_ID", ""),
		},
	}
	if cfg.Bus.NodeID == "" {
		cfg.Bus.NodeID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.Session.MaxFrameBytes <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be > 0")
	}
	if c.Session.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.Session.StoreTimeout <= 0 || c.Session.AuthTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and AUTH_TIMEOUT must be > 0")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	switch c.Bus.Mode {
	case BusLocal:
	case BusZMQ:
		if c.Bus.Bind == "" {
			return fmt.Errorf("BUS_BIND cannot be empty when BUS_MODE=zmq")
		}
	default:
		return fmt.Errorf("BUS_MODE must be %q or %q, got %q", BusLocal, BusZMQ, c.Bus.Mode)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

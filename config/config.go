package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Buffer policies for signaling messages addressed to an empty role slot.
const (
	BufferPolicyDrop   = "drop"
	BufferPolicyBuffer = "buffer"
)

// Presence backends.
const (
	PresenceNone  = "none"
	PresenceRedis = "redis"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string

	Relay    RelayConfig
	ICE      ICEConfig
	Presence PresenceConfig
	Redis    RedisConfig
	Shutdown time.Duration
}

// RelayConfig tunes the signaling relay and its WebSocket transport.
type RelayConfig struct {
	BufferPolicy         string
	SendBuffer           int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
}

// ICEConfig lists the STUN/TURN servers handed out to peers. The relay never
// contacts them itself.
type ICEConfig struct {
	StunURLs       []string
	TurnURLs       []string
	TurnUsername   string
	TurnCredential string
}

type PresenceConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:           getEnv("PORT", "8765"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Relay: RelayConfig{
			BufferPolicy:         strings.ToLower(getEnv("RELAY_BUFFER_POLICY", BufferPolicyDrop)),
			SendBuffer:           getEnvInt("SEND_BUFFER", 256),
			MaxMessageBytes:      int64(getEnvInt("MAX_MESSAGE_BYTES", 64*1024)),
			MaxMessagesPerSecond: getEnvInt("MAX_MESSAGES_PER_SECOND", 50),
			WriteTimeout:         getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			PingInterval:         getEnvDuration("PING_INTERVAL", 20*time.Second),
			PongTimeout:          getEnvDuration("PONG_TIMEOUT", 30*time.Second),
		},
		ICE: ICEConfig{
			StunURLs:       splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TurnURLs:       splitList(getEnv("TURN_URLS", "")),
			TurnUsername:   getEnv("TURN_USERNAME", ""),
			TurnCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Presence: PresenceConfig{
			Backend: strings.ToLower(getEnv("PRESENCE_BACKEND", PresenceNone)),
			TTL:     getEnvDuration("PRESENCE_TTL", 24*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Shutdown: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate reports the first setting that would leave the relay unusable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT: %q is not a number", c.Port)
	}
	switch c.Relay.BufferPolicy {
	case BufferPolicyDrop, BufferPolicyBuffer:
	default:
		return fmt.Errorf("RELAY_BUFFER_POLICY: unknown policy %q", c.Relay.BufferPolicy)
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.Relay.SendBuffer)
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.Relay.MaxMessageBytes)
	}
	if c.Relay.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("MAX_MESSAGES_PER_SECOND must be positive, got %d", c.Relay.MaxMessagesPerSecond)
	}
	if c.Relay.PingInterval >= c.Relay.PongTimeout {
		return fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_TIMEOUT (%s)", c.Relay.PingInterval, c.Relay.PongTimeout)
	}
	if len(c.ICE.TurnURLs) > 0 && (c.ICE.TurnUsername == "" || c.ICE.TurnCredential == "") {
		return fmt.Errorf("TURN_URLS requires TURN_USERNAME and TURN_CREDENTIAL")
	}
	switch c.Presence.Backend {
	case PresenceNone, PresenceRedis:
	default:
		return fmt.Errorf("PRESENCE_BACKEND: unknown backend %q", c.Presence.Backend)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

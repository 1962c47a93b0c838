package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8765", cfg.Port)
	assert.Equal(t, BufferPolicyDrop, cfg.Relay.BufferPolicy)
	assert.Equal(t, 20*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, PresenceNone, cfg.Presence.Backend)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("RELAY_BUFFER_POLICY", "BUFFER")
	t.Setenv("SEND_BUFFER", "8")
	t.Setenv("WRITE_TIMEOUT", "250ms")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("TURN_URLS", "turn:turn.example:3478")
	t.Setenv("TURN_USERNAME", "robot")
	t.Setenv("TURN_CREDENTIAL", "secret")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, BufferPolicyBuffer, cfg.Relay.BufferPolicy)
	assert.Equal(t, 8, cfg.Relay.SendBuffer)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.WriteTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"turn:turn.example:3478"}, cfg.ICE.TurnURLs)
	require.NoError(t, cfg.Validate())
}

func TestLoadIgnoresUnparsableNumbers(t *testing.T) {
	t.Setenv("SEND_BUFFER", "lots")
	t.Setenv("PONG_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 256, cfg.Relay.SendBuffer)
	assert.Equal(t, 30*time.Second, cfg.Relay.PongTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Port = "http" }, "PORT"},
		{"unknown policy", func(c *Config) { c.Relay.BufferPolicy = "queue" }, "RELAY_BUFFER_POLICY"},
		{"zero send buffer", func(c *Config) { c.Relay.SendBuffer = 0 }, "SEND_BUFFER"},
		{"zero message size", func(c *Config) { c.Relay.MaxMessageBytes = 0 }, "MAX_MESSAGE_BYTES"},
		{"zero rate", func(c *Config) { c.Relay.MaxMessagesPerSecond = 0 }, "MAX_MESSAGES_PER_SECOND"},
		{"ping slower than pong", func(c *Config) { c.Relay.PingInterval = time.Minute }, "PING_INTERVAL"},
		{"turn without credentials", func(c *Config) { c.ICE.TurnURLs = []string{"turn:x"} }, "TURN_URLS"},
		{"unknown presence", func(c *Config) { c.Presence.Backend = "etcd" }, "PRESENCE_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

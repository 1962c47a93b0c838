package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/pi-signaling/config"
	"github.com/mossy-p/pi-signaling/internal/models"
)

const (
	keyPrefix     = "signaling:slot:"
	EventsChannel = "signaling:events"
	opTimeout     = time.Second
)

// clearIfOwner deletes the slot key only if it still names this connection,
// so a late Cleared from an evicted holder cannot wipe its replacement.
var clearIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect initializes the Redis client
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Event is published on EventsChannel whenever a slot changes hands.
type Event struct {
	Event        string      `json:"event"`
	Role         models.Role `json:"role"`
	ConnectionID string      `json:"connectionId"`
	At           time.Time   `json:"at"`
}

// Presence mirrors role slot occupancy into Redis for dashboards and other
// processes. The relay's in-memory slots stay authoritative; failures here
// are logged and otherwise ignored.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewPresence(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Presence {
	return &Presence{client: client, ttl: ttl, logger: logger}
}

func SlotKey(role models.Role) string {
	return keyPrefix + string(role)
}

func (p *Presence) Bound(ctx context.Context, role models.Role, connID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := p.client.Set(ctx, SlotKey(role), connID, p.ttl).Err(); err != nil {
		p.logger.Warn("presence: failed to record slot", zap.Error(err), zap.Stringer("role", role))
		return
	}
	p.publish(ctx, "bound", role, connID)
}

func (p *Presence) Cleared(ctx context.Context, role models.Role, connID string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := clearIfOwner.Run(ctx, p.client, []string{SlotKey(role)}, connID).Int()
	if err != nil {
		p.logger.Warn("presence: failed to clear slot", zap.Error(err), zap.Stringer("role", role))
		return
	}
	if deleted == 1 {
		p.publish(ctx, "cleared", role, connID)
	}
}

// Holder returns the connection ID recorded for role, or "" if none.
func (p *Presence) Holder(ctx context.Context, role models.Role) (string, error) {
	id, err := p.client.Get(ctx, SlotKey(role)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (p *Presence) publish(ctx context.Context, event string, role models.Role, connID string) {
	data, err := json.Marshal(Event{Event: event, Role: role, ConnectionID: connID, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, EventsChannel, data).Err(); err != nil {
		p.logger.Debug("presence: publish failed", zap.Error(err))
	}
}

package relay

import (
	"context"

	"github.com/mossy-p/pi-signaling/internal/models"
)

// WebSocket close codes the relay asks transports to use.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	ClosePeerReplaced    = 4000
	CloseEvicted         = 4001
)

// Peer is the relay's view of a transport.
type Peer interface {
	// Send queues data for delivery without blocking. Messages queued by
	// one goroutine are written in order.
	Send(data []byte) error
	// Close flushes what is already queued, if the transport is still
	// writable, then closes it. Calling Close more than once is harmless.
	Close(code int, reason string) error
}

// Connection is one accepted transport. Only the relay holds it; handlers
// get it back from Accept and pass it in on every call.
type Connection struct {
	id     string
	remote string
	peer   Peer

	// guarded by Relay.mu
	role  models.Role
	alive bool
}

// ID is the connection's unique identifier, a UUID assigned by Accept.
func (c *Connection) ID() string {
	return c.id
}

// Remote is the peer address the transport reported.
func (c *Connection) Remote() string {
	return c.remote
}

// Presence mirrors slot occupancy somewhere outside the process. It is
// advisory only; the relay never reads it back.
type Presence interface {
	Bound(ctx context.Context, role models.Role, connID string)
	Cleared(ctx context.Context, role models.Role, connID string)
}

type nopPresence struct{}

func (nopPresence) Bound(context.Context, models.Role, string)   {}
func (nopPresence) Cleared(context.Context, models.Role, string) {}

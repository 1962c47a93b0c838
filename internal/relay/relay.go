// Package relay binds a robot-side peer and a browser-side peer to role
// slots and forwards SDP offers, answers and ICE candidates between them.
//
// The relay never looks inside SDP or candidate payloads. Slot lookups and
// mutations happen under one mutex; writes to transports happen outside it,
// so a slow consumer never holds up registration or disconnect handling of
// the other side.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mossy-p/pi-signaling/internal/metrics"
	"github.com/mossy-p/pi-signaling/internal/models"
)

// State is the relay's process-wide lifecycle.
type State int

const (
	StateInit State = iota
	StateServing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateServing:
		return "serving"
	default:
		return "shutdown"
	}
}

// BufferPolicy decides what happens to a message addressed to an empty slot.
type BufferPolicy string

const (
	// PolicyDrop discards the message.
	PolicyDrop BufferPolicy = "drop"
	// PolicyBuffer keeps the latest offer/answer per destination slot and
	// delivers it when that slot is next filled. ICE is never buffered.
	PolicyBuffer BufferPolicy = "buffer"
)

// DefaultRoutes is the two-party routing table.
func DefaultRoutes() map[models.Role]models.Role {
	return map[models.Role]models.Role{
		models.RolePi:     models.RoleClient,
		models.RoleClient: models.RolePi,
	}
}

// Options configures a Relay. Zero values get sensible defaults: drop
// policy, DefaultRoutes, a no-op logger and presence, fresh metrics.
type Options struct {
	Policy   BufferPolicy
	Routes   map[models.Role]models.Role
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Presence Presence
}

// Relay owns the role slots and every accepted connection.
type Relay struct {
	policy   BufferPolicy
	routes   map[models.Role]models.Role
	logger   *zap.Logger
	metrics  *metrics.Metrics
	presence Presence

	mu      sync.Mutex
	state   State
	slots   map[models.Role]*Connection
	conns   map[string]*Connection
	pending map[models.Role]pendingMessage
	seq     uint64

	eventMu sync.Mutex
	applied map[models.Role]uint64
}

// pendingMessage is a description held for an empty slot under PolicyBuffer.
type pendingMessage struct {
	msg  models.Message
	from string
}

// slotEvent is a slot change stamped under mu. It is applied to metrics and
// presence after mu is released; an event older than one already applied
// for the same role is discarded.
type slotEvent struct {
	role   models.Role
	connID string
	bound  bool
	seq    uint64
}

// New returns a relay in the init state. Call Start before accepting.
func New(opts Options) *Relay {
	r := &Relay{
		policy:   opts.Policy,
		routes:   opts.Routes,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		presence: opts.Presence,
		state:    StateInit,
		slots:    make(map[models.Role]*Connection),
		conns:    make(map[string]*Connection),
		pending:  make(map[models.Role]pendingMessage),
		applied:  make(map[models.Role]uint64),
	}
	if r.policy == "" {
		r.policy = PolicyDrop
	}
	if r.routes == nil {
		r.routes = DefaultRoutes()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.presence == nil {
		r.presence = nopPresence{}
	}
	for role := range r.routes {
		r.metrics.SlotOccupied.WithLabelValues(string(role)).Set(0)
	}
	return r
}

// Start moves the relay from init to serving. It does nothing after Shutdown.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInit {
		r.state = StateServing
		r.logger.Info("relay serving", zap.String("buffer_policy", string(r.policy)))
	}
}

// State reports where the relay is in its lifecycle.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Accept registers a new transport in the unassigned state.
func (r *Relay) Accept(peer Peer, remote string) (*Connection, error) {
	c := &Connection{
		id:     uuid.NewString(),
		remote: remote,
		peer:   peer,
		alive:  true,
	}

	r.mu.Lock()
	if r.state != StateServing {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	r.conns[c.id] = c
	r.mu.Unlock()

	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectionsActive.Inc()
	r.logger.Info("connection accepted", zap.String("conn_id", c.id), zap.String("remote", remote))
	return c, nil
}

// RoleOf returns the role c currently holds.
func (r *Relay) RoleOf(c *Connection) models.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.role
}

// HandleMessage decodes one inbound frame from c and acts on it. Every
// returned error is local to c; callers log it and keep reading.
func (r *Relay) HandleMessage(c *Connection, raw []byte) error {
	msg := models.Decode(raw)

	switch {
	case msg.Kind == models.KindRegister:
		return r.register(c, msg.Role)
	case msg.Kind.Forwardable():
		return r.forward(c, msg)
	case msg.Kind == models.KindUnknown:
		r.metrics.Dropped.WithLabelValues(metrics.DropReasonUnknownKind).Inc()
		r.notify(c, models.Notification{Type: models.SignalTypeError, Code: models.ErrorCodeUnknownType, Error: msg.Err.Error()})
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, msg.Type)
	default:
		r.metrics.Dropped.WithLabelValues(metrics.DropReasonMalformed).Inc()
		r.notify(c, models.Notification{Type: models.SignalTypeError, Code: models.ErrorCodeMalformed, Error: msg.Err.Error()})
		return fmt.Errorf("%w: %v", ErrUnknownMessageKind, msg.Err)
	}
}

func (r *Relay) register(c *Connection, role models.Role) error {
	if _, ok := r.routes[role]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	r.mu.Lock()
	if r.state != StateServing || !c.alive {
		r.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.role == role && r.slots[role] == c {
		r.mu.Unlock()
		r.logger.Debug("duplicate registration ignored", zap.String("conn_id", c.id), zap.Stringer("role", role))
		return nil
	}

	var events []slotEvent
	previous := c.role
	if previous != models.RoleUnassigned && r.slots[previous] == c {
		delete(r.slots, previous)
		events = append(events, r.stamp(previous, c.id, false))
	}

	evicted := r.slots[role]
	if evicted != nil {
		evicted.role = models.RoleUnassigned
		evicted.alive = false
	}
	r.slots[role] = c
	c.role = role
	events = append(events, r.stamp(role, c.id, true))

	// Ack and any buffered description are queued under the lock so a
	// forward that observes the new slot holder lands after them.
	var failed error
	if err := c.peer.Send(models.Notification{Type: models.SignalTypeRegistered, Role: role, ID: c.id}.Encode()); err != nil {
		failed = err
	}
	pending, hasPending := r.pending[role]
	ownPending := hasPending && pending.from == c.id
	if hasPending {
		delete(r.pending, role)
		if ownPending {
			// a connection that switched roles never gets its own description back
			hasPending = false
		} else if failed == nil {
			failed = c.peer.Send(pending.msg.Raw)
		}
	}
	r.mu.Unlock()

	log := r.logger.With(zap.String("conn_id", c.id), zap.Stringer("role", role))
	r.metrics.Registrations.WithLabelValues(string(role)).Inc()
	for _, ev := range events {
		r.apply(context.Background(), ev)
	}

	if previous != models.RoleUnassigned && previous != role {
		log.Info("connection changed role", zap.Stringer("previous_role", previous))
	}
	if ownPending {
		log.Info("discarded buffered message from the same connection", zap.Stringer("kind", pending.msg.Kind))
	}
	if evicted != nil {
		r.metrics.Evictions.WithLabelValues(string(role), "replaced").Inc()
		log.Warn("slot holder replaced", zap.String("evicted_conn_id", evicted.id))
		_ = evicted.peer.Send(models.Notification{Type: models.SignalTypePeerReplaced, Role: role}.Encode())
		if err := evicted.peer.Close(ClosePeerReplaced, "peer replaced"); err != nil {
			log.Debug("closing evicted connection", zap.Error(err))
		}
	}
	log.Info("role assigned")

	if hasPending && failed == nil {
		r.metrics.Forwarded.WithLabelValues(pending.msg.Kind.String()).Inc()
		log.Info("delivered buffered message", zap.Stringer("kind", pending.msg.Kind))
	}
	if failed != nil {
		r.failWrite(c, failed)
		return fmt.Errorf("%w: %v", ErrTransportWrite, failed)
	}
	return nil
}

func (r *Relay) forward(c *Connection, msg models.Message) error {
	r.mu.Lock()
	if !c.alive {
		r.mu.Unlock()
		return ErrConnectionClosed
	}
	from := c.role
	if from == models.RoleUnassigned {
		r.mu.Unlock()
		r.metrics.Dropped.WithLabelValues(metrics.DropReasonUnregistered).Inc()
		r.notify(c, models.Notification{Type: models.SignalTypeError, Code: models.ErrorCodeUnregistered})
		return ErrUnregisteredSender
	}

	dest := msg.To
	if dest == models.RoleUnassigned {
		dest = r.routes[from]
	}
	if _, known := r.routes[dest]; !known || dest == from {
		r.mu.Unlock()
		r.metrics.Dropped.WithLabelValues(metrics.DropReasonDestination).Inc()
		r.notify(c, models.Notification{Type: models.SignalTypeError, Code: models.ErrorCodeInvalidDestination})
		return fmt.Errorf("%w: %s cannot send to %s", ErrInvalidDestination, from, dest)
	}

	target := r.slots[dest]
	if target == nil {
		buffered := r.policy == PolicyBuffer && (msg.Kind == models.KindOffer || msg.Kind == models.KindAnswer)
		if buffered {
			r.pending[dest] = pendingMessage{msg: msg, from: c.id}
		}
		r.mu.Unlock()

		log := r.logger.With(zap.String("conn_id", c.id), zap.Stringer("from", from), zap.Stringer("to", dest), zap.Stringer("kind", msg.Kind))
		if buffered {
			r.metrics.Buffered.WithLabelValues(msg.Kind.String()).Inc()
			log.Info("no peer, message buffered")
		} else {
			r.metrics.Dropped.WithLabelValues(metrics.DropReasonNoPeer).Inc()
			log.Info("no peer, message dropped")
		}
		return fmt.Errorf("%w: %s", ErrNoPeer, dest)
	}
	r.mu.Unlock()

	if err := target.peer.Send(msg.Raw); err != nil {
		r.metrics.Dropped.WithLabelValues(metrics.DropReasonWriteFailed).Inc()
		r.failWrite(target, err)
		return fmt.Errorf("%w: %v", ErrTransportWrite, err)
	}
	r.metrics.Forwarded.WithLabelValues(msg.Kind.String()).Inc()
	r.logger.Debug("forwarded",
		zap.String("conn_id", c.id),
		zap.String("target_conn_id", target.id),
		zap.Stringer("kind", msg.Kind),
	)
	return nil
}

// Disconnect forgets c and frees its slot. The other slot, and anything
// buffered for it, is left alone. Safe to call more than once.
func (r *Relay) Disconnect(c *Connection) {
	role, ok := r.remove(c)
	if !ok {
		return
	}
	// Anything still queued for c is discarded with the transport.
	_ = c.peer.Close(CloseNormal, "")
	r.logger.Info("connection closed", zap.String("conn_id", c.id), zap.Stringer("role", role))
}

// Evict force-closes whoever holds role.
func (r *Relay) Evict(role models.Role) error {
	if _, ok := r.routes[role]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	r.mu.Lock()
	c := r.slots[role]
	if c == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPeer, role)
	}
	// lookup and removal share the lock so a replacement in between
	// cannot leave Evict closing the previous holder
	_, ev, _ := r.detachLocked(c)
	r.mu.Unlock()
	r.detached(ev)

	r.metrics.Evictions.WithLabelValues(string(role), "operator").Inc()
	r.logger.Warn("slot holder evicted by operator", zap.String("conn_id", c.id), zap.Stringer("role", role))
	return c.peer.Close(CloseEvicted, "evicted")
}

// failWrite closes a destination that could not accept a message.
func (r *Relay) failWrite(c *Connection, cause error) {
	role, ok := r.remove(c)
	if !ok {
		return
	}
	if role != models.RoleUnassigned {
		r.metrics.Evictions.WithLabelValues(string(role), "write_failed").Inc()
	}
	r.logger.Warn("write to peer failed, closing it",
		zap.String("conn_id", c.id),
		zap.Stringer("role", role),
		zap.Error(cause),
	)
	_ = c.peer.Close(ClosePolicyViolation, "slow consumer")
}

// remove drops c from the registry and clears its slot if it still holds
// one. It reports the role c held and whether c was still registered.
func (r *Relay) remove(c *Connection) (models.Role, bool) {
	r.mu.Lock()
	role, ev, ok := r.detachLocked(c)
	r.mu.Unlock()
	if ok {
		r.detached(ev)
	}
	return role, ok
}

// detachLocked is remove without the lock and the bookkeeping that follows
// it. r.mu must be held; call detached once it is released.
func (r *Relay) detachLocked(c *Connection) (models.Role, *slotEvent, bool) {
	if _, ok := r.conns[c.id]; !ok {
		return models.RoleUnassigned, nil, false
	}
	delete(r.conns, c.id)
	c.alive = false
	role := c.role
	c.role = models.RoleUnassigned

	var ev *slotEvent
	if role != models.RoleUnassigned && r.slots[role] == c {
		delete(r.slots, role)
		cleared := r.stamp(role, c.id, false)
		ev = &cleared
	}
	return role, ev, true
}

func (r *Relay) detached(ev *slotEvent) {
	r.metrics.ConnectionsActive.Dec()
	if ev != nil {
		r.apply(context.Background(), *ev)
	}
}

// stamp records a slot change. r.mu must be held.
func (r *Relay) stamp(role models.Role, connID string, bound bool) slotEvent {
	r.seq++
	return slotEvent{role: role, connID: connID, bound: bound, seq: r.seq}
}

// apply mirrors a slot change into metrics and presence, unless a newer
// change for the same role got there first.
func (r *Relay) apply(ctx context.Context, ev slotEvent) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()
	if ev.seq <= r.applied[ev.role] {
		return
	}
	r.applied[ev.role] = ev.seq

	if ev.bound {
		r.metrics.SlotOccupied.WithLabelValues(string(ev.role)).Set(1)
		r.presence.Bound(ctx, ev.role, ev.connID)
		return
	}
	r.metrics.SlotOccupied.WithLabelValues(string(ev.role)).Set(0)
	r.presence.Cleared(ctx, ev.role, ev.connID)
}

// Shutdown closes every connection and clears all slots and buffers. The
// relay does not serve again afterwards.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateShutdown {
		r.mu.Unlock()
		return nil
	}
	r.state = StateShutdown
	conns := make([]*Connection, 0, len(r.conns))
	events := make([]slotEvent, 0, len(r.slots))
	for role, c := range r.slots {
		events = append(events, r.stamp(role, c.id, false))
	}
	for _, c := range r.conns {
		c.alive = false
		c.role = models.RoleUnassigned
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.slots = make(map[models.Role]*Connection)
	r.pending = make(map[models.Role]pendingMessage)
	r.mu.Unlock()

	var errs error
	for _, c := range conns {
		errs = multierr.Append(errs, c.peer.Close(CloseGoingAway, "relay shutting down"))
		r.metrics.ConnectionsActive.Dec()
	}
	for _, ev := range events {
		r.apply(ctx, ev)
	}
	r.logger.Info("relay shut down", zap.Int("closed_connections", len(conns)))
	return multierr.Append(errs, ctx.Err())
}

func (r *Relay) notify(c *Connection, n models.Notification) {
	if err := c.peer.Send(n.Encode()); err != nil {
		r.logger.Debug("notification not delivered", zap.String("conn_id", c.id), zap.Error(err))
	}
}

// SlotStatus describes one role slot.
type SlotStatus struct {
	Occupied     bool   `json:"occupied"`
	ConnectionID string `json:"connectionId,omitempty"`
	Remote       string `json:"remote,omitempty"`
	Buffered     string `json:"buffered,omitempty"`
}

// Status is a point-in-time view of the relay.
type Status struct {
	State        string                     `json:"state"`
	BufferPolicy BufferPolicy               `json:"bufferPolicy"`
	Connections  int                        `json:"connections"`
	Slots        map[models.Role]SlotStatus `json:"slots"`
}

// Snapshot returns the current slot holders and buffered messages.
func (r *Relay) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State:        r.state.String(),
		BufferPolicy: r.policy,
		Connections:  len(r.conns),
		Slots:        make(map[models.Role]SlotStatus, len(r.routes)),
	}
	for role := range r.routes {
		var slot SlotStatus
		if c := r.slots[role]; c != nil {
			slot.Occupied = true
			slot.ConnectionID = c.id
			slot.Remote = c.remote
		}
		if p, ok := r.pending[role]; ok {
			slot.Buffered = p.msg.Kind.String()
		}
		st.Slots[role] = slot
	}
	return st
}

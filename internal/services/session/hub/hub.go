// Package hub owns the in-memory broadcast domain of each active session.
//
// The hub accepts and retires connections, serializes outbound fan-out,
// buffers per-connection backpressure, and detects dead peers through missed
// heartbeats. Messages broadcast from a single logical source are observed by
// all recipients in submission order; no ordering is guaranteed between
// concurrent sources.
package hub

import (
	"log"
	"sync"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/timeouts"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
)

// Conn is the transport seam between the hub and one connected peer.
type Conn interface {
	// Send writes one envelope to the peer. A returned error marks the
	// connection dead.
	Send(envelope domain.Envelope) error
	// Close tears the transport down. It must be safe to call twice.
	Close() error
}

// LeaveReason explains why a binding was retired.
type LeaveReason string

const (
	// LeaveRequested means the client left or the transport loop returned.
	LeaveRequested LeaveReason = "requested"
	// LeaveHeartbeat means the peer missed its liveness deadline.
	LeaveHeartbeat LeaveReason = "heartbeat"
	// LeaveBackpressure means a critical event could not be buffered.
	LeaveBackpressure LeaveReason = "backpressure"
	// LeaveReplaced means a reconnect superseded a dead connection.
	LeaveReplaced LeaveReason = "replaced"
	// LeaveSendFailed means the transport write errored.
	LeaveSendFailed LeaveReason = "send_failed"
)

// Options configures hub behavior.
type Options struct {
	// QueueDepth bounds each connection's outbound buffer.
	QueueDepth int
	// HeartbeatInterval is the expected liveness probe cadence.
	HeartbeatInterval time.Duration
	// MissedHeartbeatLimit is how many consecutive intervals may elapse
	// before a peer is considered dead.
	MissedHeartbeatLimit int
	// OnRetire is invoked after a binding is removed, outside hub locks.
	// Replacement retires do not emit user_left and report LeaveReplaced.
	OnRetire func(sessionID, userID string, reason LeaveReason)
	// Now injects the clock for tests.
	Now func() time.Time
}

const defaultQueueDepth = 64
const defaultMissedHeartbeatLimit = 2

// Hub fans session events out to every connected participant.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room

	queueDepth        int
	heartbeatInterval time.Duration
	missedLimit       int
	onRetire          func(sessionID, userID string, reason LeaveReason)
	now               func() time.Time
}

type room struct {
	sessionID string
	members   map[string]*member
}

type member struct {
	binding domain.ParticipantBinding
	conn    Conn
	queue   *outQueue
	lastAck time.Time
}

// Handle identifies one accepted connection.
type Handle struct {
	hub       *Hub
	sessionID string
	userID    string
	member    *member
}

// New creates a hub with the provided options.
func New(options Options) *Hub {
	if options.QueueDepth <= 0 {
		options.QueueDepth = defaultQueueDepth
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = timeouts.Heartbeat
	}
	if options.MissedHeartbeatLimit <= 0 {
		options.MissedHeartbeatLimit = defaultMissedHeartbeatLimit
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Hub{
		rooms:             make(map[string]*room),
		queueDepth:        options.QueueDepth,
		heartbeatInterval: options.HeartbeatInterval,
		missedLimit:       options.MissedHeartbeatLimit,
		onRetire:          options.OnRetire,
		now:               options.Now,
	}
}

// Join binds a connection for (session, user). A second simultaneous
// connection is rejected with ALREADY_ACTIVE unless the prior peer missed its
// heartbeat deadline, in which case the stale connection is replaced without a
// user_left broadcast.
func (h *Hub) Join(sessionID string, binding domain.ParticipantBinding, conn Conn) (*Handle, error) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{sessionID: sessionID, members: make(map[string]*member)}
		h.rooms[sessionID] = r
	}

	var replaced *member
	if existing, ok := r.members[binding.UserID]; ok {
		if !h.isDeadLocked(existing) {
			h.mu.Unlock()
			return nil, apperrors.New(apperrors.CodeAlreadyActive, "connection already active for user")
		}
		replaced = existing
		delete(r.members, binding.UserID)
	}

	m := &member{
		binding: binding,
		conn:    conn,
		queue:   newOutQueue(h.queueDepth),
		lastAck: h.now(),
	}
	r.members[binding.UserID] = m
	h.mu.Unlock()

	if replaced != nil {
		replaced.queue.close()
		_ = replaced.conn.Close()
		if h.onRetire != nil {
			h.onRetire(sessionID, binding.UserID, LeaveReplaced)
		}
	}

	go h.writeLoop(sessionID, binding.UserID, m)

	joined, err := domain.NewEvent(domain.TypeUserJoined, "hub", map[string]string{
		"user_id": binding.UserID,
		"name":    binding.DisplayName,
		"role":    string(binding.Role),
	}, h.now)
	if err == nil {
		h.Broadcast(sessionID, joined)
	}

	return &Handle{hub: h, sessionID: sessionID, userID: binding.UserID, member: m}, nil
}

// Leave retires the binding and broadcasts a user_left event. It is
// idempotent: retiring an already-removed binding does nothing.
func (h *Hub) Leave(sessionID, userID string) {
	h.retire(sessionID, userID, nil, LeaveRequested)
}

// Heartbeat acknowledges the peer's liveness probe.
func (h *Hub) Heartbeat(sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		if m, ok := r.members[userID]; ok {
			m.lastAck = h.now()
		}
	}
}

// Broadcast fans an envelope out to the session's connected participants.
// When the envelope names recipients, delivery is restricted to them.
func (h *Hub) Broadcast(sessionID string, envelope domain.Envelope) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	type target struct {
		userID string
		member *member
	}
	targets := make([]target, 0, len(r.members))
	for userID, m := range r.members {
		if !envelope.DeliverableTo(userID) {
			continue
		}
		targets = append(targets, target{userID: userID, member: m})
	}
	h.mu.Unlock()

	for _, t := range targets {
		if !t.member.queue.push(envelope) {
			log.Printf("hub: closing connection under backpressure session=%q user=%q type=%s",
				sessionID, t.userID, envelope.Type)
			h.retire(sessionID, t.userID, t.member, LeaveBackpressure)
		}
	}
}

// SendTo delivers an envelope to a single participant.
func (h *Hub) SendTo(sessionID, userID string, envelope domain.Envelope) {
	envelope.Recipients = []string{userID}
	h.Broadcast(sessionID, envelope)
}

// Participants lists the currently connected bindings for the session.
func (h *Hub) Participants(sessionID string) []domain.ParticipantBinding {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]domain.ParticipantBinding, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.binding)
	}
	return out
}

// Connected reports whether the user currently holds a binding.
func (h *Hub) Connected(sessionID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		_, ok := r.members[userID]
		return ok
	}
	return false
}

// ReapDead retires every connection past its heartbeat deadline. The caller
// runs this on a ticker; each dead peer produces exactly one user_left.
func (h *Hub) ReapDead() {
	h.mu.Lock()
	type dead struct {
		sessionID string
		userID    string
		member    *member
	}
	var victims []dead
	for sessionID, r := range h.rooms {
		for userID, m := range r.members {
			if h.isDeadLocked(m) {
				victims = append(victims, dead{sessionID: sessionID, userID: userID, member: m})
			}
		}
	}
	h.mu.Unlock()

	for _, v := range victims {
		h.retire(v.sessionID, v.userID, v.member, LeaveHeartbeat)
	}
}

// Run reaps dead peers on the heartbeat cadence until ctx is done.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.ReapDead()
		}
	}
}

// isDeadLocked reports whether the member missed its heartbeat deadline.
// Callers must hold h.mu.
func (h *Hub) isDeadLocked(m *member) bool {
	deadline := time.Duration(h.missedLimit) * h.heartbeatInterval
	return h.now().Sub(m.lastAck) > deadline
}

// retire removes the binding (once) and broadcasts user_left. When expect is
// non-nil the removal only applies if the stored member is the same
// connection, so a reconnect cannot be killed by a stale retire.
func (h *Hub) retire(sessionID, userID string, expect *member, reason LeaveReason) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	m, ok := r.members[userID]
	if !ok || (expect != nil && m != expect) {
		h.mu.Unlock()
		return
	}
	delete(r.members, userID)
	if len(r.members) == 0 {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()

	m.queue.close()
	_ = m.conn.Close()

	left, err := domain.NewEvent(domain.TypeUserLeft, "hub", map[string]string{
		"user_id": userID,
		"reason":  string(reason),
	}, h.now)
	if err == nil {
		h.Broadcast(sessionID, left)
	}

	if h.onRetire != nil {
		h.onRetire(sessionID, userID, reason)
	}
}

// writeLoop drains the member queue onto the transport until it closes.
func (h *Hub) writeLoop(sessionID, userID string, m *member) {
	for {
		envelope, ok := m.queue.pop()
		if !ok {
			return
		}
		if err := m.conn.Send(envelope); err != nil {
			log.Printf("hub: send failed session=%q user=%q: %v", sessionID, userID, err)
			h.retire(sessionID, userID, m, LeaveSendFailed)
			return
		}
	}
}

// UserID returns the bound user for the handle.
func (hd *Handle) UserID() string {
	return hd.userID
}

// Heartbeat acknowledges liveness for this connection.
func (hd *Handle) Heartbeat() {
	hd.hub.Heartbeat(hd.sessionID, hd.userID)
}

// Leave retires this connection if it is still the bound one.
func (hd *Handle) Leave() {
	hd.hub.retire(hd.sessionID, hd.userID, hd.member, LeaveRequested)
}

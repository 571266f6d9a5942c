// Package presence tracks live participant status within sessions.
//
// The registry is passive: it records status changes and reports which ones
// actually changed, and the session actor decides when to sweep for idleness
// and what to broadcast. Presence updates are the one event class allowed to
// be dropped under backpressure because the next update supersedes them.
package presence

import (
	"sync"
	"time"
)

// Status is a participant's live activity state.
type Status string

const (
	// StatusActive means recent input was observed.
	StatusActive Status = "active"
	// StatusIdle means no input for at least the idle window.
	StatusIdle Status = "idle"
	// StatusAway means the participant disconnected.
	StatusAway Status = "away"
)

// Entry is one participant's presence snapshot.
type Entry struct {
	UserID   string
	Status   Status
	LastSeen time.Time
}

// Registry tracks presence per session.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]map[string]*Entry
	idleAfter time.Duration
	now       func() time.Time
}

// NewRegistry creates a registry that marks participants idle after idleAfter
// without input.
func NewRegistry(idleAfter time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions:  make(map[string]map[string]*Entry),
		idleAfter: idleAfter,
		now:       now,
	}
}

// MarkActive records activity for the participant. It returns true when the
// visible status changed.
func (r *Registry) MarkActive(sessionID, userID string) bool {
	return r.set(sessionID, userID, StatusActive, true)
}

// MarkIdle marks the participant idle. It returns true when the status changed.
func (r *Registry) MarkIdle(sessionID, userID string) bool {
	return r.set(sessionID, userID, StatusIdle, false)
}

// MarkAway marks the participant away, typically on disconnect.
func (r *Registry) MarkAway(sessionID, userID string) bool {
	return r.set(sessionID, userID, StatusAway, false)
}

// Touch refreshes the last-seen time without changing status semantics other
// than waking an idle participant back to active.
func (r *Registry) Touch(sessionID, userID string) bool {
	return r.set(sessionID, userID, StatusActive, true)
}

// Remove forgets the participant entirely, used when the session retires.
func (r *Registry) Remove(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if users, ok := r.sessions[sessionID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Snapshot returns current entries for the session in no particular order.
func (r *Registry) Snapshot(sessionID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.sessions[sessionID]
	out := make([]Entry, 0, len(users))
	for _, entry := range users {
		out = append(out, *entry)
	}
	return out
}

// SweepIdle transitions active participants with no input inside the idle
// window to idle and returns the user IDs that changed.
func (r *Registry) SweepIdle(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleAfter)
	var changed []string
	for userID, entry := range r.sessions[sessionID] {
		if entry.Status == StatusActive && entry.LastSeen.Before(cutoff) {
			entry.Status = StatusIdle
			changed = append(changed, userID)
		}
	}
	return changed
}

func (r *Registry) set(sessionID, userID string, status Status, refreshSeen bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.sessions[sessionID]
	if !ok {
		users = make(map[string]*Entry)
		r.sessions[sessionID] = users
	}
	entry, ok := users[userID]
	if !ok {
		entry = &Entry{UserID: userID, LastSeen: r.now()}
		users[userID] = entry
		entry.Status = status
		return true
	}

	if refreshSeen {
		entry.LastSeen = r.now()
	}
	if entry.Status == status {
		return false
	}
	entry.Status = status
	return true
}

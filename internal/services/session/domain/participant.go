package domain

import (
	"errors"
	"strings"
	"time"
)

// Role identifies how a participant takes part in a session.
type Role string

const (
	// RoleDesigner is the sighted design practitioner.
	RoleDesigner Role = "designer"
	// RoleVIUser is the visually-impaired end user, the second human principal.
	RoleVIUser Role = "vi_user"
	// RoleAIAgent is the AI facilitator. It may propose phase transitions but
	// never commit them.
	RoleAIAgent Role = "ai_agent"
	// RoleObserver is a silent spectator with no mutation rights.
	RoleObserver Role = "observer"
	// RoleResearcher administers the experiment and may force-complete a
	// session from any phase.
	RoleResearcher Role = "researcher"
)

var (
	// ErrEmptyUserID indicates a participant user ID is required.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrInvalidRole indicates an unsupported participant role.
	ErrInvalidRole = errors.New("role is invalid")
)

// IsValid reports whether the role is supported.
func (r Role) IsValid() bool {
	switch r {
	case RoleDesigner, RoleVIUser, RoleAIAgent, RoleObserver, RoleResearcher:
		return true
	default:
		return false
	}
}

// CanAdvancePhase reports whether the role may commit a forward phase
// transition. The AI facilitator proposes transitions but never commits them.
func (r Role) CanAdvancePhase() bool {
	switch r {
	case RoleDesigner, RoleVIUser, RoleResearcher:
		return true
	default:
		return false
	}
}

// CanForceComplete reports whether the role may terminate a session from any
// phase.
func (r Role) CanForceComplete() bool {
	return r == RoleResearcher
}

// ParseRole canonicalizes and validates a role string.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.IsValid() {
		return "", ErrInvalidRole
	}
	return role, nil
}

// ParticipantBinding ties a user identity to a role within one session.
//
// At most one live connection exists per (session, user) pair; reconnection
// replaces the binding rather than duplicating it.
type ParticipantBinding struct {
	UserID      string
	DisplayName string
	Role        Role
	JoinedAt    time.Time
}

// NormalizeParticipantBinding trims and validates a binding.
func NormalizeParticipantBinding(binding ParticipantBinding) (ParticipantBinding, error) {
	binding.UserID = strings.TrimSpace(binding.UserID)
	if binding.UserID == "" {
		return ParticipantBinding{}, ErrEmptyUserID
	}
	binding.DisplayName = strings.TrimSpace(binding.DisplayName)
	if binding.DisplayName == "" {
		binding.DisplayName = binding.UserID
	}
	if !binding.Role.IsValid() {
		return ParticipantBinding{}, ErrInvalidRole
	}
	return binding, nil
}

// Package storage defines the persistence boundaries of the session service.
//
// The session store is the only component accessed by more than one session
// actor concurrently, so CompareAndSetPhase must be atomic at the store level.
// The artifact store is an external collaborator reached through patches and
// opaque version numbers; the merge algorithm behind it is out of scope.
package storage

import (
	"context"
	"errors"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPhaseConflict indicates the expected phase no longer matches.
	ErrPhaseConflict = errors.New("phase conflict")
	// ErrConflictingVersion indicates the artifact was mutated concurrently.
	ErrConflictingVersion = errors.New("conflicting artifact version")
)

// SessionStore persists sessions, transition facts, and the interaction log.
type SessionStore interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session domain.Session) error

	// LoadSession returns the session or ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (domain.Session, error)

	// SaveParticipant upserts a participant binding for the session.
	SaveParticipant(ctx context.Context, sessionID string, binding domain.ParticipantBinding) error

	// CompareAndSetPhase atomically moves the session phase from expected to
	// next. It returns ErrPhaseConflict when the stored phase differs from
	// expected, which is how concurrent Advance races resolve to one winner.
	CompareAndSetPhase(ctx context.Context, sessionID string, expected, next domain.Phase) error

	// SaveTransition appends a write-only phase transition fact.
	SaveTransition(ctx context.Context, fact domain.Transition) error

	// ListTransitions returns the recorded facts in append order.
	ListTransitions(ctx context.Context, sessionID string) ([]domain.Transition, error)

	// AppendInteraction appends to the session interaction log.
	AppendInteraction(ctx context.Context, record domain.Interaction) error

	// MarkMessageApplied records that the facilitator fully processed the
	// sender's message, making crash-recovery resubmits idempotent.
	MarkMessageApplied(ctx context.Context, sessionID, senderID string, messageID uint64) error

	// IsMessageApplied reports whether the message was already processed.
	IsMessageApplied(ctx context.Context, sessionID, senderID string, messageID uint64) (bool, error)
}

// ArtifactPatch is one discrete mutation against a collaborative artifact.
type ArtifactPatch struct {
	Category string // e.g. an empathy map quadrant or journey stage
	DataJSON []byte
}

// ArtifactSummary is a compact rendering of an artifact used when assembling
// facilitator turn context.
type ArtifactSummary struct {
	ArtifactID string
	Kind       string
	Version    int64
	Summary    string
}

// ArtifactStore applies discrete patches to shared artifacts.
type ArtifactStore interface {
	// ApplyMutation applies patch and returns the new artifact version.
	// ErrNotFound when the artifact is gone; ErrConflictingVersion when a
	// concurrent mutation won.
	ApplyMutation(ctx context.Context, artifactID string, patch ArtifactPatch) (int64, error)

	// Summaries lists current artifact summaries for the session.
	Summaries(ctx context.Context, sessionID string) ([]ArtifactSummary, error)
}

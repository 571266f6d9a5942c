// Package memory provides in-memory store implementations used by tests and
// by deployments that keep artifacts outside the session service.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
)

// SessionStore is a mutex-guarded storage.SessionStore.
type SessionStore struct {
	mu           sync.Mutex
	sessions     map[string]domain.Session
	transitions  map[string][]domain.Transition
	interactions map[string][]domain.Interaction
	applied      map[string]struct{}
}

// NewSessionStore returns an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]domain.Session),
		transitions:  make(map[string][]domain.Transition),
		interactions: make(map[string][]domain.Interaction),
		applied:      make(map[string]struct{}),
	}
}

// CreateSession persists a new session record.
func (s *SessionStore) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// LoadSession returns the session or storage.ErrNotFound.
func (s *SessionStore) LoadSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return cloneSession(session), nil
}

// SaveParticipant upserts a participant binding.
func (s *SessionStore) SaveParticipant(_ context.Context, sessionID string, binding domain.ParticipantBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	replaced := false
	for i, existing := range session.Participants {
		if existing.UserID == binding.UserID {
			session.Participants[i] = binding
			replaced = true
			break
		}
	}
	if !replaced {
		session.Participants = append(session.Participants, binding)
	}
	s.sessions[sessionID] = session
	return nil
}

// CompareAndSetPhase atomically advances the stored phase.
func (s *SessionStore) CompareAndSetPhase(_ context.Context, sessionID string, expected, next domain.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if session.CurrentPhase != expected {
		return storage.ErrPhaseConflict
	}
	session.CurrentPhase = next
	switch {
	case expected == domain.PhaseSetup:
		now := time.Now()
		session.StartedAt = &now
	case next == domain.PhaseComplete:
		now := time.Now()
		session.CompletedAt = &now
	}
	s.sessions[sessionID] = session
	return nil
}

// SaveTransition appends a transition fact.
func (s *SessionStore) SaveTransition(_ context.Context, fact domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[fact.SessionID] = append(s.transitions[fact.SessionID], fact)
	return nil
}

// ListTransitions returns facts in append order.
func (s *SessionStore) ListTransitions(_ context.Context, sessionID string) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	facts := s.transitions[sessionID]
	out := make([]domain.Transition, len(facts))
	copy(out, facts)
	return out, nil
}

// AppendInteraction appends to the interaction log.
func (s *SessionStore) AppendInteraction(_ context.Context, record domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[record.SessionID] = append(s.interactions[record.SessionID], record)
	return nil
}

// ListInteractions returns the interaction log in append order.
func (s *SessionStore) ListInteractions(sessionID string) []domain.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.interactions[sessionID]
	out := make([]domain.Interaction, len(records))
	copy(out, records)
	return out
}

// MarkMessageApplied records a fully processed facilitator message.
func (s *SessionStore) MarkMessageApplied(_ context.Context, sessionID, senderID string, messageID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[appliedKey(sessionID, senderID, messageID)] = struct{}{}
	return nil
}

// IsMessageApplied reports whether the message was already processed.
func (s *SessionStore) IsMessageApplied(_ context.Context, sessionID, senderID string, messageID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[appliedKey(sessionID, senderID, messageID)]
	return ok, nil
}

func appliedKey(sessionID, senderID string, messageID uint64) string {
	return fmt.Sprintf("%s/%s/%d", sessionID, senderID, messageID)
}

func cloneSession(session domain.Session) domain.Session {
	participants := make([]domain.ParticipantBinding, len(session.Participants))
	copy(participants, session.Participants)
	session.Participants = participants
	return session
}

type artifact struct {
	summary storage.ArtifactSummary
	patches []storage.ArtifactPatch
}

// ArtifactStore is a mutex-guarded storage.ArtifactStore.
type ArtifactStore struct {
	mu        sync.Mutex
	bySession map[string][]string
	artifacts map[string]*artifact
}

// NewArtifactStore returns an empty in-memory artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		bySession: make(map[string][]string),
		artifacts: make(map[string]*artifact),
	}
}

// Put registers an artifact for a session.
func (s *ArtifactStore) Put(sessionID, artifactID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[sessionID] = append(s.bySession[sessionID], artifactID)
	s.artifacts[artifactID] = &artifact{
		summary: storage.ArtifactSummary{ArtifactID: artifactID, Kind: kind},
	}
}

// Delete removes an artifact so later mutations observe ErrNotFound.
func (s *ArtifactStore) Delete(artifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, artifactID)
}

// ApplyMutation applies patch and bumps the artifact version.
func (s *ArtifactStore) ApplyMutation(_ context.Context, artifactID string, patch storage.ArtifactPatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.artifacts[artifactID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	record.patches = append(record.patches, patch)
	record.summary.Version++
	return record.summary.Version, nil
}

// Summaries lists artifact summaries registered for the session.
func (s *ArtifactStore) Summaries(_ context.Context, sessionID string) ([]storage.ArtifactSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ArtifactSummary
	for _, artifactID := range s.bySession[sessionID] {
		if record, ok := s.artifacts[artifactID]; ok {
			out = append(out, record.summary)
		}
	}
	return out, nil
}

// Patches returns the patches applied to an artifact, for tests.
func (s *ArtifactStore) Patches(artifactID string) []storage.ArtifactPatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.artifacts[artifactID]
	if !ok {
		return nil
	}
	out := make([]storage.ArtifactPatch, len(record.patches))
	copy(out, record.patches)
	return out
}

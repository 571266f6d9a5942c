package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/id"
)

// ExperimentMode controls whether the AI facilitator participates in a session.
type ExperimentMode string

const (
	// ModeWithAI runs the session with the AI facilitator active.
	ModeWithAI ExperimentMode = "with_ai"
	// ModeWithoutAI runs the session with human participants only.
	ModeWithoutAI ExperimentMode = "without_ai"
	// ModeControl is the research baseline condition.
	ModeControl ExperimentMode = "control"
)

var (
	// ErrEmptySessionID indicates a session ID is required.
	ErrEmptySessionID = errors.New("session id is required")
	// ErrEmptyTitle indicates a session title is required.
	ErrEmptyTitle = errors.New("session title is required")
	// ErrInvalidExperimentMode indicates an unsupported experiment mode.
	ErrInvalidExperimentMode = errors.New("experiment mode is invalid")
	// ErrParticipantBound indicates the user already holds a binding.
	ErrParticipantBound = errors.New("participant already bound to session")
)

// IsValid reports whether the experiment mode is supported.
func (m ExperimentMode) IsValid() bool {
	switch m {
	case ModeWithAI, ModeWithoutAI, ModeControl:
		return true
	default:
		return false
	}
}

// AIEnabled reports whether AI-bound messages should reach the facilitator.
func (m ExperimentMode) AIEnabled() bool {
	return m == ModeWithAI
}

// Session is one bounded collaboration instance between fixed participants
// moving through the ordered phase sequence.
type Session struct {
	ID           string
	Title        string
	CurrentPhase Phase
	Mode         ExperimentMode
	Participants []ParticipantBinding
	CreatedAt    time.Time
	StartedAt    *time.Time // nil until the session leaves setup
	CompletedAt  *time.Time // nil until the session reaches complete
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	Title string
	Mode  ExperimentMode
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return CreateSessionInput{}, ErrEmptyTitle
	}
	input.Mode = ExperimentMode(strings.ToLower(strings.TrimSpace(string(input.Mode))))
	if !input.Mode.IsValid() {
		return CreateSessionInput{}, ErrInvalidExperimentMode
	}
	return input, nil
}

// CreateSession creates a new session in the setup phase with a generated ID.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	return Session{
		ID:           sessionID,
		Title:        normalized.Title,
		CurrentPhase: PhaseSetup,
		Mode:         normalized.Mode,
		CreatedAt:    now().UTC(),
	}, nil
}

// Participant returns the binding for userID, if any.
func (s Session) Participant(userID string) (ParticipantBinding, bool) {
	for _, binding := range s.Participants {
		if binding.UserID == userID {
			return binding, true
		}
	}
	return ParticipantBinding{}, false
}

// Bind adds a participant binding to the session. Binding the same user twice
// is rejected; reconnection is a hub concern and never re-binds.
func (s *Session) Bind(binding ParticipantBinding, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	normalized, err := NormalizeParticipantBinding(binding)
	if err != nil {
		return err
	}
	if _, ok := s.Participant(normalized.UserID); ok {
		return ErrParticipantBound
	}
	normalized.JoinedAt = now().UTC()
	s.Participants = append(s.Participants, normalized)
	return nil
}

// Completed reports whether the session has reached the terminal phase.
func (s Session) Completed() bool {
	return s.CurrentPhase.IsTerminal()
}

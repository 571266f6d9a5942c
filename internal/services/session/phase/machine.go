// Package phase implements the authoritative session phase state machine.
//
// Transitions are committed through the session store's compare-and-set so
// they stay linearizable even across an actor restart; the losing side of a
// race observes INVALID_TRANSITION rather than a duplicated step.
package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
)

// Requester identifies who asked for a transition.
type Requester struct {
	UserID string
	Role   domain.Role
}

// Machine decides and persists phase transitions for sessions.
type Machine struct {
	store storage.SessionStore
	now   func() time.Time
}

// NewMachine creates a phase machine over the given store.
func NewMachine(store storage.SessionStore, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: store, now: now}
}

// Start moves a session out of setup into shared_framing. It is the only
// legal exit from setup.
func (m *Machine) Start(ctx context.Context, sessionID string, requester Requester) (domain.Transition, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return domain.Transition{}, err
	}
	if !requester.Role.CanAdvancePhase() {
		return domain.Transition{}, apperrors.New(apperrors.CodeUnauthorized,
			fmt.Sprintf("role %s may not start the session", requester.Role))
	}
	if session.CurrentPhase != domain.PhaseSetup {
		return domain.Transition{}, apperrors.New(apperrors.CodeAlreadyStarted, "session already started")
	}
	return m.commit(ctx, sessionID, domain.PhaseSetup, domain.PhaseSharedFraming, requester, false)
}

// Advance moves the session exactly one step forward along the canonical
// sequence. The AI facilitator may propose transitions but never commit them.
func (m *Machine) Advance(ctx context.Context, sessionID string, requester Requester) (domain.Transition, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return domain.Transition{}, err
	}
	if !requester.Role.CanAdvancePhase() {
		return domain.Transition{}, apperrors.New(apperrors.CodeUnauthorized,
			fmt.Sprintf("role %s may not advance the phase", requester.Role))
	}
	current := session.CurrentPhase
	if current.IsTerminal() {
		return domain.Transition{}, apperrors.New(apperrors.CodeAlreadyComplete, "session is complete")
	}
	if current == domain.PhaseSetup {
		return domain.Transition{}, apperrors.New(apperrors.CodeNoActivePhase, "session has not started")
	}
	next, ok := current.Next()
	if !ok {
		return domain.Transition{}, apperrors.New(apperrors.CodeInvalidTransition,
			fmt.Sprintf("no forward transition from %s", current))
	}
	return m.commit(ctx, sessionID, current, next, requester, false)
}

// ForceComplete jumps the session to complete from any non-terminal phase.
// Researchers only.
func (m *Machine) ForceComplete(ctx context.Context, sessionID string, requester Requester) (domain.Transition, error) {
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return domain.Transition{}, err
	}
	if !requester.Role.CanForceComplete() {
		return domain.Transition{}, apperrors.New(apperrors.CodeUnauthorized,
			fmt.Sprintf("role %s may not force completion", requester.Role))
	}
	if session.CurrentPhase.IsTerminal() {
		return domain.Transition{}, apperrors.New(apperrors.CodeAlreadyComplete, "session is complete")
	}
	return m.commit(ctx, sessionID, session.CurrentPhase, domain.PhaseComplete, requester, true)
}

func (m *Machine) load(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Session{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", err)
		}
		return domain.Session{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "load session", err)
	}
	return session, nil
}

func (m *Machine) commit(ctx context.Context, sessionID string, from, to domain.Phase, requester Requester, forced bool) (domain.Transition, error) {
	if err := m.store.CompareAndSetPhase(ctx, sessionID, from, to); err != nil {
		if errors.Is(err, storage.ErrPhaseConflict) {
			return domain.Transition{}, apperrors.Wrap(apperrors.CodeInvalidTransition,
				fmt.Sprintf("phase moved past %s concurrently", from), err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Transition{}, apperrors.Wrap(apperrors.CodeNotFound, "session not found", err)
		}
		return domain.Transition{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "commit phase", err)
	}

	fact := domain.Transition{
		SessionID:   sessionID,
		From:        from,
		To:          to,
		TriggeredBy: requester.UserID,
		Forced:      forced,
		Timestamp:   m.now().UTC(),
	}
	if err := m.store.SaveTransition(ctx, fact); err != nil {
		// The phase change is already committed; a lost audit fact must not
		// undo it. Surface the store failure to the caller's logs instead.
		return fact, apperrors.Wrap(apperrors.CodeStoreUnavailable, "save transition fact", err)
	}
	return fact, nil
}

package domain

import "time"

// Transition is the write-only audit fact recorded for every successful phase
// change. Facts are appended for research analysis and never mutated.
type Transition struct {
	SessionID   string
	From        Phase
	To          Phase
	TriggeredBy string // user ID, or "system" for forced cancellation paths
	Forced      bool
	Timestamp   time.Time
}

// InteractionKind classifies an interaction log entry.
type InteractionKind string

const (
	// InteractionChat records a human chat message.
	InteractionChat InteractionKind = "chat_message"
	// InteractionInsight records an insight captured by the facilitator.
	InteractionInsight InteractionKind = "insight"
	// InteractionMediation records a mediation proposal.
	InteractionMediation InteractionKind = "mediation"
	// InteractionAITurn records one completed facilitator turn.
	InteractionAITurn InteractionKind = "ai_turn"
)

// Interaction is an append-only record of session activity kept for research
// audit alongside the transition facts.
type Interaction struct {
	SessionID string
	Kind      InteractionKind
	ActorID   string
	ActorRole Role
	Phase     Phase
	DataJSON  []byte
	Timestamp time.Time
}

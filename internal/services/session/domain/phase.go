package domain

// Phase identifies one stage of the fixed co-design collaboration sequence.
type Phase string

const (
	// PhaseSetup is the pre-start lobby where participants assemble.
	PhaseSetup Phase = "setup"
	// PhaseSharedFraming establishes a common understanding of the design goal.
	PhaseSharedFraming Phase = "shared_framing"
	// PhasePerspectiveExchange surfaces lived experience from each principal.
	PhasePerspectiveExchange Phase = "perspective_exchange"
	// PhaseMeaningNegotiation reconciles conflicting interpretations.
	PhaseMeaningNegotiation Phase = "meaning_negotiation"
	// PhaseReflectionIteration reviews artifacts and iterates on them.
	PhaseReflectionIteration Phase = "reflection_iteration"
	// PhaseComplete is the terminal state; sessions are archived, never deleted.
	PhaseComplete Phase = "complete"
)

// phaseOrder is the canonical forward sequence. The only legal deviation is a
// forced jump from any non-terminal phase straight to PhaseComplete.
var phaseOrder = []Phase{
	PhaseSetup,
	PhaseSharedFraming,
	PhasePerspectiveExchange,
	PhaseMeaningNegotiation,
	PhaseReflectionIteration,
	PhaseComplete,
}

// Phases returns the canonical ordered phase sequence.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// IsValid reports whether the phase is a member of the canonical sequence.
func (p Phase) IsValid() bool {
	for _, candidate := range phaseOrder {
		if p == candidate {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase ends the session lifecycle.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete
}

// Next returns the phase one step forward in the canonical sequence. The
// second return value is false when p is terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	for i, candidate := range phaseOrder {
		if p != candidate {
			continue
		}
		if i+1 >= len(phaseOrder) {
			return "", false
		}
		return phaseOrder[i+1], true
	}
	return "", false
}

// Index returns the position of the phase in the canonical sequence, or -1
// when the phase is unknown.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if p == candidate {
			return i
		}
	}
	return -1
}

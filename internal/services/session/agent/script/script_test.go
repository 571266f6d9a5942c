package script

import (
	"strings"
	"testing"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
)

func TestForPhaseCoversEveryPhase(t *testing.T) {
	for _, phase := range domain.Phases() {
		s, err := ForPhase(phase)
		if err != nil {
			t.Fatalf("ForPhase(%s): %v", phase, err)
		}
		if s.Phase != phase {
			t.Fatalf("script phase = %s, want %s", s.Phase, phase)
		}
		if strings.TrimSpace(s.SystemPrompt) == "" {
			t.Fatalf("empty prompt for phase %s", phase)
		}
	}
}

func TestForPhaseRejectsUnknownPhase(t *testing.T) {
	if _, err := ForPhase(domain.Phase("warmup")); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestToolAvailabilityTracksSessionArc(t *testing.T) {
	tests := []struct {
		phase   domain.Phase
		tool    string
		allowed bool
	}{
		{domain.PhaseSetup, "capture_insight", false},
		{domain.PhaseSharedFraming, "capture_insight", true},
		{domain.PhaseSharedFraming, "add_to_journey_map", false},
		{domain.PhasePerspectiveExchange, "add_to_journey_map", true},
		{domain.PhaseMeaningNegotiation, "mediate_disagreement", true},
		{domain.PhaseMeaningNegotiation, "add_to_empathy_map", false},
		{domain.PhaseReflectionIteration, "suggest_design_element", true},
		{domain.PhaseComplete, "suggest_design_element", false},
	}
	for _, tc := range tests {
		s, err := ForPhase(tc.phase)
		if err != nil {
			t.Fatalf("ForPhase(%s): %v", tc.phase, err)
		}
		if got := s.AllowsTool(tc.tool); got != tc.allowed {
			t.Fatalf("phase %s tool %s allowed = %v, want %v", tc.phase, tc.tool, got, tc.allowed)
		}
	}
}

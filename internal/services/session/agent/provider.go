package agent

import (
	"context"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent/script"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

// ContextMessage is one conversation entry carried into a turn context.
type ContextMessage struct {
	SenderID string
	Role     domain.Role
	Text     string
}

// TurnContext is the read-only snapshot assembled before a facilitator turn.
// It is never mutated while the turn is in flight; a phase change during the
// provider call does not alter what the provider was asked.
type TurnContext struct {
	SessionID      string
	Phase          domain.Phase
	Participants   []domain.ParticipantBinding
	RecentMessages []ContextMessage
	Artifacts      []storage.ArtifactSummary
	Inbound        ContextMessage
}

// Completion is what the provider returns for one turn: response text, zero or
// more structured tool calls, and the provider's own emotion classification.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Emotion   voice.Emotion
}

// CompletionProvider issues one facilitator completion per call.
type CompletionProvider interface {
	Complete(ctx context.Context, turn TurnContext, s script.Script) (Completion, error)
}

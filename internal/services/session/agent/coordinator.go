// Package agent coordinates facilitator turns for co-design sessions.
//
// The coordinator serializes exactly one completion cycle at a time per
// session: snapshot the context, call the provider, apply the structured tool
// calls in returned order, emit side-effect events. A failed provider call
// releases the in-flight slot with zero side effects; a failed tool call fails
// only itself.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/timeouts"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent/script"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

// senderFacilitator identifies the facilitator in outbound envelopes.
const senderFacilitator = "ai_agent"

// maxSuggestions caps how many suggestions one turn surfaces to clients.
const maxSuggestions = 5

// markAppliedAttempts bounds retries of the applied-message write that closes
// a turn. Past it the message is pinned in process so a resubmit cannot
// re-run side effects.
const markAppliedAttempts = 3

// Broadcaster fans a side-effect event out to a session's peers.
type Broadcaster interface {
	Broadcast(sessionID string, envelope domain.Envelope)
}

// ToolCallResult is the discriminated outcome of one applied tool call.
type ToolCallResult struct {
	Tool         string
	Applied      bool
	ArtifactID   string
	ArtifactKind string
	Version      int64
	Err          error
}

// Turn is the outcome of one facilitator completion cycle.
type Turn struct {
	SessionID   string
	SenderID    string
	MessageID   uint64
	Text        string
	Emotion     voice.Emotion
	Suggestions []string
	ToolResults []ToolCallResult
	Audio       *voice.AudioRef
	Replayed    bool
}

// PartialFailures counts tool calls that failed within an otherwise
// successful turn.
func (t *Turn) PartialFailures() int {
	n := 0
	for _, result := range t.ToolResults {
		if !result.Applied {
			n++
		}
	}
	return n
}

// Options configures a Coordinator.
type Options struct {
	Store       storage.SessionStore
	Artifacts   storage.ArtifactStore
	Provider    CompletionProvider
	Synthesizer voice.Synthesizer // optional; nil disables voice output
	Broadcaster Broadcaster
	Timeout     time.Duration // provider call bound; defaults to timeouts.ProviderCall
	RecentLimit int           // conversation window per session; defaults to 20
	Now         func() time.Time
}

// Coordinator runs at most one facilitator turn per session at a time.
type Coordinator struct {
	store       storage.SessionStore
	artifacts   storage.ArtifactStore
	provider    CompletionProvider
	synthesizer voice.Synthesizer
	broadcaster Broadcaster
	timeout     time.Duration
	recentLimit int
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	recent   map[string][]ContextMessage
	applied  map[appliedRef]struct{}
}

// appliedRef identifies one processed inbound message.
type appliedRef struct {
	sessionID string
	senderID  string
	messageID uint64
}

// NewCoordinator builds a coordinator from options.
func NewCoordinator(options Options) *Coordinator {
	if options.Timeout <= 0 {
		options.Timeout = timeouts.ProviderCall
	}
	if options.RecentLimit <= 0 {
		options.RecentLimit = 20
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Coordinator{
		store:       options.Store,
		artifacts:   options.Artifacts,
		provider:    options.Provider,
		synthesizer: options.Synthesizer,
		broadcaster: options.Broadcaster,
		timeout:     options.Timeout,
		recentLimit: options.RecentLimit,
		now:         options.Now,
		inflight:    make(map[string]struct{}),
		recent:      make(map[string][]ContextMessage),
		applied:     make(map[appliedRef]struct{}),
	}
}

// Observe records a conversation message into the session's context window.
// The orchestrator calls it for every human chat message, whether or not the
// message triggers a turn.
func (c *Coordinator) Observe(sessionID string, message ContextMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := append(c.recent[sessionID], message)
	if len(window) > c.recentLimit {
		window = window[len(window)-c.recentLimit:]
	}
	c.recent[sessionID] = window
}

// Forget drops the session's context window, used when a session completes.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recent, sessionID)
	for ref := range c.applied {
		if ref.sessionID == sessionID {
			delete(c.applied, ref)
		}
	}
}

// Submit runs one facilitator turn for the inbound message. At most one turn
// per session is in flight; a concurrent Submit fails fast with AGENT_BUSY.
// A message the coordinator already fully processed returns a replayed turn
// without re-running any side effects.
func (c *Coordinator) Submit(ctx context.Context, sessionID string, sender domain.ParticipantBinding, inbound domain.Envelope, wantVoice bool) (*Turn, error) {
	text := strings.TrimSpace(string(inbound.Payload))
	var chat struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(inbound.Payload, &chat); err == nil && strings.TrimSpace(chat.Text) != "" {
		text = strings.TrimSpace(chat.Text)
	}
	if text == "" {
		return nil, apperrors.New(apperrors.CodeInvalidMessage, "message text is required")
	}

	ref := appliedRef{sessionID: sessionID, senderID: inbound.SenderID, messageID: inbound.MessageID}
	c.mu.Lock()
	_, applied := c.applied[ref]
	c.mu.Unlock()
	if !applied {
		stored, err := c.store.IsMessageApplied(ctx, sessionID, inbound.SenderID, inbound.MessageID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "check applied message", err)
		}
		applied = stored
	}
	if applied {
		return &Turn{
			SessionID: sessionID,
			SenderID:  inbound.SenderID,
			MessageID: inbound.MessageID,
			Replayed:  true,
		}, nil
	}

	if !c.acquire(sessionID) {
		return nil, apperrors.New(apperrors.CodeAgentBusy, "a facilitator turn is already in flight")
	}
	defer c.release(sessionID)

	turnCtx, err := c.snapshot(ctx, sessionID, sender, text)
	if err != nil {
		return nil, err
	}
	phaseScript, err := script.ForPhase(turnCtx.Phase)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNoActivePhase, "resolve phase script", err)
	}

	providerCtx, cancel := context.WithTimeout(ctx, c.timeout)
	completion, err := c.provider.Complete(providerCtx, turnCtx, phaseScript)
	cancel()
	if err != nil {
		if apperrors.GetCode(err) == apperrors.CodeRateLimited {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CodeProviderError, "facilitator completion failed", err)
	}

	turn := &Turn{
		SessionID: sessionID,
		SenderID:  inbound.SenderID,
		MessageID: inbound.MessageID,
		Text:      completion.Text,
		Emotion:   completion.Emotion,
	}
	if !turn.Emotion.IsValid() {
		turn.Emotion = voice.EmotionNeutral
	}

	for _, call := range completion.ToolCalls {
		var result ToolCallResult
		if !phaseScript.AllowsTool(call.Name) {
			result = ToolCallResult{
				Tool: call.Name,
				Err:  apperrors.Wrap(apperrors.CodePolicyViolation, "tool call rejected", ErrToolNotInPhase),
			}
		} else {
			result = c.applyToolCall(ctx, turnCtx, call)
		}
		turn.ToolResults = append(turn.ToolResults, result)
		if result.Err != nil {
			log.Printf("agent: tool call failed session=%q tool=%q: %v", sessionID, call.Name, result.Err)
		}
	}

	turn.Suggestions = extractSuggestions(completion, maxSuggestions)

	if wantVoice && c.synthesizer != nil && turn.Text != "" {
		audio, err := c.synthesizer.Synthesize(ctx, turn.Text, turn.Emotion, "")
		if err != nil {
			// Voice output is best effort; the textual turn already succeeded.
			log.Printf("agent: voice synthesis failed session=%q: %v", sessionID, err)
		} else {
			turn.Audio = &audio
		}
	}

	c.logTurn(ctx, turnCtx, sender, text, turn)

	c.markApplied(ctx, ref)

	c.Observe(sessionID, ContextMessage{
		SenderID: senderFacilitator,
		Role:     domain.RoleAIAgent,
		Text:     turn.Text,
	})
	return turn, nil
}

// markApplied durably records the processed message, retrying store failures.
// When the store keeps failing, the message is pinned in process so a
// crash-recovery resubmit within this process still replays instead of
// re-running the turn's side effects.
func (c *Coordinator) markApplied(ctx context.Context, ref appliedRef) {
	var err error
	for attempt := 1; attempt <= markAppliedAttempts; attempt++ {
		if err = c.store.MarkMessageApplied(ctx, ref.sessionID, ref.senderID, ref.messageID); err == nil {
			return
		}
		log.Printf("agent: mark message applied failed session=%q message=%d attempt=%d: %v",
			ref.sessionID, ref.messageID, attempt, err)
	}
	log.Printf("agent: pinning applied message in process session=%q message=%d: %v",
		ref.sessionID, ref.messageID, err)
	c.mu.Lock()
	c.applied[ref] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[sessionID]; busy {
		return false
	}
	c.inflight[sessionID] = struct{}{}
	return true
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, sessionID)
}

// snapshot assembles the read-only turn context.
func (c *Coordinator) snapshot(ctx context.Context, sessionID string, sender domain.ParticipantBinding, text string) (TurnContext, error) {
	session, err := c.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TurnContext{}, apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return TurnContext{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "load session", err)
	}

	summaries, err := c.artifacts.Summaries(ctx, sessionID)
	if err != nil {
		return TurnContext{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "load artifact summaries", err)
	}

	c.mu.Lock()
	window := make([]ContextMessage, len(c.recent[sessionID]))
	copy(window, c.recent[sessionID])
	c.mu.Unlock()

	return TurnContext{
		SessionID:      sessionID,
		Phase:          session.CurrentPhase,
		Participants:   session.Participants,
		RecentMessages: window,
		Artifacts:      summaries,
		Inbound: ContextMessage{
			SenderID: sender.UserID,
			Role:     sender.Role,
			Text:     text,
		},
	}, nil
}

// applyToolCall executes one structured tool call. Failures stay local to the
// call; the rest of the turn still applies.
func (c *Coordinator) applyToolCall(ctx context.Context, turnCtx TurnContext, call ToolCall) ToolCallResult {
	result := ToolCallResult{Tool: call.Name}

	switch call.Name {
	case ToolCaptureInsight:
		input, err := ParseInsight(call.Input)
		if err != nil {
			result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "invalid insight input", err)
			return result
		}
		result.Err = c.appendInteraction(ctx, turnCtx, domain.InteractionInsight, input)

	case ToolMediateDisagreement:
		input, err := ParseMediation(call.Input)
		if err != nil {
			result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "invalid mediation input", err)
			return result
		}
		if result.Err = c.appendInteraction(ctx, turnCtx, domain.InteractionMediation, input); result.Err != nil {
			return result
		}
		c.broadcastEvent(turnCtx.SessionID, domain.TypeSuggestion, map[string]any{
			"kind":                 "mediation",
			"topic":                input.Topic,
			"common_ground":        input.CommonGround,
			"suggested_compromise": input.SuggestedCompromise,
		})

	case ToolAddToEmpathyMap:
		input, err := ParseEmpathyItem(call.Input)
		if err != nil {
			result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "invalid empathy item input", err)
			return result
		}
		return c.mutateArtifact(ctx, turnCtx, call.Name, input.Category, input)

	case ToolAddToJourneyMap:
		input, err := ParseJourneyStage(call.Input)
		if err != nil {
			result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "invalid journey stage input", err)
			return result
		}
		return c.mutateArtifact(ctx, turnCtx, call.Name, "stages", input)

	case ToolSuggestDesignElement:
		input, err := ParseDesignElement(call.Input)
		if err != nil {
			result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "invalid design element input", err)
			return result
		}
		return c.mutateArtifact(ctx, turnCtx, call.Name, "elements", input)

	default:
		result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "tool call rejected", ErrUnknownTool)
		return result
	}

	result.Applied = result.Err == nil
	return result
}

// mutateArtifact applies one patch to the artifact the tool targets, resolved
// by kind from the turn's artifact snapshot.
func (c *Coordinator) mutateArtifact(ctx context.Context, turnCtx TurnContext, toolName, category string, input any) ToolCallResult {
	result := ToolCallResult{Tool: toolName}

	kind, ok := artifactKindFor(toolName)
	if !ok {
		result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "tool call rejected", ErrUnknownTool)
		return result
	}
	result.ArtifactKind = kind

	var artifactID string
	for _, summary := range turnCtx.Artifacts {
		if summary.Kind == kind {
			artifactID = summary.ArtifactID
			break
		}
	}
	if artifactID == "" {
		result.Err = apperrors.New(apperrors.CodeNotFound, "artifact not found for kind "+kind)
		return result
	}
	result.ArtifactID = artifactID

	dataJSON, err := json.Marshal(input)
	if err != nil {
		result.Err = apperrors.Wrap(apperrors.CodePolicyViolation, "encode artifact patch", err)
		return result
	}

	version, err := c.artifacts.ApplyMutation(ctx, artifactID, storage.ArtifactPatch{
		Category: category,
		DataJSON: dataJSON,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			result.Err = apperrors.New(apperrors.CodeNotFound, "artifact no longer exists")
		case errors.Is(err, storage.ErrConflictingVersion):
			result.Err = apperrors.New(apperrors.CodeConflictingVersion, "artifact mutated concurrently")
		default:
			result.Err = apperrors.Wrap(apperrors.CodeStoreUnavailable, "apply artifact mutation", err)
		}
		return result
	}

	result.Applied = true
	result.Version = version
	c.broadcastEvent(turnCtx.SessionID, domain.TypeArtifactUpdated, map[string]any{
		"artifact_id": artifactID,
		"kind":        kind,
		"category":    category,
		"version":     version,
	})
	return result
}

func (c *Coordinator) appendInteraction(ctx context.Context, turnCtx TurnContext, kind domain.InteractionKind, input any) error {
	dataJSON, err := json.Marshal(input)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePolicyViolation, "encode interaction record", err)
	}
	record := domain.Interaction{
		SessionID: turnCtx.SessionID,
		Kind:      kind,
		ActorID:   senderFacilitator,
		ActorRole: domain.RoleAIAgent,
		Phase:     turnCtx.Phase,
		DataJSON:  dataJSON,
		Timestamp: c.now().UTC(),
	}
	if err := c.store.AppendInteraction(ctx, record); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "append interaction", err)
	}
	return nil
}

// logTurn appends the completed turn to the interaction log for research
// audit. Logging failure does not fail the turn.
func (c *Coordinator) logTurn(ctx context.Context, turnCtx TurnContext, sender domain.ParticipantBinding, userMessage string, turn *Turn) {
	toolsUsed := make([]string, 0, len(turn.ToolResults))
	for _, result := range turn.ToolResults {
		toolsUsed = append(toolsUsed, result.Tool)
	}
	dataJSON, err := json.Marshal(map[string]any{
		"user_message":     userMessage,
		"response":         turn.Text,
		"tools_used":       toolsUsed,
		"partial_failures": turn.PartialFailures(),
		"emotion":          string(turn.Emotion),
	})
	if err != nil {
		log.Printf("agent: encode turn record session=%q: %v", turnCtx.SessionID, err)
		return
	}
	record := domain.Interaction{
		SessionID: turnCtx.SessionID,
		Kind:      domain.InteractionAITurn,
		ActorID:   sender.UserID,
		ActorRole: sender.Role,
		Phase:     turnCtx.Phase,
		DataJSON:  dataJSON,
		Timestamp: c.now().UTC(),
	}
	if err := c.store.AppendInteraction(ctx, record); err != nil {
		log.Printf("agent: append turn record session=%q: %v", turnCtx.SessionID, err)
	}
}

func (c *Coordinator) broadcastEvent(sessionID string, eventType domain.MessageType, payload any) {
	if c.broadcaster == nil {
		return
	}
	event, err := domain.NewEvent(eventType, senderFacilitator, payload, c.now)
	if err != nil {
		log.Printf("agent: build %s event session=%q: %v", eventType, sessionID, err)
		return
	}
	c.broadcaster.Broadcast(sessionID, event)
}

// extractSuggestions surfaces suggested design elements first, then bullet
// lines from the response text, capped at limit.
func extractSuggestions(completion Completion, limit int) []string {
	var suggestions []string
	for _, call := range completion.ToolCalls {
		if call.Name != ToolSuggestDesignElement {
			continue
		}
		input, err := ParseDesignElement(call.Input)
		if err != nil {
			continue
		}
		suggestions = append(suggestions, input.ElementType+": "+input.Name+" - "+input.Description)
	}
	for _, line := range strings.Split(completion.Text, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			suggestions = append(suggestions, strings.TrimSpace(rest))
		} else if rest, ok := strings.CutPrefix(line, "* "); ok {
			suggestions = append(suggestions, strings.TrimSpace(rest))
		}
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

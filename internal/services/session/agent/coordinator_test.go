package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent/script"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage/memory"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

var fixedNow = func() time.Time {
	return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
}

type stubProvider struct {
	mu         sync.Mutex
	completion Completion
	err        error
	calls      int
	block      chan struct{} // when set, Complete waits before returning
	started    chan struct{} // closed once Complete has been entered
}

func (p *stubProvider) Complete(ctx context.Context, _ TurnContext, _ script.Script) (Completion, error) {
	p.mu.Lock()
	p.calls++
	block, started := p.block, p.started
	p.mu.Unlock()
	if started != nil {
		close(started)
		p.mu.Lock()
		p.started = nil
		p.mu.Unlock()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	return p.completion, p.err
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type captureBroadcaster struct {
	mu     sync.Mutex
	events []domain.Envelope
}

func (b *captureBroadcaster) Broadcast(_ string, envelope domain.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, envelope)
}

func (b *captureBroadcaster) byType(eventType domain.MessageType) []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []domain.Envelope
	for _, event := range b.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type fixture struct {
	store       *memory.SessionStore
	artifacts   *memory.ArtifactStore
	provider    *stubProvider
	broadcaster *captureBroadcaster
	coordinator *Coordinator
}

func newFixture(t *testing.T, phase domain.Phase) *fixture {
	t.Helper()
	store := memory.NewSessionStore()
	artifacts := memory.NewArtifactStore()
	provider := &stubProvider{}
	broadcaster := &captureBroadcaster{}

	session := domain.Session{
		ID:           "sess-1",
		Title:        "Payment flow",
		CurrentPhase: phase,
		Mode:         domain.ModeWithAI,
		CreatedAt:    fixedNow(),
		Participants: []domain.ParticipantBinding{
			{UserID: "u1", DisplayName: "Ana", Role: domain.RoleDesigner},
			{UserID: "u2", DisplayName: "Budi", Role: domain.RoleVIUser},
		},
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	artifacts.Put("sess-1", "art-empathy", ArtifactEmpathyMap)
	artifacts.Put("sess-1", "art-journey", ArtifactJourneyMap)

	return &fixture{
		store:       store,
		artifacts:   artifacts,
		provider:    provider,
		broadcaster: broadcaster,
		coordinator: NewCoordinator(Options{
			Store:       store,
			Artifacts:   artifacts,
			Provider:    provider,
			Broadcaster: broadcaster,
			Now:         fixedNow,
		}),
	}
}

func chatEnvelope(messageID uint64, text string) domain.Envelope {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return domain.Envelope{
		Type:      domain.TypeChatMessage,
		Payload:   payload,
		SenderID:  "u2",
		MessageID: messageID,
	}
}

func sender() domain.ParticipantBinding {
	return domain.ParticipantBinding{UserID: "u2", DisplayName: "Budi", Role: domain.RoleVIUser}
}

func toolCall(t *testing.T, name string, input any) ToolCall {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal tool input: %v", err)
	}
	return ToolCall{Name: name, Input: raw}
}

func TestSubmitAppliesToolCallsAndBroadcasts(t *testing.T) {
	f := newFixture(t, domain.PhasePerspectiveExchange)
	f.provider.completion = Completion{
		Text:    "Terima kasih sudah berbagi.",
		Emotion: voice.EmotionEmpathy,
		ToolCalls: []ToolCall{
			toolCall(t, ToolAddToEmpathyMap, EmpathyItemInput{
				Category: "hears", Content: "confirmation beep after payment", Source: "vi_user",
			}),
			toolCall(t, ToolCaptureInsight, InsightInput{
				InsightType: "pain_point", Content: "no audio confirmation", Source: "vi_user",
			}),
		},
	}

	turn, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "the app never confirms my payment"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if turn.Replayed {
		t.Fatal("unexpected replayed turn")
	}
	if turn.Emotion != voice.EmotionEmpathy {
		t.Fatalf("emotion = %s, want empathy", turn.Emotion)
	}
	if len(turn.ToolResults) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(turn.ToolResults))
	}
	for _, result := range turn.ToolResults {
		if !result.Applied {
			t.Fatalf("tool %s failed: %v", result.Tool, result.Err)
		}
	}

	if updates := f.broadcaster.byType(domain.TypeArtifactUpdated); len(updates) != 1 {
		t.Fatalf("expected 1 artifact_updated, got %d", len(updates))
	}
	if patches := f.artifacts.Patches("art-empathy"); len(patches) != 1 {
		t.Fatalf("expected 1 empathy patch, got %d", len(patches))
	}

	var sawInsight, sawTurnRecord bool
	for _, record := range f.store.ListInteractions("sess-1") {
		switch record.Kind {
		case domain.InteractionInsight:
			sawInsight = true
		case domain.InteractionAITurn:
			sawTurnRecord = true
		}
	}
	if !sawInsight || !sawTurnRecord {
		t.Fatalf("interaction log missing records: insight=%v turn=%v", sawInsight, sawTurnRecord)
	}
}

func TestConcurrentSubmitYieldsOneWinner(t *testing.T) {
	f := newFixture(t, domain.PhaseSharedFraming)
	f.provider.completion = Completion{Text: "I hear you.", Emotion: voice.EmotionNeutral}
	f.provider.block = make(chan struct{})
	f.provider.started = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "first"), false)
		firstDone <- err
	}()

	select {
	case <-f.provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the provider")
	}

	_, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(2, "second"), false)
	if apperrors.GetCode(err) != apperrors.CodeAgentBusy {
		t.Fatalf("expected AGENT_BUSY, got %v", err)
	}

	close(f.provider.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", f.provider.callCount())
	}

	// The slot is free again once the first turn completes.
	if _, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(3, "third"), false); err != nil {
		t.Fatalf("submit after release: %v", err)
	}
}

func TestPartialToolFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t, domain.PhasePerspectiveExchange)
	f.artifacts.Delete("art-journey")
	f.provider.completion = Completion{
		Text:    "Noted both.",
		Emotion: voice.EmotionNeutral,
		ToolCalls: []ToolCall{
			toolCall(t, ToolAddToEmpathyMap, EmpathyItemInput{
				Category: "feels", Content: "anxious before confirming", Source: "vi_user",
			}),
			toolCall(t, ToolAddToJourneyMap, JourneyStageInput{Stage: "Confirm payment", StageOrder: 3}),
		},
	}

	turn, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "confirming is stressful"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if turn.PartialFailures() != 1 {
		t.Fatalf("expected 1 partial failure, got %d", turn.PartialFailures())
	}
	if !turn.ToolResults[0].Applied {
		t.Fatalf("valid mutation did not apply: %v", turn.ToolResults[0].Err)
	}
	if turn.ToolResults[1].Applied {
		t.Fatal("mutation against deleted artifact applied")
	}
	if apperrors.GetCode(turn.ToolResults[1].Err) != apperrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", turn.ToolResults[1].Err)
	}
	if updates := f.broadcaster.byType(domain.TypeArtifactUpdated); len(updates) != 1 {
		t.Fatalf("expected 1 artifact_updated, got %d", len(updates))
	}
}

func TestProviderFailureLeavesNoSideEffects(t *testing.T) {
	f := newFixture(t, domain.PhaseSharedFraming)
	f.provider.err = apperrors.New(apperrors.CodeProviderError, "upstream down")

	_, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "hello"), false)
	if apperrors.GetCode(err) != apperrors.CodeProviderError {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if len(f.store.ListInteractions("sess-1")) != 0 {
		t.Fatal("failed turn left interaction records")
	}
	if len(f.broadcaster.byType(domain.TypeArtifactUpdated)) != 0 {
		t.Fatal("failed turn broadcast artifact updates")
	}
	applied, err := f.store.IsMessageApplied(context.Background(), "sess-1", "u2", 1)
	if err != nil {
		t.Fatalf("is message applied: %v", err)
	}
	if applied {
		t.Fatal("failed turn marked message applied")
	}

	// The same message can be retried after the failure.
	f.provider.err = nil
	f.provider.completion = Completion{Text: "back again"}
	if _, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "hello"), false); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
}

func TestRateLimitedPassesThrough(t *testing.T) {
	f := newFixture(t, domain.PhaseSharedFraming)
	f.provider.err = apperrors.New(apperrors.CodeRateLimited, "slow down")

	_, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "hello"), false)
	if apperrors.GetCode(err) != apperrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestResubmitAppliedMessageReplaysWithoutSideEffects(t *testing.T) {
	f := newFixture(t, domain.PhasePerspectiveExchange)
	f.provider.completion = Completion{
		Text: "Adding that.",
		ToolCalls: []ToolCall{
			toolCall(t, ToolAddToEmpathyMap, EmpathyItemInput{
				Category: "says", Content: "I double-check every amount", Source: "vi_user",
			}),
		},
	}

	if _, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(7, "I always re-read the amount"), false); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	turn, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(7, "I always re-read the amount"), false)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !turn.Replayed {
		t.Fatal("expected replayed turn")
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", f.provider.callCount())
	}
	if updates := f.broadcaster.byType(domain.TypeArtifactUpdated); len(updates) != 1 {
		t.Fatalf("resubmit duplicated artifact_updated: got %d", len(updates))
	}
}

// flakyAppliedStore fails the first failures MarkMessageApplied writes and
// delegates everything else to the wrapped store.
type flakyAppliedStore struct {
	storage.SessionStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (s *flakyAppliedStore) MarkMessageApplied(ctx context.Context, sessionID, senderID string, messageID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("disk full")
	}
	return s.SessionStore.MarkMessageApplied(ctx, sessionID, senderID, messageID)
}

func (s *flakyAppliedStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func newFlakyFixture(t *testing.T, failures int) (*flakyAppliedStore, *stubProvider, *Coordinator) {
	t.Helper()
	f := newFixture(t, domain.PhaseSharedFraming)
	flaky := &flakyAppliedStore{SessionStore: f.store, failures: failures}
	coordinator := NewCoordinator(Options{
		Store:       flaky,
		Artifacts:   f.artifacts,
		Provider:    f.provider,
		Broadcaster: f.broadcaster,
		Now:         fixedNow,
	})
	return flaky, f.provider, coordinator
}

func TestMarkAppliedRetriesTransientFailure(t *testing.T) {
	flaky, provider, coordinator := newFlakyFixture(t, 1)
	provider.completion = Completion{Text: "noted"}

	if _, err := coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(3, "hello"), false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if flaky.attemptCount() != 2 {
		t.Fatalf("expected retry after one failure, got %d attempts", flaky.attemptCount())
	}

	turn, err := coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(3, "hello"), false)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !turn.Replayed {
		t.Fatal("expected replayed turn after retried write")
	}
}

func TestMarkAppliedPinsAfterPersistentFailure(t *testing.T) {
	flaky, provider, coordinator := newFlakyFixture(t, 1000)
	provider.completion = Completion{Text: "noted"}

	if _, err := coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(3, "hello"), false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if flaky.attemptCount() != 3 {
		t.Fatalf("expected 3 attempts before pinning, got %d", flaky.attemptCount())
	}

	turn, err := coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(3, "hello"), false)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !turn.Replayed {
		t.Fatal("expected replayed turn despite store failure")
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", provider.callCount())
	}
}

func TestMediationBroadcastsSuggestionNeverAutoApplies(t *testing.T) {
	f := newFixture(t, domain.PhaseMeaningNegotiation)
	f.provider.completion = Completion{
		Text: "Let me propose a middle ground.",
		ToolCalls: []ToolCall{
			toolCall(t, ToolMediateDisagreement, MediationInput{
				Topic:               "gesture complexity",
				PerspectiveVIUser:   "simple swipes only",
				PerspectiveDesigner: "multi-finger gestures save screens",
				SuggestedCompromise: "simple gestures with an optional advanced mode",
			}),
		},
	}

	turn, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "we disagree on gestures"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !turn.ToolResults[0].Applied {
		t.Fatalf("mediation failed: %v", turn.ToolResults[0].Err)
	}
	if suggestions := f.broadcaster.byType(domain.TypeSuggestion); len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion broadcast, got %d", len(suggestions))
	}
	if len(f.broadcaster.byType(domain.TypeArtifactUpdated)) != 0 {
		t.Fatal("mediation must not mutate artifacts")
	}
}

func TestUnknownToolFailsOnlyItself(t *testing.T) {
	f := newFixture(t, domain.PhaseSharedFraming)
	f.provider.completion = Completion{
		Text: "Capturing.",
		ToolCalls: []ToolCall{
			{Name: "delete_session", Input: json.RawMessage(`{}`)},
			toolCall(t, ToolCaptureInsight, InsightInput{
				InsightType: "need", Content: "larger touch targets", Source: "designer",
			}),
		},
	}

	turn, err := f.coordinator.Submit(context.Background(), "sess-1", sender(), chatEnvelope(1, "targets are small"), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if turn.ToolResults[0].Applied {
		t.Fatal("unknown tool applied")
	}
	if apperrors.GetCode(turn.ToolResults[0].Err) != apperrors.CodePolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION, got %v", turn.ToolResults[0].Err)
	}
	if !turn.ToolResults[1].Applied {
		t.Fatalf("valid insight did not apply: %v", turn.ToolResults[1].Err)
	}
}

func TestSuggestionsCappedAtFive(t *testing.T) {
	completion := Completion{
		Text: "Ideas:\n- one\n- two\n- three\n- four\n- five\n- six",
	}
	suggestions := extractSuggestions(completion, maxSuggestions)
	if len(suggestions) != 5 {
		t.Fatalf("expected 5 suggestions, got %d", len(suggestions))
	}
	if suggestions[0] != "one" {
		t.Fatalf("unexpected first suggestion %q", suggestions[0])
	}
}

func TestObserveBoundsContextWindow(t *testing.T) {
	f := newFixture(t, domain.PhaseSharedFraming)
	for i := 0; i < 30; i++ {
		f.coordinator.Observe("sess-1", ContextMessage{SenderID: "u1", Role: domain.RoleDesigner, Text: "m"})
	}
	f.coordinator.mu.Lock()
	size := len(f.coordinator.recent["sess-1"])
	f.coordinator.mu.Unlock()
	if size != 20 {
		t.Fatalf("context window size = %d, want 20", size)
	}
}

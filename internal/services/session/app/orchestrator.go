package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/hub"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/phase"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/presence"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

// senderOrchestrator identifies server-issued envelopes.
const senderOrchestrator = "orchestrator"

// defaultActorQueueDepth bounds each session actor's inbound queue.
const defaultActorQueueDepth = 256

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Hub         *hub.Hub
	Machine     *phase.Machine
	Coordinator *agent.Coordinator
	Presence    *presence.Registry
	Store       storage.SessionStore
	Transcriber voice.Transcriber // optional; nil rejects voice_input
	QueueDepth  int
	Now         func() time.Time
}

// Orchestrator composes the hub, the phase machine, and the turn coordinator.
//
// Each active session gets one actor goroutine; every operation for a session
// flows through its inbound queue, so phase transitions and facilitator turns
// for one session never interleave. Actors for distinct sessions run in
// parallel.
type Orchestrator struct {
	hub         *hub.Hub
	machine     *phase.Machine
	coordinator *agent.Coordinator
	presence    *presence.Registry
	store       storage.SessionStore
	transcriber voice.Transcriber
	queueDepth  int
	now         func() time.Time

	mu     sync.Mutex
	actors map[string]*sessionActor
	closed bool
}

type inboundWork struct {
	sender   domain.ParticipantBinding
	envelope domain.Envelope
}

type sessionActor struct {
	sessionID string
	mode      domain.ExperimentMode
	inbound   chan inboundWork
	done      chan struct{}

	mu         sync.Mutex
	phase      domain.Phase
	turnCancel context.CancelFunc
}

// NewOrchestrator builds an orchestrator from options.
func NewOrchestrator(options OrchestratorOptions) *Orchestrator {
	if options.QueueDepth <= 0 {
		options.QueueDepth = defaultActorQueueDepth
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Orchestrator{
		hub:         options.Hub,
		machine:     options.Machine,
		coordinator: options.Coordinator,
		presence:    options.Presence,
		store:       options.Store,
		transcriber: options.Transcriber,
		queueDepth:  options.QueueDepth,
		now:         options.Now,
	}
}

// Attach connects an authenticated user to their session: load the session,
// verify membership, join the hub, and send a fresh session_state snapshot.
// Store unavailability fails the join outright; the session is never actorized
// on a load error.
func (o *Orchestrator) Attach(ctx context.Context, sessionID, userID string, conn hub.Conn) (*hub.Handle, domain.ParticipantBinding, error) {
	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ParticipantBinding{}, apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return nil, domain.ParticipantBinding{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "load session", err)
	}

	binding, ok := session.Participant(userID)
	if !ok {
		return nil, domain.ParticipantBinding{}, apperrors.New(apperrors.CodeUnauthorized, "user is not a session participant")
	}

	if err := o.ensureActor(session); err != nil {
		return nil, domain.ParticipantBinding{}, err
	}

	handle, err := o.hub.Join(sessionID, binding, conn)
	if err != nil {
		return nil, domain.ParticipantBinding{}, err
	}

	o.presence.MarkActive(sessionID, userID)
	o.broadcastPresence(sessionID, userID, presence.StatusActive)
	o.sendSessionState(session, userID)
	return handle, binding, nil
}

// Detach disconnects the user: away presence, hub leave, user_left broadcast.
// A disconnect never cancels an in-flight facilitator turn.
func (o *Orchestrator) Detach(sessionID, userID string) {
	if o.presence.MarkAway(sessionID, userID) {
		o.broadcastPresence(sessionID, userID, presence.StatusAway)
	}
	o.hub.Leave(sessionID, userID)
}

// Dispatch routes one validated inbound envelope to the session's actor.
// force_complete bypasses the queue so it can cancel an in-flight turn.
func (o *Orchestrator) Dispatch(sessionID string, sender domain.ParticipantBinding, envelope domain.Envelope) error {
	if envelope.Type == domain.TypePhaseAdvance && phaseAction(envelope) == "force_complete" {
		return o.forceComplete(sessionID, sender)
	}

	// The lock is held through the send so Shutdown cannot close the actor's
	// queue between the membership check and the enqueue. The send never
	// blocks; a full queue falls through to the default case.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return apperrors.New(apperrors.CodeStoreUnavailable, "orchestrator is shutting down")
	}
	actor, ok := o.actors[sessionID]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "session is not active")
	}

	select {
	case actor.inbound <- inboundWork{sender: sender, envelope: envelope}:
		return nil
	default:
		return apperrors.New(apperrors.CodeRateLimited, "session queue is full")
	}
}

// Heartbeat refreshes the hub's liveness deadline and the presence clock for
// one connection.
func (o *Orchestrator) Heartbeat(sessionID, userID string) {
	o.hub.Heartbeat(sessionID, userID)
	if o.presence.Touch(sessionID, userID) {
		o.broadcastPresence(sessionID, userID, presence.StatusActive)
	}
}

// SweepPresence marks participants idle after the configured threshold and
// broadcasts the change. The server runs it on a ticker.
func (o *Orchestrator) SweepPresence() {
	o.mu.Lock()
	sessionIDs := make([]string, 0, len(o.actors))
	for sessionID := range o.actors {
		sessionIDs = append(sessionIDs, sessionID)
	}
	o.mu.Unlock()

	for _, sessionID := range sessionIDs {
		for _, userID := range o.presence.SweepIdle(sessionID) {
			o.broadcastPresence(sessionID, userID, presence.StatusIdle)
		}
	}
}

// Shutdown stops all session actors and waits for them to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	actors := make([]*sessionActor, 0, len(o.actors))
	for _, actor := range o.actors {
		actors = append(actors, actor)
	}
	o.mu.Unlock()

	for _, actor := range actors {
		close(actor.inbound)
		<-actor.done
	}
}

func (o *Orchestrator) ensureActor(session domain.Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return apperrors.New(apperrors.CodeStoreUnavailable, "orchestrator is shutting down")
	}
	if o.actors == nil {
		o.actors = make(map[string]*sessionActor)
	}
	if _, ok := o.actors[session.ID]; ok {
		return nil
	}
	actor := &sessionActor{
		sessionID: session.ID,
		mode:      session.Mode,
		phase:     session.CurrentPhase,
		inbound:   make(chan inboundWork, o.queueDepth),
		done:      make(chan struct{}),
	}
	o.actors[session.ID] = actor
	go o.run(actor)
	return nil
}

func (o *Orchestrator) run(actor *sessionActor) {
	defer close(actor.done)
	for work := range actor.inbound {
		o.handle(actor, work)
	}
}

// handle processes one inbound message inside the session actor. Errors are
// session-scoped: they surface to the sender as error envelopes and never
// crash the actor.
func (o *Orchestrator) handle(actor *sessionActor, work inboundWork) {
	sessionID := actor.sessionID
	envelope := work.envelope

	switch envelope.Type {
	case domain.TypePresenceUpdate:
		o.handlePresenceUpdate(sessionID, work)

	case domain.TypeTypingStart, domain.TypeTypingStop:
		envelope.Timestamp = o.now().UTC()
		envelope.Recipients = nil
		o.hub.Broadcast(sessionID, envelope)

	case domain.TypeChatMessage:
		o.handleChatMessage(actor, work)

	case domain.TypeAIMessage:
		o.handleAITurn(actor, work, chatText(envelope.Payload))

	case domain.TypeVoiceInput:
		o.handleVoiceInput(actor, work)

	case domain.TypePhaseAdvance:
		o.handlePhaseAdvance(actor, work)

	case domain.TypeCRDTUpdate:
		o.relayCRDTUpdate(sessionID, work)

	default:
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodeInvalidMessage, "unsupported message type"))
	}
}

func (o *Orchestrator) handlePresenceUpdate(sessionID string, work inboundWork) {
	var payload struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(work.envelope.Payload, &payload)

	userID := work.sender.UserID
	var changed bool
	status := presence.Status(payload.Status)
	switch status {
	case presence.StatusIdle:
		changed = o.presence.MarkIdle(sessionID, userID)
	case presence.StatusAway:
		changed = o.presence.MarkAway(sessionID, userID)
	default:
		status = presence.StatusActive
		changed = o.presence.MarkActive(sessionID, userID)
	}
	if changed {
		o.broadcastPresence(sessionID, userID, status)
	}
}

func (o *Orchestrator) handleChatMessage(actor *sessionActor, work inboundWork) {
	sessionID := actor.sessionID
	text := chatText(work.envelope.Payload)
	if text == "" {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodeInvalidMessage, "message text is required"))
		return
	}

	o.presence.Touch(sessionID, work.sender.UserID)
	o.coordinator.Observe(sessionID, agent.ContextMessage{
		SenderID: work.sender.UserID,
		Role:     work.sender.Role,
		Text:     text,
	})
	o.logInteraction(sessionID, domain.InteractionChat, work.sender, actor.currentPhase(), work.envelope.Payload)

	envelope := work.envelope
	envelope.Timestamp = o.now().UTC()
	envelope.Recipients = nil
	o.hub.Broadcast(sessionID, envelope)
}

// handleAITurn runs one facilitator turn. The provider call holds this
// session's actor slot, so a phase cannot change mid-turn; other sessions are
// unaffected.
func (o *Orchestrator) handleAITurn(actor *sessionActor, work inboundWork, text string) {
	sessionID := actor.sessionID
	if !actor.mode.AIEnabled() {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodePolicyViolation, "the facilitator is disabled in this session"))
		return
	}
	if text == "" {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodeInvalidMessage, "message text is required"))
		return
	}

	o.broadcastEvent(sessionID, domain.TypeAIProcessing, map[string]string{
		"triggered_by": work.sender.UserID,
	})

	turnCtx, cancel := context.WithCancel(context.Background())
	actor.setTurnCancel(cancel)
	defer actor.setTurnCancel(nil)

	envelope := work.envelope
	envelope.Payload = mustJSON(map[string]string{"text": text})

	turn, err := o.coordinator.Submit(turnCtx, sessionID, work.sender, envelope, wantsVoice(work.envelope.Payload))
	cancel()
	if err != nil {
		o.sendError(sessionID, work.sender.UserID, err)
		return
	}
	if turn.Replayed {
		return
	}

	payload := map[string]any{
		"text":        turn.Text,
		"emotion":     string(turn.Emotion),
		"suggestions": turn.Suggestions,
	}
	if turn.Audio != nil {
		payload["audio_url"] = turn.Audio.URL
	}
	if failures := turn.PartialFailures(); failures > 0 {
		payload["partial_failures"] = failures
	}
	o.broadcastEvent(sessionID, domain.TypeAIResponse, payload)
}

func (o *Orchestrator) handleVoiceInput(actor *sessionActor, work inboundWork) {
	sessionID := actor.sessionID
	if o.transcriber == nil {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodePolicyViolation, "voice input is not supported"))
		return
	}

	var payload struct {
		Audio       []byte `json:"audio"`
		MimeType    string `json:"mime_type"`
		ForwardToAI bool   `json:"forward_to_ai"`
	}
	if err := json.Unmarshal(work.envelope.Payload, &payload); err != nil || len(payload.Audio) == 0 {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.New(apperrors.CodeInvalidMessage, "voice input payload is invalid"))
		return
	}

	transcript, err := o.transcriber.Transcribe(context.Background(), payload.Audio, payload.MimeType)
	if err != nil {
		o.sendError(sessionID, work.sender.UserID,
			apperrors.Wrap(apperrors.CodeProviderError, "transcription failed", err))
		return
	}

	o.presence.Touch(sessionID, work.sender.UserID)
	o.broadcastEvent(sessionID, domain.TypeVoiceTranscript, map[string]any{
		"user_id":    work.sender.UserID,
		"text":       transcript.Text,
		"confidence": transcript.Confidence,
	})

	if payload.ForwardToAI && transcript.Text != "" {
		o.handleAITurn(actor, work, transcript.Text)
	}
}

func (o *Orchestrator) handlePhaseAdvance(actor *sessionActor, work inboundWork) {
	sessionID := actor.sessionID
	requester := phase.Requester{UserID: work.sender.UserID, Role: work.sender.Role}

	var fact domain.Transition
	var err error
	switch phaseAction(work.envelope) {
	case "start":
		fact, err = o.machine.Start(context.Background(), sessionID, requester)
	default:
		fact, err = o.machine.Advance(context.Background(), sessionID, requester)
	}
	if err != nil {
		o.sendError(sessionID, work.sender.UserID, err)
		return
	}
	o.announceTransition(sessionID, fact)
}

// forceComplete bypasses the actor queue: it cancels any in-flight
// facilitator turn, then jumps the session to complete.
func (o *Orchestrator) forceComplete(sessionID string, sender domain.ParticipantBinding) error {
	o.mu.Lock()
	closed := o.closed
	actor, ok := o.actors[sessionID]
	o.mu.Unlock()
	if closed {
		return apperrors.New(apperrors.CodeStoreUnavailable, "orchestrator is shutting down")
	}
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "session is not active")
	}

	actor.cancelTurn()

	requester := phase.Requester{UserID: sender.UserID, Role: sender.Role}
	fact, err := o.machine.ForceComplete(context.Background(), sessionID, requester)
	if err != nil {
		return err
	}
	o.announceTransition(sessionID, fact)
	return nil
}

func (o *Orchestrator) relayCRDTUpdate(sessionID string, work inboundWork) {
	// CRDT blobs are opaque; relay to every peer except the origin. The
	// recipient list is rebuilt here, never taken from the client.
	envelope := work.envelope
	envelope.Timestamp = o.now().UTC()
	envelope.Recipients = nil
	for _, binding := range o.hub.Participants(sessionID) {
		if binding.UserID != work.sender.UserID {
			envelope.Recipients = append(envelope.Recipients, binding.UserID)
		}
	}
	if len(envelope.Recipients) == 0 {
		return
	}
	o.hub.Broadcast(sessionID, envelope)
}

func (o *Orchestrator) announceTransition(sessionID string, fact domain.Transition) {
	o.mu.Lock()
	if actor, ok := o.actors[sessionID]; ok {
		actor.setPhase(fact.To)
	}
	o.mu.Unlock()

	o.broadcastEvent(sessionID, domain.TypePhaseChanged, map[string]any{
		"from":         string(fact.From),
		"to":           string(fact.To),
		"triggered_by": fact.TriggeredBy,
		"forced":       fact.Forced,
	})
	if fact.To.IsTerminal() {
		o.coordinator.Forget(sessionID)
	}
}

func (o *Orchestrator) sendSessionState(session domain.Session, userID string) {
	participants := make([]map[string]string, 0, len(session.Participants))
	for _, binding := range session.Participants {
		participants = append(participants, map[string]string{
			"user_id": binding.UserID,
			"name":    binding.DisplayName,
			"role":    string(binding.Role),
		})
	}
	presenceEntries := make([]map[string]string, 0)
	for _, entry := range o.presence.Snapshot(session.ID) {
		presenceEntries = append(presenceEntries, map[string]string{
			"user_id": entry.UserID,
			"status":  string(entry.Status),
		})
	}
	state, err := domain.NewEvent(domain.TypeSessionState, senderOrchestrator, map[string]any{
		"session_id":   session.ID,
		"title":        session.Title,
		"phase":        string(session.CurrentPhase),
		"mode":         string(session.Mode),
		"participants": participants,
		"presence":     presenceEntries,
	}, o.now)
	if err != nil {
		log.Printf("orchestrator: build session_state session=%q: %v", session.ID, err)
		return
	}
	o.hub.SendTo(session.ID, userID, state)
}

func (o *Orchestrator) broadcastPresence(sessionID, userID string, status presence.Status) {
	o.broadcastEvent(sessionID, domain.TypePresenceUpdate, map[string]string{
		"user_id": userID,
		"status":  string(status),
	})
}

func (o *Orchestrator) broadcastEvent(sessionID string, eventType domain.MessageType, payload any) {
	event, err := domain.NewEvent(eventType, senderOrchestrator, payload, o.now)
	if err != nil {
		log.Printf("orchestrator: build %s event session=%q: %v", eventType, sessionID, err)
		return
	}
	o.hub.Broadcast(sessionID, event)
}

// sendError reports a session-scoped failure to the originating user only.
func (o *Orchestrator) sendError(sessionID, userID string, err error) {
	code := apperrors.GetCode(err)
	event, buildErr := domain.NewEvent(domain.TypeError, senderOrchestrator, map[string]any{
		"code":      string(code),
		"grpc_code": code.GRPCCode().String(),
		"message":   err.Error(),
		"retryable": code.Retryable(),
	}, o.now)
	if buildErr != nil {
		log.Printf("orchestrator: build error event session=%q: %v", sessionID, buildErr)
		return
	}
	o.hub.SendTo(sessionID, userID, event)
}

func (o *Orchestrator) logInteraction(sessionID string, kind domain.InteractionKind, sender domain.ParticipantBinding, current domain.Phase, data json.RawMessage) {
	record := domain.Interaction{
		SessionID: sessionID,
		Kind:      kind,
		ActorID:   sender.UserID,
		ActorRole: sender.Role,
		Phase:     current,
		DataJSON:  data,
		Timestamp: o.now().UTC(),
	}
	if err := o.store.AppendInteraction(context.Background(), record); err != nil {
		log.Printf("orchestrator: append %s interaction session=%q: %v", kind, sessionID, err)
	}
}

func (a *sessionActor) currentPhase() domain.Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *sessionActor) setPhase(next domain.Phase) {
	a.mu.Lock()
	a.phase = next
	a.mu.Unlock()
}

func (a *sessionActor) setTurnCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.turnCancel = cancel
	a.mu.Unlock()
}

func (a *sessionActor) cancelTurn() {
	a.mu.Lock()
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func mustJSON(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("orchestrator: marshal payload: %v", err)
		return nil
	}
	return raw
}

func chatText(payload json.RawMessage) string {
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}
	return decoded.Text
}

func wantsVoice(payload json.RawMessage) bool {
	var decoded struct {
		Voice bool `json:"voice"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false
	}
	return decoded.Voice
}

func phaseAction(envelope domain.Envelope) string {
	var decoded struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(envelope.Payload, &decoded); err != nil {
		return ""
	}
	return decoded.Action
}

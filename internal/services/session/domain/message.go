package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType classifies a protocol message travelling in either direction.
type MessageType string

// Inbound message kinds. The set is closed: unknown kinds are rejected at the
// transport boundary rather than silently ignored.
const (
	TypeChatMessage    MessageType = "chat_message"
	TypeVoiceInput     MessageType = "voice_input"
	TypeAIMessage      MessageType = "ai_message"
	TypePresenceUpdate MessageType = "presence_update"
	TypeTypingStart    MessageType = "typing_start"
	TypeTypingStop     MessageType = "typing_stop"
	TypePhaseAdvance   MessageType = "phase_advance"
	TypeCRDTUpdate     MessageType = "crdt_update"
	TypePing           MessageType = "ping"
)

// Outbound event kinds.
const (
	TypeSessionState    MessageType = "session_state"
	TypeUserJoined      MessageType = "user_joined"
	TypeUserLeft        MessageType = "user_left"
	TypeVoiceTranscript MessageType = "voice_transcript"
	TypeAIProcessing    MessageType = "ai_processing"
	TypeAIResponse      MessageType = "ai_response"
	TypePhaseChanged    MessageType = "phase_changed"
	TypeArtifactUpdated MessageType = "artifact_updated"
	TypeSuggestion      MessageType = "suggestion"
	TypePong            MessageType = "pong"
	TypeError           MessageType = "error"
)

var (
	// ErrUnknownMessageType indicates an inbound kind outside the closed set.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrEmptySenderID indicates a missing sender.
	ErrEmptySenderID = errors.New("sender id is required")
	// ErrNonMonotonicMessageID indicates a message ID at or below the last
	// one seen from the same sender connection.
	ErrNonMonotonicMessageID = errors.New("message id must increase per sender connection")
)

// inboundTypes is the closed set of kinds clients may submit.
var inboundTypes = map[MessageType]struct{}{
	TypeChatMessage:    {},
	TypeVoiceInput:     {},
	TypeAIMessage:      {},
	TypePresenceUpdate: {},
	TypeTypingStart:    {},
	TypeTypingStop:     {},
	TypePhaseAdvance:   {},
	TypeCRDTUpdate:     {},
	TypePing:           {},
}

// IsInbound reports whether the kind may be submitted by a client.
func (t MessageType) IsInbound() bool {
	_, ok := inboundTypes[t]
	return ok
}

// Droppable reports whether the kind may be shed under backpressure. Presence
// and typing signals are superseded by the next update; everything else is
// delivered or the connection is closed.
func (t MessageType) Droppable() bool {
	switch t {
	case TypePresenceUpdate, TypeTypingStart, TypeTypingStop:
		return true
	default:
		return false
	}
}

// Envelope is the transport-agnostic protocol message.
//
// MessageID is unique per sender connection and monotonically increasing. It
// is used to de-duplicate after a reconnect-triggered resend.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"sender_id"`
	MessageID uint64          `json:"message_id"`

	// Recipients restricts delivery to the named user IDs; empty means every
	// connected participant. Used for private AI thinking-state events.
	Recipients []string `json:"recipients,omitempty"`
}

// DeliverableTo reports whether the envelope should reach userID. An empty
// allow-list means broadcast to everyone.
func (e Envelope) DeliverableTo(userID string) bool {
	if len(e.Recipients) == 0 {
		return true
	}
	for _, recipient := range e.Recipients {
		if recipient == userID {
			return true
		}
	}
	return false
}

// ValidateInbound checks an envelope received from a client against the closed
// kind set and the monotonic message ID contract. lastMessageID is the highest
// ID previously accepted from the same sender connection (zero for none).
func ValidateInbound(envelope Envelope, lastMessageID uint64) error {
	if !envelope.Type.IsInbound() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
	if envelope.SenderID == "" {
		return ErrEmptySenderID
	}
	if envelope.MessageID <= lastMessageID {
		return fmt.Errorf("%w: got %d after %d", ErrNonMonotonicMessageID, envelope.MessageID, lastMessageID)
	}
	return nil
}

// NewEvent builds an outbound envelope with a marshalled payload. Events share
// the envelope shape with inbound messages so clients track one schema.
func NewEvent(eventType MessageType, senderID string, payload any, now func() time.Time) (Envelope, error) {
	if now == nil {
		now = time.Now
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		Type:      eventType,
		Payload:   encoded,
		Timestamp: now().UTC(),
		SenderID:  senderID,
	}, nil
}

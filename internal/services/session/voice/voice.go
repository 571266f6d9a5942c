// Package voice defines the speech collaborator boundaries.
//
// Synthesis threads an emotion tag chosen by the completion provider into
// prosody hints; the engine behind the HTTP adapters is out of scope.
package voice

import (
	"context"
	"errors"
	"strings"
)

// Emotion is a prosody hint for synthesized speech. The facilitator never
// classifies emotion itself; tags arrive from the completion provider.
type Emotion string

const (
	EmotionNeutral     Emotion = "neutral"
	EmotionEmpathy     Emotion = "empathy"
	EmotionEncouraging Emotion = "encouraging"
	EmotionQuestioning Emotion = "questioning"
	EmotionExcited     Emotion = "excited"
	EmotionCalm        Emotion = "calm"
	EmotionSerious     Emotion = "serious"
)

// ErrEmptyText indicates there is nothing to synthesize.
var ErrEmptyText = errors.New("text is required")

// IsValid reports whether the emotion belongs to the supported set.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionNeutral, EmotionEmpathy, EmotionEncouraging, EmotionQuestioning,
		EmotionExcited, EmotionCalm, EmotionSerious:
		return true
	}
	return false
}

// ParseEmotion canonicalizes a provider-supplied tag, falling back to neutral
// for unknown or empty values.
func ParseEmotion(raw string) Emotion {
	emotion := Emotion(strings.ToLower(strings.TrimSpace(raw)))
	if !emotion.IsValid() {
		return EmotionNeutral
	}
	return emotion
}

// prosody maps each emotion to rate and pitch hints forwarded to the engine.
var prosody = map[Emotion]struct{ Rate, Pitch string }{
	EmotionNeutral:     {"medium", "medium"},
	EmotionEmpathy:     {"slow", "-10%"},
	EmotionEncouraging: {"medium", "+5%"},
	EmotionQuestioning: {"medium", "+15%"},
	EmotionExcited:     {"fast", "+10%"},
	EmotionCalm:        {"slow", "-5%"},
	EmotionSerious:     {"slow", "-15%"},
}

// Prosody returns the rate and pitch hints for the emotion.
func Prosody(emotion Emotion) (rate, pitch string) {
	p, ok := prosody[emotion]
	if !ok {
		p = prosody[EmotionNeutral]
	}
	return p.Rate, p.Pitch
}

// AudioRef points at synthesized audio without carrying the bytes.
type AudioRef struct {
	URL      string
	MimeType string
}

// Transcript is the result of transcribing a voice input.
type Transcript struct {
	Text       string
	Confidence float64
}

// Synthesizer converts facilitator text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emotion Emotion, voiceProfile string) (AudioRef, error)
}

// Transcriber converts participant audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (Transcript, error)
}

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool names form the closed vocabulary the completion provider may call.
const (
	ToolCaptureInsight       = "capture_insight"
	ToolAddToEmpathyMap      = "add_to_empathy_map"
	ToolAddToJourneyMap      = "add_to_journey_map"
	ToolSuggestDesignElement = "suggest_design_element"
	ToolMediateDisagreement  = "mediate_disagreement"
)

// Artifact kinds the mutation tools target.
const (
	ArtifactEmpathyMap        = "empathy_map"
	ArtifactJourneyMap        = "user_journey_map"
	ArtifactDesignSuggestions = "design_suggestions"
)

var (
	// ErrUnknownTool indicates a tool name outside the vocabulary.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolNotInPhase indicates the tool is not available in the current phase.
	ErrToolNotInPhase = errors.New("tool not available in current phase")
)

// ToolCall is one structured action requested by a completion.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// ToolSpec describes one tool to the completion provider.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// InsightInput is the payload of a capture_insight call.
type InsightInput struct {
	InsightType     string `json:"insight_type"`
	Content         string `json:"content"`
	Source          string `json:"source"`
	EmpathyCategory string `json:"empathy_category,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// EmpathyItemInput is the payload of an add_to_empathy_map call.
type EmpathyItemInput struct {
	Category string `json:"category"`
	Content  string `json:"content"`
	Source   string `json:"source"`
	Context  string `json:"context,omitempty"`
}

// JourneyStageInput is the payload of an add_to_journey_map call.
type JourneyStageInput struct {
	Stage             string `json:"stage"`
	StageOrder        int    `json:"stage_order"`
	Touchpoint        string `json:"touchpoint,omitempty"`
	Action            string `json:"action,omitempty"`
	Thought           string `json:"thought,omitempty"`
	Emotion           string `json:"emotion,omitempty"`
	PainPoint         string `json:"pain_point,omitempty"`
	Opportunity       string `json:"opportunity,omitempty"`
	AccessibilityNote string `json:"accessibility_note,omitempty"`
}

// DesignElementInput is the payload of a suggest_design_element call.
type DesignElementInput struct {
	ElementType           string   `json:"element_type"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	AccessibilityFeatures []string `json:"accessibility_features,omitempty"`
	AudioFeedback         string   `json:"audio_feedback,omitempty"`
	HapticFeedback        string   `json:"haptic_feedback,omitempty"`
	Rationale             string   `json:"rationale"`
	AddressesPainPoint    string   `json:"addresses_pain_point,omitempty"`
}

// MediationInput is the payload of a mediate_disagreement call.
type MediationInput struct {
	Topic                  string `json:"topic"`
	PerspectiveVIUser      string `json:"perspective_vi_user"`
	PerspectiveDesigner    string `json:"perspective_designer"`
	CommonGround           string `json:"common_ground,omitempty"`
	SuggestedCompromise    string `json:"suggested_compromise"`
	PriorityRecommendation string `json:"priority_recommendation,omitempty"`
}

var insightTypes = map[string]struct{}{
	"pain_point": {}, "need": {}, "emotion": {}, "behavior": {},
}

var empathyCategories = map[string]struct{}{
	"says": {}, "thinks": {}, "does": {}, "feels": {}, "hears": {}, "touches": {},
}

var elementTypes = map[string]struct{}{
	"button": {}, "navigation": {}, "feedback": {}, "confirmation": {},
	"input": {}, "notification": {}, "gesture": {},
}

// ParseInsight decodes and validates a capture_insight input.
func ParseInsight(raw json.RawMessage) (InsightInput, error) {
	var input InsightInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return InsightInput{}, fmt.Errorf("decode insight input: %w", err)
	}
	input.InsightType = strings.TrimSpace(input.InsightType)
	if _, ok := insightTypes[input.InsightType]; !ok {
		return InsightInput{}, fmt.Errorf("insight type %q is invalid", input.InsightType)
	}
	input.Content = strings.TrimSpace(input.Content)
	if input.Content == "" {
		return InsightInput{}, fmt.Errorf("insight content is required")
	}
	input.Source = strings.TrimSpace(input.Source)
	if input.Source == "" {
		return InsightInput{}, fmt.Errorf("insight source is required")
	}
	return input, nil
}

// ParseEmpathyItem decodes and validates an add_to_empathy_map input.
func ParseEmpathyItem(raw json.RawMessage) (EmpathyItemInput, error) {
	var input EmpathyItemInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return EmpathyItemInput{}, fmt.Errorf("decode empathy item input: %w", err)
	}
	input.Category = strings.TrimSpace(input.Category)
	if _, ok := empathyCategories[input.Category]; !ok {
		return EmpathyItemInput{}, fmt.Errorf("empathy category %q is invalid", input.Category)
	}
	input.Content = strings.TrimSpace(input.Content)
	if input.Content == "" {
		return EmpathyItemInput{}, fmt.Errorf("empathy item content is required")
	}
	return input, nil
}

// ParseJourneyStage decodes and validates an add_to_journey_map input.
func ParseJourneyStage(raw json.RawMessage) (JourneyStageInput, error) {
	var input JourneyStageInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return JourneyStageInput{}, fmt.Errorf("decode journey stage input: %w", err)
	}
	input.Stage = strings.TrimSpace(input.Stage)
	if input.Stage == "" {
		return JourneyStageInput{}, fmt.Errorf("journey stage name is required")
	}
	if input.StageOrder < 1 {
		return JourneyStageInput{}, fmt.Errorf("journey stage order %d is invalid", input.StageOrder)
	}
	return input, nil
}

// ParseDesignElement decodes and validates a suggest_design_element input.
func ParseDesignElement(raw json.RawMessage) (DesignElementInput, error) {
	var input DesignElementInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return DesignElementInput{}, fmt.Errorf("decode design element input: %w", err)
	}
	input.ElementType = strings.TrimSpace(input.ElementType)
	if _, ok := elementTypes[input.ElementType]; !ok {
		return DesignElementInput{}, fmt.Errorf("element type %q is invalid", input.ElementType)
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return DesignElementInput{}, fmt.Errorf("element name is required")
	}
	input.Description = strings.TrimSpace(input.Description)
	if input.Description == "" {
		return DesignElementInput{}, fmt.Errorf("element description is required")
	}
	input.Rationale = strings.TrimSpace(input.Rationale)
	if input.Rationale == "" {
		return DesignElementInput{}, fmt.Errorf("element rationale is required")
	}
	return input, nil
}

// ParseMediation decodes and validates a mediate_disagreement input.
func ParseMediation(raw json.RawMessage) (MediationInput, error) {
	var input MediationInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return MediationInput{}, fmt.Errorf("decode mediation input: %w", err)
	}
	input.Topic = strings.TrimSpace(input.Topic)
	if input.Topic == "" {
		return MediationInput{}, fmt.Errorf("mediation topic is required")
	}
	input.SuggestedCompromise = strings.TrimSpace(input.SuggestedCompromise)
	if input.SuggestedCompromise == "" {
		return MediationInput{}, fmt.Errorf("mediation compromise is required")
	}
	return input, nil
}

// artifactKindFor maps a mutation tool to the artifact kind it targets.
func artifactKindFor(toolName string) (string, bool) {
	switch toolName {
	case ToolAddToEmpathyMap:
		return ArtifactEmpathyMap, true
	case ToolAddToJourneyMap:
		return ArtifactJourneyMap, true
	case ToolSuggestDesignElement:
		return ArtifactDesignSuggestions, true
	}
	return "", false
}

// Specs returns the tool declarations sent to the completion provider,
// filtered to the given allowed names. A nil filter returns nothing: phases
// without tools get a tool-free completion.
func Specs(allowed []string) []ToolSpec {
	if len(allowed) == 0 {
		return nil
	}
	specs := make([]ToolSpec, 0, len(allowed))
	for _, name := range allowed {
		if spec, ok := toolSpecs[name]; ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

var toolSpecs = map[string]ToolSpec{
	ToolCaptureInsight: {
		Name:        ToolCaptureInsight,
		Description: "Capture an insight surfaced during the co-design conversation: a pain point, a need, an emotion, or a behavior.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"insight_type":     map[string]any{"type": "string", "enum": []string{"pain_point", "need", "emotion", "behavior"}},
				"content":          map[string]any{"type": "string"},
				"source":           map[string]any{"type": "string", "enum": []string{"vi_user", "designer", "observation"}},
				"empathy_category": map[string]any{"type": "string", "enum": []string{"says", "thinks", "does", "feels", "hears", "touches"}},
				"priority":         map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			},
			"required": []string{"insight_type", "content", "source"},
		},
	},
	ToolAddToEmpathyMap: {
		Name:        ToolAddToEmpathyMap,
		Description: "Add an item to the empathy map. The map carries six categories tailored to a visually impaired user: says, thinks, does, feels, hears, touches.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string", "enum": []string{"says", "thinks", "does", "feels", "hears", "touches"}},
				"content":  map[string]any{"type": "string"},
				"source":   map[string]any{"type": "string", "enum": []string{"vi_user", "designer", "ai_observation"}},
				"context":  map[string]any{"type": "string"},
			},
			"required": []string{"category", "content", "source"},
		},
	},
	ToolAddToJourneyMap: {
		Name:        ToolAddToJourneyMap,
		Description: "Add a stage or touchpoint to the user journey map.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stage":              map[string]any{"type": "string"},
				"stage_order":        map[string]any{"type": "integer"},
				"touchpoint":         map[string]any{"type": "string"},
				"action":             map[string]any{"type": "string"},
				"thought":            map[string]any{"type": "string"},
				"emotion":            map[string]any{"type": "string"},
				"pain_point":         map[string]any{"type": "string"},
				"opportunity":        map[string]any{"type": "string"},
				"accessibility_note": map[string]any{"type": "string"},
			},
			"required": []string{"stage", "stage_order"},
		},
	},
	ToolSuggestDesignElement: {
		Name:        ToolSuggestDesignElement,
		Description: "Suggest a design element grounded in the captured insights, with accessibility for a visually impaired user as the first concern.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"element_type":           map[string]any{"type": "string", "enum": []string{"button", "navigation", "feedback", "confirmation", "input", "notification", "gesture"}},
				"name":                   map[string]any{"type": "string"},
				"description":            map[string]any{"type": "string"},
				"accessibility_features": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"audio_feedback":         map[string]any{"type": "string"},
				"haptic_feedback":        map[string]any{"type": "string"},
				"rationale":              map[string]any{"type": "string"},
				"addresses_pain_point":   map[string]any{"type": "string"},
			},
			"required": []string{"element_type", "name", "description", "rationale"},
		},
	},
	ToolMediateDisagreement: {
		Name:        ToolMediateDisagreement,
		Description: "Mediate a disagreement between the designer and the visually impaired user by naming both perspectives and proposing a compromise.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"topic":                   map[string]any{"type": "string"},
				"perspective_vi_user":     map[string]any{"type": "string"},
				"perspective_designer":    map[string]any{"type": "string"},
				"common_ground":           map[string]any{"type": "string"},
				"suggested_compromise":    map[string]any{"type": "string"},
				"priority_recommendation": map[string]any{"type": "string"},
			},
			"required": []string{"topic", "perspective_vi_user", "perspective_designer", "suggested_compromise"},
		},
	},
}

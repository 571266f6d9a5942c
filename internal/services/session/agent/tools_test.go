package agent

import (
	"encoding/json"
	"testing"
)

func TestParseInsightValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", `{"insight_type":"pain_point","content":"no beep","source":"vi_user"}`, false},
		{"bad type", `{"insight_type":"complaint","content":"x","source":"vi_user"}`, true},
		{"empty content", `{"insight_type":"need","content":"  ","source":"vi_user"}`, true},
		{"missing source", `{"insight_type":"need","content":"x"}`, true},
		{"not json", `nope`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInsight(json.RawMessage(tc.input))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseInsight error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseEmpathyItemRejectsUnknownCategory(t *testing.T) {
	_, err := ParseEmpathyItem(json.RawMessage(`{"category":"smells","content":"x","source":"vi_user"}`))
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestParseJourneyStageRequiresOrder(t *testing.T) {
	if _, err := ParseJourneyStage(json.RawMessage(`{"stage":"Open app"}`)); err == nil {
		t.Fatal("expected error for missing stage order")
	}
	stage, err := ParseJourneyStage(json.RawMessage(`{"stage":"Open app","stage_order":1}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if stage.Stage != "Open app" || stage.StageOrder != 1 {
		t.Fatalf("unexpected stage %+v", stage)
	}
}

func TestParseDesignElementRequiresRationale(t *testing.T) {
	_, err := ParseDesignElement(json.RawMessage(`{"element_type":"button","name":"Pay","description":"big pay button"}`))
	if err == nil {
		t.Fatal("expected error for missing rationale")
	}
}

func TestParseMediationRequiresCompromise(t *testing.T) {
	_, err := ParseMediation(json.RawMessage(`{"topic":"gestures","perspective_vi_user":"a","perspective_designer":"b"}`))
	if err == nil {
		t.Fatal("expected error for missing compromise")
	}
}

func TestArtifactKindFor(t *testing.T) {
	tests := []struct {
		tool string
		kind string
		ok   bool
	}{
		{ToolAddToEmpathyMap, ArtifactEmpathyMap, true},
		{ToolAddToJourneyMap, ArtifactJourneyMap, true},
		{ToolSuggestDesignElement, ArtifactDesignSuggestions, true},
		{ToolCaptureInsight, "", false},
	}
	for _, tc := range tests {
		kind, ok := artifactKindFor(tc.tool)
		if kind != tc.kind || ok != tc.ok {
			t.Fatalf("artifactKindFor(%s) = (%q, %v), want (%q, %v)", tc.tool, kind, ok, tc.kind, tc.ok)
		}
	}
}

func TestSpecsFiltersToAllowedNames(t *testing.T) {
	if specs := Specs(nil); specs != nil {
		t.Fatalf("expected no specs for empty filter, got %d", len(specs))
	}
	specs := Specs([]string{ToolCaptureInsight, "unknown_tool", ToolMediateDisagreement})
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	for _, spec := range specs {
		if spec.InputSchema == nil {
			t.Fatalf("spec %s missing input schema", spec.Name)
		}
	}
}

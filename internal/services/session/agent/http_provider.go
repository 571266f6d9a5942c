package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/timeouts"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent/script"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

// HTTPProviderConfig configures the completion endpoint and HTTP behavior.
type HTTPProviderConfig struct {
	MessagesURL string
	APIKey      string
	Model       string
	MaxTokens   int
	HTTPClient  *http.Client
}

type httpProvider struct {
	cfg HTTPProviderConfig
}

// NewHTTPProvider builds a completion provider against a messages-style HTTP
// endpoint: one user message, a system prompt, declared tools, content blocks
// back.
func NewHTTPProvider(cfg HTTPProviderConfig) CompletionProvider {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: timeouts.ProviderCall}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &httpProvider{cfg: cfg}
}

func (p *httpProvider) Complete(ctx context.Context, turn TurnContext, s script.Script) (Completion, error) {
	messagesURL := strings.TrimSpace(p.cfg.MessagesURL)
	if messagesURL == "" {
		return Completion{}, apperrors.New(apperrors.CodeProviderError, "messages url is required")
	}
	model := strings.TrimSpace(p.cfg.Model)
	if model == "" {
		return Completion{}, apperrors.New(apperrors.CodeProviderError, "model is required")
	}

	request := map[string]any{
		"model":      model,
		"max_tokens": p.cfg.MaxTokens,
		"system":     s.SystemPrompt + "\n\nSession context:\n" + renderContext(turn),
		"messages": []map[string]string{
			{
				"role":    "user",
				"content": fmt.Sprintf("[%s]: %s", strings.ToUpper(string(turn.Inbound.Role)), turn.Inbound.Text),
			},
		},
	}
	if specs := Specs(s.Tools); len(specs) > 0 {
		request["tools"] = specs
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesURL, bytes.NewReader(requestBody))
	if err != nil {
		return Completion{}, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(p.cfg.APIKey); key != "" {
		// Credential material is sent only as a header and is never echoed
		// in errors or response payloads.
		req.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return Completion{}, apperrors.Wrap(apperrors.CodeProviderError, "completion request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		return Completion{}, apperrors.New(apperrors.CodeRateLimited, "completion provider rate limited")
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return Completion{}, apperrors.Wrap(apperrors.CodeProviderError, "read completion error body", err)
		}
		return Completion{}, apperrors.New(apperrors.CodeProviderError,
			fmt.Sprintf("completion request status %d: %s", res.StatusCode, strings.TrimSpace(string(errBody))))
	}

	var payload struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		Emotion string `json:"emotion"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Completion{}, apperrors.Wrap(apperrors.CodeProviderError, "decode completion response", err)
	}

	completion := Completion{Emotion: voice.ParseEmotion(payload.Emotion)}
	var text strings.Builder
	for _, block := range payload.Content {
		switch block.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
		case "tool_use":
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				Name:  strings.TrimSpace(block.Name),
				Input: block.Input,
			})
		}
	}
	completion.Text = strings.TrimSpace(text.String())
	if completion.Text == "" && len(completion.ToolCalls) == 0 {
		return Completion{}, apperrors.New(apperrors.CodeProviderError, "completion response is empty")
	}
	return completion, nil
}

// renderContext flattens the turn snapshot into the system prompt suffix.
func renderContext(turn TurnContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", turn.SessionID)
	fmt.Fprintf(&b, "Current phase: %s\n", turn.Phase)

	if len(turn.Participants) > 0 {
		names := make([]string, 0, len(turn.Participants))
		for _, p := range turn.Participants {
			names = append(names, fmt.Sprintf("%s (%s)", p.DisplayName, p.Role))
		}
		fmt.Fprintf(&b, "Participants: %s\n", strings.Join(names, ", "))
	}

	if len(turn.Artifacts) > 0 {
		b.WriteString("Artifacts so far:\n")
		for _, a := range turn.Artifacts {
			fmt.Fprintf(&b, "- %s (v%d): %s\n", a.Kind, a.Version, a.Summary)
		}
	}

	if len(turn.RecentMessages) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range turn.RecentMessages {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
		}
	}
	return b.String()
}

package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/timeouts"
)

// HTTPConfig configures the speech endpoints and HTTP behavior.
type HTTPConfig struct {
	SynthesizeURL string
	TranscribeURL string
	APIKey        string
	DefaultVoice  string
	HTTPClient    *http.Client
}

type httpSpeech struct {
	cfg HTTPConfig
}

// NewHTTPSynthesizer builds a synthesizer backed by an HTTP speech endpoint.
func NewHTTPSynthesizer(cfg HTTPConfig) Synthesizer {
	return newHTTPSpeech(cfg)
}

// NewHTTPTranscriber builds a transcriber backed by an HTTP speech endpoint.
func NewHTTPTranscriber(cfg HTTPConfig) Transcriber {
	return newHTTPSpeech(cfg)
}

func newHTTPSpeech(cfg HTTPConfig) *httpSpeech {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: timeouts.ProviderCall}
	}
	if strings.TrimSpace(cfg.DefaultVoice) == "" {
		cfg.DefaultVoice = "id-ID-GadisNeural"
	}
	return &httpSpeech{cfg: cfg}
}

func (s *httpSpeech) Synthesize(ctx context.Context, text string, emotion Emotion, voiceProfile string) (AudioRef, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return AudioRef{}, ErrEmptyText
	}
	synthesizeURL := strings.TrimSpace(s.cfg.SynthesizeURL)
	if synthesizeURL == "" {
		return AudioRef{}, fmt.Errorf("synthesize url is required")
	}
	if !emotion.IsValid() {
		emotion = EmotionNeutral
	}
	if strings.TrimSpace(voiceProfile) == "" {
		voiceProfile = s.cfg.DefaultVoice
	}

	rate, pitch := Prosody(emotion)
	requestBody, err := json.Marshal(map[string]any{
		"text":    text,
		"voice":   voiceProfile,
		"emotion": string(emotion),
		"rate":    rate,
		"pitch":   pitch,
	})
	if err != nil {
		return AudioRef{}, fmt.Errorf("marshal synthesize request: %w", err)
	}

	var payload struct {
		AudioURL string `json:"audio_url"`
		MimeType string `json:"mime_type"`
	}
	if err := s.post(ctx, synthesizeURL, requestBody, &payload); err != nil {
		return AudioRef{}, err
	}
	if strings.TrimSpace(payload.AudioURL) == "" {
		return AudioRef{}, fmt.Errorf("synthesize response missing audio_url")
	}
	mimeType := strings.TrimSpace(payload.MimeType)
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return AudioRef{URL: strings.TrimSpace(payload.AudioURL), MimeType: mimeType}, nil
}

func (s *httpSpeech) Transcribe(ctx context.Context, audio []byte, mimeType string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, fmt.Errorf("audio is required")
	}
	transcribeURL := strings.TrimSpace(s.cfg.TranscribeURL)
	if transcribeURL == "" {
		return Transcript{}, fmt.Errorf("transcribe url is required")
	}

	requestBody, err := json.Marshal(map[string]any{
		"audio":     base64.StdEncoding.EncodeToString(audio),
		"mime_type": strings.TrimSpace(mimeType),
		"language":  "id",
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("marshal transcribe request: %w", err)
	}

	var payload struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	}
	if err := s.post(ctx, transcribeURL, requestBody, &payload); err != nil {
		return Transcript{}, err
	}
	return Transcript{
		Text:       strings.TrimSpace(payload.Transcript),
		Confidence: payload.Confidence,
	}, nil
}

func (s *httpSpeech) post(ctx context.Context, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(s.cfg.APIKey); key != "" {
		// Credential material is sent only as an Authorization header and is
		// never echoed in errors or response payloads.
		req.Header.Set("Authorization", "Bearer "+key)
	}

	res, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("speech request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return fmt.Errorf("read speech error body: %w", err)
		}
		return fmt.Errorf("speech request status %d: %s", res.StatusCode, strings.TrimSpace(string(errBody)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode speech response: %w", err)
	}
	return nil
}

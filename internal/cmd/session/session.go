// Package session parses session command flags and composes the co-design
// transport entrypoint.
package session

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/m-rizqinovniari/agentic-ko-design/internal/platform/cmd"
	server "github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/app"
)

// Config holds session command configuration.
type Config struct {
	HTTPAddr  string `env:"CODESIGN_SESSION_HTTP_ADDR" envDefault:":8080"`
	DBPath    string `env:"CODESIGN_SESSION_DB_PATH"`
	JWTSecret string `env:"CODESIGN_SESSION_JWT_SECRET"`

	AIMessagesURL string `env:"CODESIGN_AI_MESSAGES_URL"`
	AIAPIKey      string `env:"CODESIGN_AI_API_KEY"`
	AIModel       string `env:"CODESIGN_AI_MODEL" envDefault:"claude-sonnet-4-20250514"`

	SynthesizeURL string `env:"CODESIGN_VOICE_SYNTHESIZE_URL"`
	TranscribeURL string `env:"CODESIGN_VOICE_TRANSCRIBE_URL"`
	VoiceAPIKey   string `env:"CODESIGN_VOICE_API_KEY"`
	VoiceProfile  string `env:"CODESIGN_VOICE_PROFILE" envDefault:"id-ID-GadisNeural"`

	HeartbeatInterval time.Duration `env:"CODESIGN_SESSION_HEARTBEAT_INTERVAL"`
	IdleAfter         time.Duration `env:"CODESIGN_SESSION_IDLE_AFTER"`
	AITimeout         time.Duration `env:"CODESIGN_AI_TIMEOUT"`
	QueueDepth        int           `env:"CODESIGN_SESSION_QUEUE_DEPTH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "session HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path, empty for in-memory sessions")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "shared secret for session token verification")
	fs.StringVar(&cfg.AIMessagesURL, "ai-messages-url", cfg.AIMessagesURL, "AI provider messages endpoint")
	fs.StringVar(&cfg.AIModel, "ai-model", cfg.AIModel, "AI provider model identifier")
	fs.StringVar(&cfg.SynthesizeURL, "synthesize-url", cfg.SynthesizeURL, "speech synthesis endpoint")
	fs.StringVar(&cfg.TranscribeURL, "transcribe-url", cfg.TranscribeURL, "speech transcription endpoint")
	fs.StringVar(&cfg.VoiceProfile, "voice-profile", cfg.VoiceProfile, "voice profile for synthesized speech")
	fs.DurationVar(&cfg.AITimeout, "ai-timeout", cfg.AITimeout, "per-call AI provider timeout, zero for the default")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "per-session message queue depth, zero for the default")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the session app and starts the realtime transport.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSession, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			JWTSecret:         cfg.JWTSecret,
			AIMessagesURL:     cfg.AIMessagesURL,
			AIAPIKey:          cfg.AIAPIKey,
			AIModel:           cfg.AIModel,
			SynthesizeURL:     cfg.SynthesizeURL,
			TranscribeURL:     cfg.TranscribeURL,
			VoiceAPIKey:       cfg.VoiceAPIKey,
			VoiceProfile:      cfg.VoiceProfile,
			HeartbeatInterval: cfg.HeartbeatInterval,
			IdleAfter:         cfg.IdleAfter,
			ProviderTimeout:   cfg.AITimeout,
			QueueDepth:        cfg.QueueDepth,
		}); err != nil {
			return fmt.Errorf("serve session: %w", err)
		}
		return nil
	})
}

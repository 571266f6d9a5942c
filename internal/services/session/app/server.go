package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/platform/timeouts"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/agent/script"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/hub"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/phase"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/presence"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage/memory"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/storage/sqlite"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/voice"
)

// presenceSweepInterval is how often active sessions are checked for idle
// participants.
const presenceSweepInterval = 15 * time.Second

// Config defines the inputs for the session transport boundary.
//
// The AI and voice endpoints are optional: a server without them runs
// without_ai sessions only.
type Config struct {
	HTTPAddr  string
	DBPath    string
	JWTSecret string

	AIMessagesURL string
	AIAPIKey      string
	AIModel       string

	SynthesizeURL string
	TranscribeURL string
	VoiceAPIKey   string
	VoiceProfile  string

	HeartbeatInterval time.Duration
	IdleAfter         time.Duration
	ProviderTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	QueueDepth        int
}

// Server hosts the session HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	orchestrator    *Orchestrator
	sqliteStore     *sqlite.Store
	backgroundStop  context.CancelFunc
	backgroundDone  chan struct{}
}

// NewServer builds a configured session server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = timeouts.Heartbeat
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = timeouts.Idle
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = timeouts.ProviderCall
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var sessionStore storage.SessionStore
	var sqliteStore *sqlite.Store
	if dbPath := strings.TrimSpace(config.DBPath); dbPath != "" {
		opened, err := sqlite.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		sqliteStore = opened
		sessionStore = opened
	} else {
		log.Printf("session: no db path configured, sessions are in-memory only")
		sessionStore = memory.NewSessionStore()
	}

	// Artifacts live with the collaborative canvas service; this process
	// keeps a local projection the facilitator mutates.
	artifactStore := memory.NewArtifactStore()

	sessionHub := hub.New(hub.Options{
		QueueDepth:        config.QueueDepth,
		HeartbeatInterval: config.HeartbeatInterval,
	})
	presenceRegistry := presence.NewRegistry(config.IdleAfter, time.Now)
	machine := phase.NewMachine(sessionStore, time.Now)

	var provider agent.CompletionProvider
	if strings.TrimSpace(config.AIMessagesURL) != "" {
		provider = agent.NewHTTPProvider(agent.HTTPProviderConfig{
			MessagesURL: config.AIMessagesURL,
			APIKey:      config.AIAPIKey,
			Model:       config.AIModel,
		})
	}

	var synthesizer voice.Synthesizer
	var transcriber voice.Transcriber
	if strings.TrimSpace(config.SynthesizeURL) != "" || strings.TrimSpace(config.TranscribeURL) != "" {
		speechConfig := voice.HTTPConfig{
			SynthesizeURL: config.SynthesizeURL,
			TranscribeURL: config.TranscribeURL,
			APIKey:        config.VoiceAPIKey,
			DefaultVoice:  config.VoiceProfile,
		}
		if strings.TrimSpace(config.SynthesizeURL) != "" {
			synthesizer = voice.NewHTTPSynthesizer(speechConfig)
		}
		if strings.TrimSpace(config.TranscribeURL) != "" {
			transcriber = voice.NewHTTPTranscriber(speechConfig)
		}
	}

	var coordinator *agent.Coordinator
	if provider != nil {
		coordinator = agent.NewCoordinator(agent.Options{
			Store:       sessionStore,
			Artifacts:   artifactStore,
			Provider:    provider,
			Synthesizer: synthesizer,
			Broadcaster: sessionHub,
			Timeout:     config.ProviderTimeout,
		})
	} else {
		log.Printf("session: no ai endpoint configured, facilitator turns unavailable")
		coordinator = agent.NewCoordinator(agent.Options{
			Store:       sessionStore,
			Artifacts:   artifactStore,
			Provider:    unavailableProvider{},
			Broadcaster: sessionHub,
			Timeout:     config.ProviderTimeout,
		})
	}

	orchestrator := NewOrchestrator(OrchestratorOptions{
		Hub:         sessionHub,
		Machine:     machine,
		Coordinator: coordinator,
		Presence:    presenceRegistry,
		Store:       sessionStore,
		Transcriber: transcriber,
		QueueDepth:  config.QueueDepth,
	})

	authorizer := NewJWTAuthorizer([]byte(config.JWTSecret))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandlerWithAuthorizer(orchestrator, authorizer),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	backgroundCtx, backgroundStop := context.WithCancel(context.Background())
	backgroundDone := make(chan struct{})
	go func() {
		defer close(backgroundDone)
		ticker := time.NewTicker(presenceSweepInterval)
		defer ticker.Stop()
		go sessionHub.Run(backgroundCtx.Done())
		for {
			select {
			case <-backgroundCtx.Done():
				return
			case <-ticker.C:
				orchestrator.SweepPresence()
			}
		}
	}()

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		orchestrator:    orchestrator,
		sqliteStore:     sqliteStore,
		backgroundStop:  backgroundStop,
		backgroundDone:  backgroundDone,
	}, nil
}

// Run creates and serves a session server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init session server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve session: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("session server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("session server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// unavailableProvider stands in when no AI endpoint is configured. Every
// facilitator turn fails with a provider error the client can surface.
type unavailableProvider struct{}

func (unavailableProvider) Complete(ctx context.Context, turn agent.TurnContext, s script.Script) (agent.Completion, error) {
	return agent.Completion{}, apperrors.New(apperrors.CodeProviderError, "no ai provider is configured")
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.backgroundStop != nil {
		s.backgroundStop()
	}
	if s.backgroundDone != nil {
		<-s.backgroundDone
	}
	if s.orchestrator != nil {
		s.orchestrator.Shutdown()
	}
	if s.sqliteStore != nil {
		if err := s.sqliteStore.Close(); err != nil {
			log.Printf("close session store: %v", err)
		}
	}
}

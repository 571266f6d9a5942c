package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/m-rizqinovniari/agentic-ko-design/internal/errors"
	"github.com/m-rizqinovniari/agentic-ko-design/internal/services/session/domain"
)

const (
	tokenCookieName = "codesign_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsIdentityContextKey struct{}

// NewHandler creates session routes for tests and offline paths.
// WebSocket auth is intentionally disabled in this constructor.
func NewHandler(orchestrator *Orchestrator) http.Handler {
	return newHandler(orchestrator, nil, false)
}

// NewHandlerWithAuthorizer creates session routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(orchestrator *Orchestrator, authorizer Authorizer) http.Handler {
	return newHandler(orchestrator, authorizer, true)
}

func newHandler(orchestrator *Orchestrator, authorizer Authorizer, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, orchestrator)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if strings.TrimSpace(r.URL.Query().Get("session")) == "" {
			http.Error(w, "session query parameter is required", http.StatusBadRequest)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			token := accessTokenFromRequest(r)
			if token == "" {
				log.Printf("session: websocket unauthorized: missing token for host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			identity, err := authorizer.Authenticate(token)
			if err != nil || strings.TrimSpace(identity.UserID) == "" {
				log.Printf("session: websocket unauthorized: token rejected for host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, strings.TrimSpace(identity.UserID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

// accessTokenFromRequest reads the session token from the token query
// parameter, falling back to the session cookie. Credential material is sent
// only on the upgrade request and is never echoed.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// wsConn adapts one websocket connection to the hub. Writes are serialized
// through a mutex because both the hub's write loop and the transport's
// pre-join error path touch the encoder.
type wsConn struct {
	mu      sync.Mutex
	encoder *json.Encoder
	conn    *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{encoder: json.NewEncoder(conn), conn: conn}
}

func (c *wsConn) Send(envelope domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(envelope)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func handleWSConn(conn *websocket.Conn, orchestrator *Orchestrator) {
	defer func() {
		_ = conn.Close()
	}()

	wsc := newWSConn(conn)
	userID := "participant"
	sessionID := ""
	if request := conn.Request(); request != nil {
		sessionID = strings.TrimSpace(request.URL.Query().Get("session"))
		if resolved, ok := request.Context().Value(wsIdentityContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}

	_, binding, err := orchestrator.Attach(context.Background(), sessionID, userID, wsc)
	if err != nil {
		writeTransportError(wsc, err)
		return
	}
	defer orchestrator.Detach(sessionID, userID)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0
	var lastMessageID uint64

	for {
		var envelope domain.Envelope
		if err := decoder.Decode(&envelope); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			writeTransportError(wsc, apperrors.New(apperrors.CodeInvalidMessage, "invalid message payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(envelope.Payload) > maxFramePayloadBytes {
			writeTransportError(wsc, apperrors.New(apperrors.CodeInvalidMessage, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeTransportError(wsc, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		// The authenticated identity is the only trusted sender, and the
		// delivery allow-list is a server-side mechanism. Neither survives
		// the transport boundary.
		envelope.SenderID = userID
		envelope.Recipients = nil

		if err := domain.ValidateInbound(envelope, lastMessageID); err != nil {
			writeTransportError(wsc, apperrors.Wrap(apperrors.CodeInvalidMessage, "invalid message", err))
			continue
		}
		lastMessageID = envelope.MessageID

		if envelope.Type == domain.TypePing {
			orchestrator.Heartbeat(sessionID, userID)
			pong, err := domain.NewEvent(domain.TypePong, senderOrchestrator, map[string]uint64{
				"message_id": envelope.MessageID,
			}, orchestrator.now)
			if err == nil {
				_ = wsc.Send(pong)
			}
			continue
		}

		if err := orchestrator.Dispatch(sessionID, binding, envelope); err != nil {
			writeTransportError(wsc, err)
		}
	}
}

func writeTransportError(conn *wsConn, err error) {
	code := apperrors.GetCode(err)
	event, buildErr := domain.NewEvent(domain.TypeError, senderOrchestrator, map[string]any{
		"code":      string(code),
		"grpc_code": code.GRPCCode().String(),
		"message":   err.Error(),
		"retryable": code.Retryable(),
	}, time.Now)
	if buildErr != nil {
		return
	}
	_ = conn.Send(event)
}

// ABOUTME: HTTP and websocket surface of the relay
// ABOUTME: Upgrades connections, enforces auth-first, and serves health/stats

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/comms"
	"github.com/2389/coven-relay/internal/reconnect"
	"github.com/2389/coven-relay/internal/store"
)

// authWait bounds how long a fresh connection may take to present its
// auth envelope before the relay hangs up.
const authWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the relay over HTTP: a websocket endpoint for agents
// plus health and statistics endpoints for operators.
type Server struct {
	addr     string
	manager  *comms.Manager
	verifier auth.TokenVerifier
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer creates the relay server. It does not listen until Run.
func NewServer(addr string, manager *comms.Manager, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		manager:  manager,
		verifier: verifier,
		logger:   logger.With("component", "relay"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/statsz", s.handleStats)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("relay stopped")
	return nil
}

// handleWS upgrades the connection and runs the auth handshake. The
// very first frame must be an auth envelope; anything else closes the
// connection without touching the manager.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	agentID, err := s.authenticate(conn)
	if err != nil {
		s.logger.Warn("auth failed", "error", err, "remote", r.RemoteAddr)
		s.rejectAndClose(conn, err)
		return
	}

	if err := s.manager.RegisterAgent(agentID); err != nil {
		s.rejectAndClose(conn, err)
		return
	}

	ok, err := reconnect.NewEnvelope(reconnect.TypeAuthOK, nil)
	if err != nil || conn.WriteJSON(ok) != nil {
		_ = conn.Close()
		s.manager.UnregisterAgent(agentID)
		return
	}

	s.logger.Info("agent connected", "agent_id", agentID, "remote", r.RemoteAddr)
	sess := newSession(agentID, conn, s.manager, s.logger)
	sess.run(r.Context())
	s.logger.Info("agent disconnected", "agent_id", agentID)
}

// authenticate reads the auth envelope and verifies its token. The
// token's subject must match the claimed agent id.
func (s *Server) authenticate(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	var env reconnect.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("read auth envelope: %w", err)
	}
	if env.Type != reconnect.TypeAuth {
		return "", fmt.Errorf("%w: first envelope was %s", auth.ErrInvalidToken, env.Type)
	}

	var payload reconnect.AuthPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: malformed auth payload", auth.ErrInvalidToken)
	}

	subject, err := s.verifier.Verify(payload.Token)
	if err != nil {
		return "", err
	}
	if payload.AgentID != "" && payload.AgentID != subject {
		return "", fmt.Errorf("%w: token subject %q does not match agent id %q", auth.ErrInvalidToken, subject, payload.AgentID)
	}
	return subject, nil
}

// rejectAndClose sends one error envelope and hangs up.
func (s *Server) rejectAndClose(conn *websocket.Conn, cause error) {
	env, err := reconnect.NewEnvelope(reconnect.TypeError, reconnect.ErrorPayload{
		Code:    CodeAuthFailed,
		Message: cause.Error(),
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(env)
	}
	_ = conn.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.manager.GetStatistics(r.Context()).SystemHealth

	w.Header().Set("Content-Type", "application/json")
	if health.Status != store.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.GetStatistics(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

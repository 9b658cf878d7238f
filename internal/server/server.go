// Package server is the HTTP edge: the websocket upgrade and handshake,
// the token issuance endpoint, and health checks.
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/config"
	"github.com/nmxmxh/marketgate/internal/handler"
	"github.com/nmxmxh/marketgate/internal/hub"
	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/policy"
	"github.com/nmxmxh/marketgate/internal/registry"
	"github.com/nmxmxh/marketgate/internal/token"
	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
	jsonx "github.com/nmxmxh/marketgate/pkg/json"
)

// Server serves the websocket endpoint and the REST surface around it.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	authority *token.Authority
	perm      *policy.Policy
	registry  *registry.Registry
	hub       *hub.Hub
	handler   *handler.Handler

	upgrader websocket.Upgrader
	srv      *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, log *zap.Logger, authority *token.Authority, perm *policy.Policy,
	reg *registry.Registry, h *hub.Hub, hdl *handler.Handler,
) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		authority: authority,
		perm:      perm,
		registry:  reg,
		hub:       h,
		handler:   hdl,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/auth/token", s.handleToken)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route mux, for tests that mount it on httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then drains with a 10 second
// grace period.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Info("listening for websocket connections", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowedOrigins == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range strings.Split(s.cfg.AllowedOrigins, ",") {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleWS upgrades the connection, authenticates it within the handshake
// deadline, and hands it to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := bearerToken(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	sess, err := s.registry.Authenticate(connID, tokenStr, clientIP(r))
	if err != nil {
		s.rejectHandshake(ws, err)
		return
	}

	conn := newWSConn(ws)
	s.hub.Attach(connID, conn)

	ack, err := wire.NewEnvelope(wire.TypeConnection, wire.ConnectionPayload{
		ClientID:          connID,
		ServerVersion:     s.cfg.ServerVersion,
		Services:          []string{"prices", "fx", "news", "signals", "market_status"},
		AvailableChannels: s.perm.ChannelsFor(sess.Role),
	})
	if err != nil {
		s.log.Error("failed to build connection ack", zap.Error(err))
		s.hub.Detach(connID)
		return
	}
	s.hub.Send(connID, ack)

	s.log.Info("client connected",
		zap.String("conn_id", connID),
		zap.String("subject_id", sess.SubjectID),
		zap.String("role", sess.Role.String()),
	)
	go s.readPump(connID, ws)
}

// rejectHandshake sends a structured error frame and closes. Rejections happen
// after the upgrade so browser clients get a wire-level reason, not a bare
// HTTP status.
func (s *Server) rejectHandshake(ws *websocket.Conn, cause error) {
	code := wire.CodeAuthFailed
	msg := "authentication failed"
	metricCause := "invalid_token"
	switch {
	case stderrors.Is(cause, errors.ErrQuotaExceeded):
		code = wire.CodeQuotaExceeded
		msg = "connection quota exceeded"
		metricCause = "quota"
	case stderrors.Is(cause, errors.ErrTokenExpired):
		msg = "token expired"
		metricCause = "expired"
	}
	metrics.AuthFailures.WithLabelValues(metricCause).Inc()
	s.log.Warn("handshake rejected", zap.String("cause", metricCause), zap.Error(cause))

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if env, err := wire.NewEnvelope(wire.TypeError, wire.ErrorPayload{Code: code, Message: msg}); err == nil {
		if raw, err := env.Encode(); err == nil {
			ws.SetWriteDeadline(deadline)
			_ = ws.WriteMessage(websocket.TextMessage, raw)
		}
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	_ = ws.Close()
}

// readPump owns the read side for the lifetime of the connection.
func (s *Server) readPump(connID string, ws *websocket.Conn) {
	defer s.hub.Detach(connID)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("unexpected close", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		s.handler.HandleFrame(connID, raw)
	}
}

type tokenRequest struct {
	SubjectID  string   `json:"subject_id"`
	Scope      []string `json:"scope"`
	TTLMinutes int      `json:"ttl_minutes"`
}

type tokenResponse struct {
	Token             string   `json:"token"`
	Role              string   `json:"role"`
	ExpiresInMinutes  int      `json:"expires_in_minutes"`
	AvailableChannels []string `json:"available_channels"`
}

// handleToken issues a signed access token. The effective role is the highest
// role named in the scope list; an empty scope gets guest access.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SubjectID == "" {
		writeJSONError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	role := token.RoleGuest
	for _, scope := range req.Scope {
		parsed, err := token.ParseRole(scope)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unknown scope "+scope)
			return
		}
		if parsed > role {
			role = parsed
		}
	}

	ttl := token.ClampTTL(time.Duration(req.TTLMinutes) * time.Minute)
	signed, err := s.authority.Generate(req.SubjectID, role, ttl)
	if err != nil {
		_ = errors.LogWithError(r.Context(), s.log, "token generation failed", err,
			zap.String("subject_id", req.SubjectID))
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:             signed,
		Role:              role.String(),
		ExpiresInMinutes:  int(ttl.Minutes()),
		AvailableChannels: s.perm.ChannelsFor(role),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonx.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bearerToken pulls the access token from the Authorization header or, for
// browser clients that cannot set headers on websocket dials, the query string.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

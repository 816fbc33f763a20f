// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/media"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/metrics"
	"github.com/wpic/wpic/internal/storage"
)

// Users looks up login accounts.
type Users interface {
	GetUser(ctx context.Context, id int64) (*postgres.User, error)
	GetUserByUsername(ctx context.Context, username string) (*postgres.User, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps bundles what the handlers need.
type Deps struct {
	Media         *media.Service
	Users         Users
	Router        *storage.Router
	Tokens        *auth.Tokens
	APIKeys       *auth.APIKeys // nil disables API key issuance
	AccessTTL     time.Duration
	MaxUploadSize int64
	Checks        map[string]HealthCheck
	Events        *events.Broadcaster // nil disables the event stream
}

// Server is the HTTP server.
type Server struct {
	media         *media.Service
	users         Users
	router        *storage.Router
	tokens        *auth.Tokens
	apiKeys       *auth.APIKeys
	authn         *auth.Authenticator
	accessTTL     time.Duration
	maxUploadSize int64
	checks        map[string]HealthCheck
	events        *events.Broadcaster
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	if d.AccessTTL <= 0 {
		d.AccessTTL = 30 * time.Minute
	}
	var authOpts []auth.AuthenticatorOption
	if d.Users != nil {
		authOpts = append(authOpts, auth.WithActiveCheck(func(ctx context.Context, userID int64) (bool, error) {
			u, err := d.Users.GetUser(ctx, userID)
			return u != nil && u.IsActive, err
		}))
	}
	return &Server{
		media:         d.Media,
		users:         d.Users,
		router:        d.Router,
		tokens:        d.Tokens,
		apiKeys:       d.APIKeys,
		authn:         auth.NewAuthenticator(d.Tokens, d.APIKeys, authOpts...),
		accessTTL:     d.AccessTTL,
		maxUploadSize: d.MaxUploadSize,
		checks:        d.Checks,
		events:        d.Events,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.authn.Middleware(h))
	}
	optional := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.authn.Optional(h))
	}

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.handleLogin)
	mux.HandleFunc("GET /api/v1/storage/types", s.handleStorageTypes)

	// Reads accept a share link or file-access token in place of a session
	optional("GET /api/v1/files/{id}", s.handleDownload)
	optional("GET /api/v1/files/{id}/thumbnail", s.handleThumbnail)
	optional("GET /api/v1/files/{id}/preview", s.handlePreview)
	optional("GET /api/v1/files/{id}/url", s.handleDirectURL)

	// API keys
	protected("POST /api/v1/auth/apikey", s.handleCreateAPIKey)
	protected("DELETE /api/v1/auth/apikey", s.handleRevokeAPIKey)

	// Files
	protected("POST /api/v1/files", s.handleUpload)
	protected("GET /api/v1/files", s.handleList)
	protected("DELETE /api/v1/files/{id}", s.handleDelete)
	protected("POST /api/v1/files/{id}/share", s.handleShare)
	protected("DELETE /api/v1/files/{id}/share", s.handleRevokeShare)

	// Storage settings
	protected("POST /api/v1/storage/validate", s.handleValidateStorage)
	protected("PUT /api/v1/storage", s.handleChangeStorage)
	protected("POST /api/v1/storage/test", s.handleTestStorage)
	protected("GET /api/v1/usage", s.handleUsage)

	// Change notifications
	protected("GET /api/v1/events", s.handleEvents)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	sendJSON(w, code, map[string]any{"status": status, "checks": deps})
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt("password", false)
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		metrics.RecordAuthAttempt("password", false)
		sendError(w, http.StatusBadRequest, "username and password required")
		return
	}

	u, err := s.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		metrics.RecordAuthAttempt("password", false)
		logging.WithContext(r.Context()).Error("login lookup failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "database error")
		return
	}
	if u == nil || !u.IsActive || !auth.CheckPassword(u.PasswordHash, req.Password) {
		metrics.RecordAuthAttempt("password", false)
		logging.WithContext(r.Context()).Warn("login failed", zap.String("username", req.Username))
		sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := s.tokens.CreateBearerToken(u.ID, u.Username, s.accessTTL)
	if err != nil {
		logging.WithContext(r.Context()).Error("failed to sign token", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	metrics.RecordAuthAttempt("password", true)
	logging.WithContext(r.Context()).Info("user logged in", logging.UserID(u.ID))
	sendJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   exp,
		"expires_in":   int(s.accessTTL.Seconds()),
	})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.apiKeys == nil {
		sendError(w, http.StatusNotImplemented, "api keys are not enabled")
		return
	}
	p := auth.PrincipalFrom(r.Context())
	key, err := s.apiKeys.Issue(r.Context(), p.UserID, p.Username)
	if err != nil {
		logging.WithContext(r.Context()).Error("api key not issued", logging.UserID(p.UserID), zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "api keys are unavailable")
		return
	}
	sendJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if s.apiKeys == nil {
		sendError(w, http.StatusNotImplemented, "api keys are not enabled")
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		sendError(w, http.StatusBadRequest, "api_key required")
		return
	}
	p := auth.PrincipalFrom(r.Context())
	sess, err := s.apiKeys.VerifyAPIKey(r.Context(), req.APIKey)
	if err != nil || sess.UserID != p.UserID {
		sendError(w, http.StatusNotFound, "api key not found")
		return
	}
	s.apiKeys.Revoke(r.Context(), req.APIKey)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Events ─────────────────────────────────────────────────────────────────

// handleEvents streams the caller's file events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		sendError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	p := auth.PrincipalFrom(r.Context())
	ch := s.events.Subscribe(p.UserID)
	defer s.events.Unsubscribe(ch)
	logging.WithContext(r.Context()).Debug("event stream opened", logging.UserID(p.UserID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// requester describes the caller of a read for access checks and logs.
func requester(r *http.Request) media.Requester {
	req := media.Requester{
		Token:     auth.RequestToken(r),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	}
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		req.UserID = p.UserID
	}
	return req
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}

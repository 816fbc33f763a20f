package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

type contextKey struct{}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   int64
	Username string
	Method   string // "jwt" or "api_key"
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the caller stored by the middleware, or nil for
// anonymous requests.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}

// ActiveCheck reports whether userID's account may still be used.
type ActiveCheck func(ctx context.Context, userID int64) (bool, error)

// Authenticator resolves bearer tokens and API keys to a Principal.
type Authenticator struct {
	tokens  *Tokens
	apiKeys *APIKeys
	active  ActiveCheck
}

// AuthenticatorOption customizes an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithActiveCheck re-checks the caller's account on every request, so a
// deactivated user is locked out before their credentials expire.
func WithActiveCheck(check ActiveCheck) AuthenticatorOption {
	return func(a *Authenticator) { a.active = check }
}

// NewAuthenticator creates an Authenticator. apiKeys may be nil.
func NewAuthenticator(tokens *Tokens, apiKeys *APIKeys, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{tokens: tokens, apiKeys: apiKeys}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Middleware rejects requests without a valid bearer token or API key.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, status, msg := a.authenticate(r)
		if p == nil {
			if status == 0 {
				status, msg = http.StatusUnauthorized, "missing authentication credentials"
			}
			sendAuthError(w, status, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Optional lets anonymous requests through, so share-link and file-access
// tokens can be checked by the handler. Credentials that are present but
// invalid are still rejected.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, status, msg := a.authenticate(r)
		if status != 0 {
			sendAuthError(w, status, msg)
			return
		}
		if p != nil {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate returns the principal, or a non-zero status when
// credentials were presented and failed. No credentials yields nil, 0.
func (a *Authenticator) authenticate(r *http.Request) (*Principal, int, string) {
	p, status, msg := a.credentials(r)
	if p == nil || a.active == nil {
		return p, status, msg
	}
	ok, err := a.active(r.Context(), p.UserID)
	if err != nil {
		logging.WithContext(r.Context()).Error("account check failed", logging.UserID(p.UserID), zap.Error(err))
		return nil, http.StatusServiceUnavailable, "authentication temporarily unavailable"
	}
	if !ok {
		metrics.RecordAuthAttempt(p.Method, false)
		return nil, http.StatusUnauthorized, "account disabled"
	}
	return p, 0, ""
}

func (a *Authenticator) credentials(r *http.Request) (*Principal, int, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.fromAPIKey(r.Context(), key)
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, 0, ""
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		metrics.RecordAuthAttempt("jwt", false)
		return nil, http.StatusUnauthorized, "malformed authorization header"
	}
	if strings.HasPrefix(raw, APIKeyPrefix) {
		return a.fromAPIKey(r.Context(), raw)
	}

	claims, err := a.tokens.VerifyTokenType(raw, TokenBearer)
	if err != nil {
		metrics.RecordAuthAttempt("jwt", false)
		logging.WithContext(r.Context()).Debug("bearer token rejected", zap.Error(err))
		return nil, http.StatusUnauthorized, "invalid token"
	}
	metrics.RecordAuthAttempt("jwt", true)
	return &Principal{UserID: claims.UserID, Username: claims.Username, Method: "jwt"}, 0, ""
}

func (a *Authenticator) fromAPIKey(ctx context.Context, key string) (*Principal, int, string) {
	if a.apiKeys == nil {
		metrics.RecordAuthAttempt("api_key", false)
		return nil, http.StatusUnauthorized, "api keys are not enabled"
	}
	sess, err := a.apiKeys.VerifyAPIKey(ctx, key)
	if err != nil {
		metrics.RecordAuthAttempt("api_key", false)
		return nil, http.StatusUnauthorized, "invalid api key"
	}
	metrics.RecordAuthAttempt("api_key", true)
	return &Principal{UserID: sess.UserID, Username: sess.Username, Method: "api_key"}, 0, ""
}

// RequestToken returns a file token presented with the request, from the
// "token" query parameter or the X-Access-Token header.
func RequestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get("X-Access-Token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}

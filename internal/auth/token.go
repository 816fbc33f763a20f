// Package auth issues and verifies signed tokens, resolves API keys and
// decides whether a request may read a file.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/wpic/wpic/internal/metrics"
)

// TokenType discriminates what a token may be used for.
type TokenType string

const (
	TokenBearer     TokenType = "bearer"      // user session
	TokenFileAccess TokenType = "file_access" // one file, one user
	TokenShareLink  TokenType = "share_link"  // one file, anyone holding it
)

const issuer = "wpic"

// ErrInvalidToken is returned for any token that fails signature, expiry,
// issuer or type checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds the token claim set.
type Claims struct {
	Type     TokenType `json:"type"`
	UserID   int64     `json:"user_id,omitempty"`
	Username string    `json:"username,omitempty"`
	FileID   int64     `json:"file_id,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 tokens against one secret.
type Tokens struct {
	secret []byte
	clock  clock.Clock
}

// NewTokens creates a token engine. A nil clock uses the wall clock.
func NewTokens(secret string, clk clock.Clock) *Tokens {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tokens{secret: []byte(secret), clock: clk}
}

// Clock returns the clock tokens are issued and verified against.
func (t *Tokens) Clock() clock.Clock {
	return t.clock
}

// CreateAccessToken signs claims with an expiry ttl from now. It returns
// the token and its expiry.
func (t *Tokens) CreateAccessToken(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Type == "" {
		return "", time.Time{}, errors.New("token type is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}

	now := t.clock.Now()
	claims.Issuer = issuer
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// VerifyToken checks signature and expiry in the same parse and returns
// the claims. Every failure wraps ErrInvalidToken.
func (t *Tokens) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch claims.Type {
	case TokenBearer, TokenFileAccess, TokenShareLink:
		return claims, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidToken, claims.Type)
	}
}

// VerifyTokenType verifies token and requires its type to be want.
func (t *Tokens) VerifyTokenType(token string, want TokenType) (*Claims, error) {
	claims, err := t.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: type %q, want %q", ErrInvalidToken, claims.Type, want)
	}
	return claims, nil
}

// CreateBearerToken issues a session token for a user.
func (t *Tokens) CreateBearerToken(userID int64, username string, ttl time.Duration) (string, time.Time, error) {
	return t.CreateAccessToken(Claims{Type: TokenBearer, UserID: userID, Username: username}, ttl)
}

// CreateFileAccessToken issues a token that lets userID read fileID.
func (t *Tokens) CreateFileAccessToken(fileID, userID int64, ttl time.Duration) (string, time.Time, error) {
	return t.CreateAccessToken(Claims{Type: TokenFileAccess, FileID: fileID, UserID: userID}, ttl)
}

// GenerateShareLink issues a share_link token for fileID valid for
// ttlHours. The caller stores it on the file record; replacing the stored
// value revokes it.
func (t *Tokens) GenerateShareLink(fileID, ownerID int64, ttlHours int) (string, time.Time, error) {
	if ttlHours <= 0 {
		return "", time.Time{}, fmt.Errorf("share link ttl must be positive, got %dh", ttlHours)
	}
	token, exp, err := t.CreateAccessToken(Claims{
		Type:   TokenShareLink,
		FileID: fileID,
		UserID: ownerID,
	}, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		return "", time.Time{}, err
	}
	metrics.RecordShareLinkCreated()
	return token, exp, nil
}

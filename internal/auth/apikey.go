package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wpic/wpic/internal/cache"
)

// APIKeyPrefix starts every generated API key.
const APIKeyPrefix = "wpic_"

// GenerateAPIKey returns APIKeyPrefix followed by 64 hex characters.
func GenerateAPIKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b[:]), nil
}

// APIKeySession is what an API key resolves to.
type APIKeySession struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeys stores API keys as cache sessions under "api_key:<key>". Keys
// live only as long as their session entry.
type APIKeys struct {
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewAPIKeys creates an API key registry. A ttl over 30 days is clamped
// by the cache.
func NewAPIKeys(c *cache.Cache, ttl time.Duration) *APIKeys {
	return &APIKeys{cache: c, ttl: ttl, now: time.Now}
}

func sessionID(key string) string {
	return "api_key:" + key
}

// Issue creates and stores a new key for the user.
func (k *APIKeys) Issue(ctx context.Context, userID int64, username string) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	sess := APIKeySession{UserID: userID, Username: username, CreatedAt: k.now().UTC()}
	if !k.cache.SetSession(ctx, sessionID(key), sess, k.ttl) {
		return "", errors.New("api key store unavailable")
	}
	return key, nil
}

// VerifyAPIKey resolves key to its session. Unknown, expired and
// malformed keys wrap ErrInvalidToken.
func (k *APIKeys) VerifyAPIKey(ctx context.Context, key string) (*APIKeySession, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(key) != len(APIKeyPrefix)+64 {
		return nil, fmt.Errorf("%w: malformed api key", ErrInvalidToken)
	}
	var sess APIKeySession
	if !k.cache.GetSession(ctx, sessionID(key), &sess) {
		return nil, fmt.Errorf("%w: unknown api key", ErrInvalidToken)
	}
	return &sess, nil
}

// Revoke deletes the key.
func (k *APIKeys) Revoke(ctx context.Context, key string) {
	k.cache.DeleteSession(ctx, sessionID(key))
}

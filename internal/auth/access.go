package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/wpic/wpic/internal/metrics"
)

// ErrPermissionDenied is the terminal outcome of a failed access check.
var ErrPermissionDenied = errors.New("permission denied")

// Decision reasons.
const (
	ReasonAuthDisabled = "auth_disabled"
	ReasonDeleted      = "deleted"
	ReasonExpired      = "expired"
	ReasonOwner        = "owner"
	ReasonFileAccess   = "file_access_token"
	ReasonShareLink    = "share_link"
	ReasonNoGrant      = "no_grant"
)

// FileInfo is the part of a file record that access decisions read.
type FileInfo struct {
	ID          int64
	OwnerID     int64
	Deleted     bool
	ExpiresAt   *time.Time
	AccessToken string // stored share-link token, empty when not shared
}

// Requester identifies who is asking. UserID 0 is anonymous; Token is a
// file_access or share_link token presented with the request.
type Requester struct {
	UserID int64
	Token  string
}

// Decision is the result of CheckPermission.
type Decision struct {
	Allowed bool
	Reason  string
}

// AccessControl evaluates read permission for a single file.
type AccessControl struct {
	tokens  *Tokens
	enabled bool
}

// NewAccessControl creates an evaluator. When enabled is false every
// request is allowed.
func NewAccessControl(tokens *Tokens, enabled bool) *AccessControl {
	return &AccessControl{tokens: tokens, enabled: enabled}
}

// Enabled reports whether access checks are enforced.
func (a *AccessControl) Enabled() bool {
	return a.enabled
}

// CheckPermission decides whether r may read f. Rules are evaluated in
// order and the first match wins.
func (a *AccessControl) CheckPermission(f FileInfo, r Requester) Decision {
	d := a.decide(f, r)
	metrics.RecordPermissionCheck(d.Allowed, d.Reason)
	return d
}

func (a *AccessControl) decide(f FileInfo, r Requester) Decision {
	if !a.enabled {
		return Decision{Allowed: true, Reason: ReasonAuthDisabled}
	}
	if f.Deleted {
		return Decision{Reason: ReasonDeleted}
	}
	if f.ExpiresAt != nil && a.tokens.clock.Now().After(*f.ExpiresAt) {
		return Decision{Reason: ReasonExpired}
	}
	if r.UserID != 0 && r.UserID == f.OwnerID {
		return Decision{Allowed: true, Reason: ReasonOwner}
	}
	if r.Token == "" {
		return Decision{Reason: ReasonNoGrant}
	}

	if claims, err := a.tokens.VerifyTokenType(r.Token, TokenFileAccess); err == nil && claims.FileID == f.ID {
		return Decision{Allowed: true, Reason: ReasonFileAccess}
	}

	// Share links are honored only while they are the token stored on the
	// record, so rotating or clearing it revokes every copy.
	if f.AccessToken != "" && subtle.ConstantTimeCompare([]byte(r.Token), []byte(f.AccessToken)) == 1 {
		if claims, err := a.tokens.VerifyTokenType(r.Token, TokenShareLink); err == nil && claims.FileID == f.ID {
			return Decision{Allowed: true, Reason: ReasonShareLink}
		}
	}
	return Decision{Reason: ReasonNoGrant}
}

// Authorize is CheckPermission as an error: nil on allow, a wrapped
// ErrPermissionDenied carrying the reason on deny.
func (a *AccessControl) Authorize(f FileInfo, r Requester) error {
	d := a.CheckPermission(f, r)
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
}

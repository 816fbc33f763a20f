// Package quota enforces per-user storage quotas.
package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

// ErrQuotaExceeded matches every *ExceededError.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrUnknownUser is returned by ledgers for a user they do not track.
var ErrUnknownUser = errors.New("unknown user")

// ExceededError reports a rejected write.
type ExceededError struct {
	UserID   int64
	Used     int64
	Quota    int64
	Incoming int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded for user %d: %d used + %d incoming > %d",
		e.UserID, e.Used, e.Incoming, e.Quota)
}

// Is makes errors.Is(err, ErrQuotaExceeded) hold.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Ledger holds each user's (used, quota) pair. AddUsage must apply delta
// atomically in the store and never leave used below zero. Reserve adds n
// only if the result stays within quota, in one atomic step; ok is false
// and nothing changes when it would not.
type Ledger interface {
	Usage(ctx context.Context, userID int64) (used, quota int64, err error)
	AddUsage(ctx context.Context, userID int64, delta int64) (int64, error)
	Reserve(ctx context.Context, userID int64, n int64) (used int64, ok bool, err error)
}

// Manager checks and records storage usage.
type Manager struct {
	ledger Ledger
}

// NewManager creates a Manager over ledger.
func NewManager(ledger Ledger) *Manager {
	return &Manager{ledger: ledger}
}

// CheckQuota reports whether incoming more bytes fit: used + incoming <= quota.
func (m *Manager) CheckQuota(ctx context.Context, userID, incoming int64) (bool, error) {
	err := m.Require(ctx, userID, incoming)
	if errors.Is(err, ErrQuotaExceeded) {
		return false, nil
	}
	return err == nil, err
}

// Require returns an *ExceededError when incoming bytes do not fit
// right now. It changes nothing; uploads use Reserve.
func (m *Manager) Require(ctx context.Context, userID, incoming int64) error {
	used, limit, err := m.ledger.Usage(ctx, userID)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}
	if incoming < 0 || used+incoming > limit {
		return m.exceeded(ctx, userID, incoming)
	}
	return nil
}

// Reserve claims incoming bytes for an upload before anything is written
// to a backend. Concurrent reservations can never push usage past the
// quota. On rejection it returns an *ExceededError. The caller must
// Release the bytes if the write does not complete.
func (m *Manager) Reserve(ctx context.Context, userID, incoming int64) error {
	if incoming < 0 {
		return m.exceeded(ctx, userID, incoming)
	}
	_, ok, err := m.ledger.Reserve(ctx, userID, incoming)
	if err != nil {
		return fmt.Errorf("reserve usage: %w", err)
	}
	if !ok {
		return m.exceeded(ctx, userID, incoming)
	}
	return nil
}

// Release returns reserved bytes after a failed write. Failures are
// logged; the usage counter drifts upward until the next correction.
func (m *Manager) Release(ctx context.Context, userID, n int64) {
	if _, err := m.ledger.AddUsage(ctx, userID, -n); err != nil {
		logging.Error("reserved usage not released",
			logging.UserID(userID), zap.Int64("bytes", n), zap.Error(err))
	}
}

func (m *Manager) exceeded(ctx context.Context, userID, incoming int64) error {
	used, limit, err := m.ledger.Usage(ctx, userID)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}
	metrics.RecordQuotaExceeded()
	logging.Info("upload rejected by quota",
		logging.UserID(userID),
		zap.Int64("used", used),
		zap.Int64("quota", limit),
		zap.Int64("incoming", incoming))
	return &ExceededError{UserID: userID, Used: used, Quota: limit, Incoming: incoming}
}

// UpdateUsage adds delta (negative on delete) and returns the new total,
// floored at zero.
func (m *Manager) UpdateUsage(ctx context.Context, userID, delta int64) (int64, error) {
	used, err := m.ledger.AddUsage(ctx, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("update usage: %w", err)
	}
	return used, nil
}

// Usage returns the user's current (used, quota) pair.
func (m *Manager) Usage(ctx context.Context, userID int64) (used, quota int64, err error) {
	return m.ledger.Usage(ctx, userID)
}

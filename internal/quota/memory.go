package quota

import (
	"context"
	"sync"
)

type account struct {
	used  int64
	quota int64
}

// MemoryLedger is an in-process Ledger backed by a map. It serves the
// quota tests and any caller without a database.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[int64]*account
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[int64]*account)}
}

// SetAccount sets a user's usage and quota.
func (l *MemoryLedger) SetAccount(userID, used, quota int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[userID] = &account{used: used, quota: quota}
}

// Usage implements Ledger.
func (l *MemoryLedger) Usage(_ context.Context, userID int64) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[userID]
	if !ok {
		return 0, 0, ErrUnknownUser
	}
	return a.used, a.quota, nil
}

// AddUsage implements Ledger.
func (l *MemoryLedger) AddUsage(_ context.Context, userID, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[userID]
	if !ok {
		return 0, ErrUnknownUser
	}
	a.used = max(0, a.used+delta)
	return a.used, nil
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, userID, n int64) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[userID]
	if !ok {
		return 0, false, ErrUnknownUser
	}
	if a.used+n > a.quota {
		return a.used, false, nil
	}
	a.used += n
	return a.used, true, nil
}

// Package mediatest provides an in-memory metadata store for tests.
package mediatest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/quota"
)

// Store is an in-memory media.Store, quota.Ledger and user directory.
type Store struct {
	mu             sync.Mutex
	users          map[int64]*postgres.User
	files          map[int64]*postgres.FileRecord
	nextID         int64
	accessLogs     []postgres.AccessLog

	// FailSoftDelete, when set, is returned by SoftDeleteFile.
	FailSoftDelete error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		users: make(map[int64]*postgres.User),
		files: make(map[int64]*postgres.FileRecord),
	}
}

// AddUser adds an active local-storage user with the given quota.
func (m *Store) AddUser(id, storageQuota int64) {
	m.PutUser(&postgres.User{
		ID:           id,
		Username:     fmt.Sprintf("user%d", id),
		IsActive:     true,
		StorageType:  "local",
		StorageQuota: storageQuota,
	})
}

// PutUser stores a copy of u, replacing any user with the same ID.
func (m *Store) PutUser(u *postgres.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *u
	m.users[u.ID] = &c
}

// File returns a copy of a stored record, or nil.
func (m *Store) File(id int64) *postgres.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	c := *f
	return &c
}

// AccessLogs returns the recorded reads.
func (m *Store) AccessLogs() []postgres.AccessLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]postgres.AccessLog(nil), m.accessLogs...)
}

func (m *Store) GetUserByUsername(_ context.Context, username string) (*postgres.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Store) GetUser(_ context.Context, id int64) (*postgres.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m *Store) UpdateStorageSettings(_ context.Context, userID int64, storageType string, cfg json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return quota.ErrUnknownUser
	}
	// Copy on write: GetUser callers share the previous map.
	configs := maps.Clone(u.StorageConfigs)
	if configs == nil {
		configs = make(map[string]json.RawMessage)
	}
	configs[storageType] = cfg
	u.StorageType = storageType
	u.StorageConfig = cfg
	u.StorageConfigs = configs
	return nil
}

func (m *Store) CreateFile(_ context.Context, f *postgres.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.ID = m.nextID
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt
	c := *f
	m.files[f.ID] = &c
	return nil
}

func (m *Store) GetFile(_ context.Context, id int64) (*postgres.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (m *Store) GetFileByHash(_ context.Context, userID int64, hash string) (*postgres.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.UserID == userID && f.FileHash == hash && f.Status == postgres.StatusActive {
			c := *f
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Store) ListFiles(_ context.Context, userID int64, offset, limit int) ([]*postgres.FileRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*postgres.FileRecord
	for _, f := range m.files {
		if f.UserID == userID && f.Status == postgres.StatusActive {
			c := *f
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (m *Store) SoftDeleteFile(_ context.Context, fileID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSoftDelete != nil {
		return false, m.FailSoftDelete
	}
	f, ok := m.files[fileID]
	if !ok || f.UserID != userID || f.Status != postgres.StatusActive {
		return false, nil
	}
	f.Status = postgres.StatusDeleted
	return true, nil
}

func (m *Store) SetAccessToken(_ context.Context, fileID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[fileID]; ok {
		f.AccessToken = token
	}
	return nil
}

func (m *Store) IncrementDownloadCount(_ context.Context, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[fileID]; ok {
		f.DownloadCount++
	}
	return nil
}

func (m *Store) RecordAccess(_ context.Context, entry postgres.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessLogs = append(m.accessLogs, entry)
	return nil
}

func (m *Store) Usage(_ context.Context, userID int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, 0, quota.ErrUnknownUser
	}
	return u.StorageUsed, u.StorageQuota, nil
}

func (m *Store) AddUsage(_ context.Context, userID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, quota.ErrUnknownUser
	}
	u.StorageUsed = max(0, u.StorageUsed+delta)
	return u.StorageUsed, nil
}

func (m *Store) Reserve(_ context.Context, userID, n int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, false, quota.ErrUnknownUser
	}
	if u.StorageUsed+n > u.StorageQuota {
		return u.StorageUsed, false, nil
	}
	u.StorageUsed += n
	return u.StorageUsed, true, nil
}

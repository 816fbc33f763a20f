// Package postgres provides the PostgreSQL-backed store for users, file
// records and access logs.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
	"github.com/wpic/wpic/internal/quota"
)

// FileStatus is the logical lifecycle of a file record. Only active
// records are servable, whatever the backend holds.
type FileStatus string

const (
	StatusUploading FileStatus = "uploading"
	StatusActive    FileStatus = "active"
	StatusDeleted   FileStatus = "deleted"
)

// DefaultStorageQuota is applied to users created without a quota.
const DefaultStorageQuota int64 = 100 << 20

// User maps to wpic_users.
type User struct {
	ID            int64
	Username      string
	Email         string
	PasswordHash  string
	IsActive      bool
	StorageType   string
	StorageConfig json.RawMessage
	// Every type the user has configured, including the current one.
	StorageConfigs map[string]json.RawMessage
	StorageQuota   int64
	StorageUsed    int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConfigFor returns the user's saved settings for storageType, or nil
// when they never configured it.
func (u *User) ConfigFor(storageType string) json.RawMessage {
	if storageType == u.StorageType {
		return u.StorageConfig
	}
	return u.StorageConfigs[storageType]
}

// FileRecord maps to wpic_file_records.
type FileRecord struct {
	ID               int64
	UserID           int64
	Filename         string
	OriginalFilename string
	FilePath         string
	FileSize         int64
	ContentType      string
	FileHash         string
	Width            int
	Height           int
	Format           string
	StorageType      string
	Status           FileStatus
	AccessToken      string
	DownloadCount    int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
}

// AccessLog is one read of a file.
type AccessLog struct {
	FileID     int64
	IPAddress  string
	UserAgent  string
	Referer    string
	AccessType string // view, download, thumbnail, preview
}

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New opens and pings a PostgreSQL database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs every *.up.sql file in migrationsDir in name order. The
// files must be idempotent; all of them run on every start.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery(query, time.Since(start)) }
}

const userColumns = `id, username, email, password_hash, is_active, storage_type, storage_config,
	storage_configs, storage_quota, storage_used, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var cfg, cfgs []byte
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive,
		&u.StorageType, &cfg, &cfgs, &u.StorageQuota, &u.StorageUsed, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		u.StorageConfig = json.RawMessage(cfg)
	}
	if len(cfgs) > 0 {
		if err := json.Unmarshal(cfgs, &u.StorageConfigs); err != nil {
			return nil, fmt.Errorf("decode storage_configs: %w", err)
		}
	}
	return &u, nil
}

// GetUser returns a user by ID, or nil if none exists.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	defer observe("get_user")()

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM wpic_users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns a user by name, or nil if none exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	defer observe("get_user_by_username")()

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM wpic_users WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// CreateUser inserts u and fills its ID and timestamps.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	defer observe("create_user")()

	if u.StorageType == "" {
		u.StorageType = "local"
	}
	if u.StorageQuota == 0 {
		u.StorageQuota = DefaultStorageQuota
	}
	cfg := "{}"
	if len(u.StorageConfig) > 0 {
		cfg = string(u.StorageConfig)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO wpic_users (username, email, password_hash, is_active, storage_type, storage_config, storage_quota)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		u.Username, u.Email, u.PasswordHash, u.IsActive, u.StorageType, cfg, u.StorageQuota).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	logging.Info("user created", zap.String("username", u.Username), logging.UserID(u.ID))
	return nil
}

// CountUsers returns the number of users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	defer observe("count_users")()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wpic_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// UpdateStorageSettings replaces a user's backend type and config. The
// config is also kept under its type in storage_configs so files already
// written there stay reachable after a later switch.
func (s *Store) UpdateStorageSettings(ctx context.Context, userID int64, storageType string, cfg json.RawMessage) error {
	defer observe("update_storage_settings")()

	raw := "{}"
	if len(cfg) > 0 {
		raw = string(cfg)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE wpic_users SET storage_type = $2, storage_config = $3,
		        storage_configs = storage_configs || jsonb_build_object($4::text, $3::jsonb),
		        updated_at = NOW()
		  WHERE id = $1`,
		userID, storageType, raw, storageType)
	if err != nil {
		return fmt.Errorf("update storage settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update storage settings: %w: %d", quota.ErrUnknownUser, userID)
	}
	return nil
}

// Usage implements quota.Ledger.
func (s *Store) Usage(ctx context.Context, userID int64) (used, limit int64, err error) {
	defer observe("get_usage")()

	err = s.db.QueryRowContext(ctx,
		`SELECT storage_used, storage_quota FROM wpic_users WHERE id = $1`, userID).
		Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: %d", quota.ErrUnknownUser, userID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get usage: %w", err)
	}
	return used, limit, nil
}

// AddUsage implements quota.Ledger with a single UPDATE, so concurrent
// uploads by the same user never lose an increment.
func (s *Store) AddUsage(ctx context.Context, userID, delta int64) (int64, error) {
	defer observe("add_usage")()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE wpic_users SET storage_used = GREATEST(0, storage_used + $2), updated_at = NOW()
		 WHERE id = $1 RETURNING storage_used`, userID, delta).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %d", quota.ErrUnknownUser, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("add usage: %w", err)
	}
	return used, nil
}

// Reserve implements quota.Ledger. The quota test and the increment are
// one conditional UPDATE, so concurrent uploads cannot overshoot.
func (s *Store) Reserve(ctx context.Context, userID, n int64) (int64, bool, error) {
	defer observe("reserve_usage")()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE wpic_users SET storage_used = storage_used + $2, updated_at = NOW()
		 WHERE id = $1 AND storage_used + $2 <= storage_quota RETURNING storage_used`, userID, n).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		// Over quota or no such user; Usage tells them apart.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reserve usage: %w", err)
	}
	return used, true, nil
}

const fileColumns = `id, user_id, filename, original_filename, file_path, file_size, content_type,
	file_hash, width, height, format, storage_type, status, access_token, download_count,
	created_at, updated_at, expires_at`

func scanFile(row interface{ Scan(...any) error }) (*FileRecord, error) {
	var f FileRecord
	var expires sql.NullTime
	var token sql.NullString
	if err := row.Scan(&f.ID, &f.UserID, &f.Filename, &f.OriginalFilename, &f.FilePath,
		&f.FileSize, &f.ContentType, &f.FileHash, &f.Width, &f.Height, &f.Format,
		&f.StorageType, &f.Status, &token, &f.DownloadCount,
		&f.CreatedAt, &f.UpdatedAt, &expires); err != nil {
		return nil, err
	}
	f.AccessToken = token.String
	if expires.Valid {
		t := expires.Time
		f.ExpiresAt = &t
	}
	return &f, nil
}

// CreateFile inserts f and fills its ID and timestamps.
func (s *Store) CreateFile(ctx context.Context, f *FileRecord) error {
	defer observe("create_file")()

	if f.Status == "" {
		f.Status = StatusActive
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO wpic_file_records
		 (user_id, filename, original_filename, file_path, file_size, content_type, file_hash,
		  width, height, format, storage_type, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		f.UserID, f.Filename, f.OriginalFilename, f.FilePath, f.FileSize, f.ContentType, f.FileHash,
		f.Width, f.Height, f.Format, f.StorageType, f.Status, f.ExpiresAt).
		Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	logging.Debug("file record created", logging.FileID(f.ID), logging.UserID(f.UserID),
		zap.String("path", f.FilePath))
	return nil
}

// GetFile returns a file record by ID in any status, or nil if none exists.
func (s *Store) GetFile(ctx context.Context, id int64) (*FileRecord, error) {
	defer observe("get_file")()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM wpic_file_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// GetFileByHash returns the user's active file with the given content
// hash, or nil.
func (s *Store) GetFileByHash(ctx context.Context, userID int64, hash string) (*FileRecord, error) {
	defer observe("get_file_by_hash")()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM wpic_file_records
		 WHERE user_id = $1 AND file_hash = $2 AND status = 'active'
		 ORDER BY id LIMIT 1`, userID, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by hash: %w", err)
	}
	return f, nil
}

// ListFiles returns a page of the user's active files, newest first, and
// the total number of active files.
func (s *Store) ListFiles(ctx context.Context, userID int64, offset, limit int) ([]*FileRecord, int64, error) {
	defer observe("list_files")()

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wpic_file_records WHERE user_id = $1 AND status = 'active'`, userID).
		Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM wpic_file_records
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`, userID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, total, rows.Err()
}

// SoftDeleteFile marks the user's active file deleted. It reports whether
// a record changed state.
func (s *Store) SoftDeleteFile(ctx context.Context, fileID, userID int64) (bool, error) {
	defer observe("soft_delete_file")()

	res, err := s.db.ExecContext(ctx,
		`UPDATE wpic_file_records SET status = 'deleted', updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = 'active'`, fileID, userID)
	if err != nil {
		return false, fmt.Errorf("soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete: %w", err)
	}
	logging.Debug("soft-deleted file", logging.FileID(fileID), logging.UserID(userID), zap.Int64("rows", n))
	return n > 0, nil
}

// SetAccessToken stores the file's share-link token. An empty token
// clears it.
func (s *Store) SetAccessToken(ctx context.Context, fileID int64, token string) error {
	defer observe("set_access_token")()

	_, err := s.db.ExecContext(ctx,
		`UPDATE wpic_file_records SET access_token = $2, updated_at = NOW() WHERE id = $1`,
		fileID, token)
	if err != nil {
		return fmt.Errorf("set access token: %w", err)
	}
	return nil
}

// IncrementDownloadCount bumps the download counter atomically.
func (s *Store) IncrementDownloadCount(ctx context.Context, fileID int64) error {
	defer observe("increment_download_count")()

	_, err := s.db.ExecContext(ctx,
		`UPDATE wpic_file_records SET download_count = download_count + 1 WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}

// RecordAccess appends an access log entry.
func (s *Store) RecordAccess(ctx context.Context, entry AccessLog) error {
	defer observe("record_access")()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wpic_access_logs (file_record_id, ip_address, user_agent, referer, access_type)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.FileID, entry.IPAddress, entry.UserAgent, entry.Referer, entry.AccessType)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

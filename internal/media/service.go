// Package media implements the upload and read flows on top of storage,
// cache, access control, quota and image derivation.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/cache"
	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/quota"
	"github.com/wpic/wpic/internal/storage"
)

var (
	// ErrNotFound is returned for files that do not exist or are no longer
	// servable.
	ErrNotFound = errors.New("file not found")
	// ErrContentMissing means the record exists but the backend confirms
	// the object is gone.
	ErrContentMissing = errors.New("file content missing from storage")
	ErrEmptyFile      = errors.New("empty file")
	ErrFileTooLarge   = errors.New("file too large")
	ErrUnsupported    = errors.New("unsupported file type")
)

// Delete steps reported by DeleteError.
const (
	StepMetadata = "metadata"
	StepStorage  = "storage"
)

// DeleteError reports which half of a delete failed. When Step is
// StepStorage the record is already deleted and usage already released;
// only the physical object may remain.
type DeleteError struct {
	FileID int64
	Step   string
	Err    error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete file %d: %s step failed: %v", e.FileID, e.Step, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// Store is the metadata the service reads and writes.
type Store interface {
	GetUser(ctx context.Context, id int64) (*postgres.User, error)
	UpdateStorageSettings(ctx context.Context, userID int64, storageType string, cfg json.RawMessage) error
	CreateFile(ctx context.Context, f *postgres.FileRecord) error
	GetFile(ctx context.Context, id int64) (*postgres.FileRecord, error)
	GetFileByHash(ctx context.Context, userID int64, hash string) (*postgres.FileRecord, error)
	ListFiles(ctx context.Context, userID int64, offset, limit int) ([]*postgres.FileRecord, int64, error)
	SoftDeleteFile(ctx context.Context, fileID, userID int64) (bool, error)
	SetAccessToken(ctx context.Context, fileID int64, token string) error
	IncrementDownloadCount(ctx context.Context, fileID int64) error
	RecordAccess(ctx context.Context, entry postgres.AccessLog) error
}

// DeriveFunc produces a rendition.
type DeriveFunc func(data []byte, opts gallery.Options) ([]byte, error)

// Config holds upload limits and rendition presets.
type Config struct {
	MaxFileSize           int64
	AllowedExtensions     []string
	Thumbnail             gallery.Options
	Preview               gallery.Options
	ShareLinkDefaultHours int
	PresignExpiry         time.Duration
}

// Service wires the read and write paths. It is safe for concurrent use.
type Service struct {
	cfg     Config
	store   Store
	router  *storage.Router
	cache   *cache.Cache
	tokens  *auth.Tokens
	access  *auth.AccessControl
	quotas  *quota.Manager
	derive  DeriveFunc
	clock   clock.Clock
	prewarm *gallery.Processor
	events  *events.Broadcaster
	allowed map[string]bool
}

// Option customizes a Service.
type Option func(*Service)

// WithDeriver replaces gallery.Resize.
func WithDeriver(fn DeriveFunc) Option {
	return func(s *Service) { s.derive = fn }
}

// WithEvents publishes file changes to b.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

// WithClock sets the clock used for upload timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// New creates a Service.
func New(cfg Config, store Store, router *storage.Router, c *cache.Cache,
	tokens *auth.Tokens, access *auth.AccessControl, quotas *quota.Manager, opts ...Option) *Service {
	if cfg.ShareLinkDefaultHours <= 0 {
		cfg.ShareLinkDefaultHours = 24
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = time.Hour
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		router:  router,
		cache:   c,
		tokens:  tokens,
		access:  access,
		quotas:  quotas,
		derive:  gallery.Resize,
		clock:   tokens.Clock(),
		allowed: make(map[string]bool),
	}
	for _, ext := range cfg.AllowedExtensions {
		s.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartPrewarm derives thumbnails in the background after each upload.
func (s *Service) StartPrewarm(ctx context.Context, workers int) {
	s.prewarm = gallery.NewProcessor(s.Warm, workers, 0)
	s.prewarm.Start(ctx)
}

// StopPrewarm stops the background workers, if any.
func (s *Service) StopPrewarm() {
	if s.prewarm != nil {
		s.prewarm.Stop()
	}
}

// Requester is the caller of a read.
type Requester struct {
	UserID    int64
	Token     string
	IP        string
	UserAgent string
	Referer   string
}

// Content is what a read returns.
type Content struct {
	Data        []byte
	ContentType string
	Filename    string
	Derived     bool // false when a rendition fell back to the original
	Record      *postgres.FileRecord
}

func fileInfo(f *postgres.FileRecord) auth.FileInfo {
	return auth.FileInfo{
		ID:          f.ID,
		OwnerID:     f.UserID,
		Deleted:     f.Status == postgres.StatusDeleted,
		ExpiresAt:   f.ExpiresAt,
		AccessToken: f.AccessToken,
	}
}

// authorizedFile loads a record and runs the access decision. Records
// that are not active are never served, even when auth is disabled.
func (s *Service) authorizedFile(ctx context.Context, fileID int64, req Requester) (*postgres.FileRecord, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotFound
	}
	if err := s.access.Authorize(fileInfo(f), auth.Requester{UserID: req.UserID, Token: req.Token}); err != nil {
		return nil, err
	}
	if f.Status != postgres.StatusActive {
		return nil, ErrNotFound
	}
	return f, nil
}

// ownedFile loads an active record owned by userID.
func (s *Service) ownedFile(ctx context.Context, fileID, userID int64) (*postgres.FileRecord, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil || f.Status != postgres.StatusActive {
		return nil, ErrNotFound
	}
	if f.UserID != userID {
		return nil, fmt.Errorf("%w: not the owner", auth.ErrPermissionDenied)
	}
	return f, nil
}

func (s *Service) user(ctx context.Context, userID int64) (*postgres.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %d", quota.ErrUnknownUser, userID)
	}
	return u, nil
}

// backendFor resolves the backend holding objects of storageType for u,
// using the settings the user last saved for that type. Objects left on
// a type the user never configured resolve with process defaults.
func (s *Service) backendFor(ctx context.Context, u *postgres.User, storageType string) (storage.Backend, error) {
	return s.router.BackendFor(ctx, u.ID, storage.BackendType(storageType), u.ConfigFor(storageType))
}

func (s *Service) fileBackend(ctx context.Context, f *postgres.FileRecord) (storage.Backend, error) {
	u, err := s.user(ctx, f.UserID)
	if err != nil {
		return nil, err
	}
	return s.backendFor(ctx, u, f.StorageType)
}

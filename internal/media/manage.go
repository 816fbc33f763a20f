package media

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/storage"
)

// ShareLink is a generated share token.
type ShareLink struct {
	FileID    int64     `json:"file_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Share issues a share link for the owner's file and stores it on the
// record, replacing any previous link. ttlHours of zero uses the default.
// The file's own expiry is left unchanged.
func (s *Service) Share(ctx context.Context, fileID, ownerID int64, ttlHours int) (*ShareLink, error) {
	f, err := s.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, err
	}
	if ttlHours <= 0 {
		ttlHours = s.cfg.ShareLinkDefaultHours
	}
	token, exp, err := s.tokens.GenerateShareLink(f.ID, ownerID, ttlHours)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAccessToken(ctx, f.ID, token); err != nil {
		return nil, err
	}
	s.events.Publish(events.Event{Type: events.EventShare, UserID: ownerID, FileID: f.ID})
	logging.Info("share link created", logging.FileID(f.ID), logging.UserID(ownerID), zap.Time("expires_at", exp))
	return &ShareLink{FileID: f.ID, Token: token, ExpiresAt: exp}, nil
}

// RevokeShare clears the stored share link, invalidating every copy.
func (s *Service) RevokeShare(ctx context.Context, fileID, ownerID int64) error {
	f, err := s.ownedFile(ctx, fileID, ownerID)
	if err != nil {
		return err
	}
	if err := s.store.SetAccessToken(ctx, f.ID, ""); err != nil {
		return err
	}
	s.events.Publish(events.Event{Type: events.EventShareRevoke, UserID: ownerID, FileID: f.ID})
	logging.Info("share link revoked", logging.FileID(f.ID), logging.UserID(ownerID))
	return nil
}

// Delete soft-deletes the record, releases its usage, drops cached
// entries, then removes the object. A failure is a *DeleteError naming
// the step.
func (s *Service) Delete(ctx context.Context, fileID, userID int64) error {
	f, err := s.ownedFile(ctx, fileID, userID)
	if err != nil {
		return err
	}

	changed, err := s.store.SoftDeleteFile(ctx, f.ID, userID)
	if err != nil {
		return &DeleteError{FileID: f.ID, Step: StepMetadata, Err: err}
	}
	if !changed {
		// A concurrent delete won; it owns the rest of the work.
		return ErrNotFound
	}

	if _, err := s.quotas.UpdateUsage(ctx, userID, -f.FileSize); err != nil {
		logging.Error("usage not released for delete",
			logging.UserID(userID), logging.FileID(f.ID), zap.Int64("bytes", f.FileSize), zap.Error(err))
	}
	s.cache.DeleteFile(ctx, f.FilePath)
	s.events.Publish(events.Event{
		Type:     events.EventDelete,
		UserID:   userID,
		FileID:   f.ID,
		Filename: f.OriginalFilename,
		Size:     f.FileSize,
	})

	backend, err := s.fileBackend(ctx, f)
	if err != nil {
		return &DeleteError{FileID: f.ID, Step: StepStorage, Err: err}
	}
	if err := backend.Delete(ctx, f.FilePath); err != nil {
		return &DeleteError{FileID: f.ID, Step: StepStorage, Err: err}
	}
	logging.Info("file deleted", logging.FileID(f.ID), logging.UserID(userID), zap.String("path", f.FilePath))
	return nil
}

// List returns a page of the user's active files.
func (s *Service) List(ctx context.Context, userID int64, offset, limit int) ([]*postgres.FileRecord, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListFiles(ctx, userID, offset, limit)
}

// Usage is the user's storage report.
type Usage struct {
	Used      int64   `json:"storage_used"`
	Quota     int64   `json:"storage_quota"`
	Remaining int64   `json:"remaining"`
	Percent   float64 `json:"usage_percent"`
}

// StorageUsage reports the user's usage against quota.
func (s *Service) StorageUsage(ctx context.Context, userID int64) (*Usage, error) {
	used, limit, err := s.quotas.Usage(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := &Usage{Used: used, Quota: limit, Remaining: max(0, limit-used)}
	if limit > 0 {
		u.Percent = float64(used) / float64(limit) * 100
	}
	return u, nil
}

// ChangeStorage validates and persists a user's backend settings, then
// drops the user's cached backend instances so the new settings apply.
func (s *Service) ChangeStorage(ctx context.Context, userID int64, storageType storage.BackendType, cfg json.RawMessage) error {
	if _, err := s.user(ctx, userID); err != nil {
		return err
	}
	if err := s.router.ValidateConfig(ctx, userID, storageType, cfg); err != nil {
		return err
	}
	if err := s.store.UpdateStorageSettings(ctx, userID, string(storageType), cfg); err != nil {
		return err
	}
	s.router.ClearCache(userID)
	s.events.Publish(events.Event{Type: events.EventStorage, UserID: userID})
	logging.Info("storage settings changed", logging.UserID(userID), zap.String("backend", string(storageType)))
	return nil
}

// TestStorage round-trips a probe object through the user's backend.
func (s *Service) TestStorage(ctx context.Context, userID int64) error {
	u, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	backend, err := s.backendFor(ctx, u, u.StorageType)
	if err != nil {
		return err
	}
	return storage.TestConnection(ctx, backend)
}

package media

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/metrics"
)

// Upload validates and stores an image for userID. A byte-identical active
// upload by the same user is returned instead of storing a copy; the bool
// reports that case.
func (s *Service) Upload(ctx context.Context, userID int64, originalName string, data []byte) (*postgres.FileRecord, bool, error) {
	rec, dup, err := s.upload(ctx, userID, originalName, data)
	if err != nil {
		metrics.RecordUpload(int64(len(data)), false)
		return nil, false, err
	}
	if !dup {
		metrics.RecordUpload(rec.FileSize, true)
	}
	return rec, dup, nil
}

func (s *Service) upload(ctx context.Context, userID int64, originalName string, data []byte) (*postgres.FileRecord, bool, error) {
	size := int64(len(data))
	switch {
	case size == 0:
		return nil, false, ErrEmptyFile
	case s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize:
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, s.cfg.MaxFileSize)
	}
	ext := auth.Extension(originalName)
	if !s.allowed[ext] {
		return nil, false, fmt.Errorf("%w: extension %q", ErrUnsupported, ext)
	}

	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	hash := auth.FileHash(data)
	existing, err := s.store.GetFileByHash(ctx, userID, hash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		logging.Debug("duplicate upload", logging.UserID(userID), logging.FileID(existing.ID))
		return existing, true, nil
	}

	info, err := gallery.Inspect(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	backend, err := s.backendFor(ctx, u, u.StorageType)
	if err != nil {
		return nil, false, err
	}

	// The bytes are claimed before the write and handed back if it fails.
	if err := s.quotas.Reserve(ctx, userID, size); err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			s.quotas.Release(context.WithoutCancel(ctx), userID, size)
		}
	}()

	now := s.clock.Now()
	name, err := auth.SecureFilename(now, userID, originalName)
	if err != nil {
		return nil, false, err
	}
	path := auth.UploadPath(now, name)

	if err := backend.Save(ctx, path, data); err != nil {
		return nil, false, err
	}

	rec := &postgres.FileRecord{
		UserID:           userID,
		Filename:         name,
		OriginalFilename: originalName,
		FilePath:         path,
		FileSize:         size,
		ContentType:      "image/" + info.Format,
		FileHash:         hash,
		Width:            info.Width,
		Height:           info.Height,
		Format:           info.Format,
		StorageType:      backend.Type(),
		Status:           postgres.StatusActive,
	}
	if err := s.store.CreateFile(ctx, rec); err != nil {
		// The object is unreachable without its record.
		if derr := backend.Delete(context.WithoutCancel(ctx), path); derr != nil {
			logging.Warn("orphaned object after failed insert", zap.String("path", path), zap.Error(derr))
		}
		return nil, false, err
	}

	committed = true
	s.cache.DeleteFile(ctx, path)

	if s.prewarm != nil {
		s.prewarm.Enqueue(gallery.Job{FileID: rec.ID, Path: path})
	}

	s.events.Publish(events.Event{
		Type:     events.EventUpload,
		UserID:   userID,
		FileID:   rec.ID,
		Filename: originalName,
		Size:     size,
	})

	logging.Info("file uploaded",
		logging.UserID(userID),
		logging.FileID(rec.ID),
		zap.String("path", path),
		zap.Int64("bytes", size),
		zap.String("backend", rec.StorageType))
	return rec, false, nil
}

// Warm derives and caches the thumbnail of one file.
func (s *Service) Warm(ctx context.Context, job gallery.Job) error {
	f, err := s.store.GetFile(ctx, job.FileID)
	if err != nil {
		return err
	}
	if f == nil || f.Status != postgres.StatusActive {
		return ErrNotFound
	}
	_, err = s.rendition(ctx, f, s.cfg.Thumbnail, "thumbnail")
	return err
}

package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/cache"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/metrics"
	"github.com/wpic/wpic/internal/storage"
)

// Download returns the original bytes of a file and counts the download.
func (s *Service) Download(ctx context.Context, fileID int64, req Requester) (*Content, error) {
	f, err := s.authorizedFile(ctx, fileID, req)
	if err != nil {
		return nil, err
	}
	data, source, err := s.raw(ctx, f)
	if err != nil {
		return nil, err
	}

	s.cache.IncrementCounter(ctx, f.FilePath)
	if err := s.store.IncrementDownloadCount(ctx, f.ID); err != nil {
		logging.Warn("download count not recorded", logging.FileID(f.ID), zap.Error(err))
	}
	s.logAccess(ctx, f, req, "download")
	metrics.RecordDownload("original", source)

	return &Content{
		Data:        data,
		ContentType: f.ContentType,
		Filename:    f.OriginalFilename,
		Derived:     false,
		Record:      f,
	}, nil
}

// DirectURL returns a time-limited backend URL for a file the requester
// may read. Backends that cannot issue one return storage.ErrNoPublicURL.
func (s *Service) DirectURL(ctx context.Context, fileID int64, req Requester) (string, time.Duration, error) {
	f, err := s.authorizedFile(ctx, fileID, req)
	if err != nil {
		return "", 0, err
	}
	backend, err := s.fileBackend(ctx, f)
	if err != nil {
		return "", 0, err
	}
	u, err := backend.PublicURL(ctx, f.FilePath, s.cfg.PresignExpiry)
	if err != nil {
		return "", 0, err
	}
	s.logAccess(ctx, f, req, "direct_url")
	return u, s.cfg.PresignExpiry, nil
}

// Thumbnail returns the thumbnail preset rendition.
func (s *Service) Thumbnail(ctx context.Context, fileID int64, req Requester) (*Content, error) {
	return s.Derivative(ctx, fileID, req, s.cfg.Thumbnail, "thumbnail")
}

// Preview returns the preview preset rendition.
func (s *Service) Preview(ctx context.Context, fileID int64, req Requester) (*Content, error) {
	return s.Derivative(ctx, fileID, req, s.cfg.Preview, "preview")
}

// Derivative returns a rendition of a file. When the image cannot be
// derived the original bytes are returned with Derived false.
func (s *Service) Derivative(ctx context.Context, fileID int64, req Requester, opts gallery.Options, kind string) (*Content, error) {
	f, err := s.authorizedFile(ctx, fileID, req)
	if err != nil {
		return nil, err
	}
	c, err := s.rendition(ctx, f, opts, kind)
	if err != nil {
		return nil, err
	}
	s.logAccess(ctx, f, req, kind)
	return c, nil
}

// rendition serves from the derivative cache, or fetches the original,
// derives and populates the cache.
func (s *Service) rendition(ctx context.Context, f *postgres.FileRecord, opts gallery.Options, kind string) (*Content, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	spec := cache.ThumbSpec{Width: opts.Width, Height: opts.Height, Format: opts.Format}
	derived := &Content{
		ContentType: "image/" + opts.Format,
		Filename:    f.OriginalFilename,
		Derived:     true,
		Record:      f,
	}

	if data, ok := s.cache.GetThumb(ctx, f.FilePath, spec); ok {
		metrics.RecordDownload(kind, "cache")
		derived.Data = data
		return derived, nil
	}

	raw, _, err := s.raw(ctx, f)
	if err != nil {
		return nil, err
	}

	data, err := s.derive(raw, opts)
	if err != nil {
		var de *gallery.DerivationError
		if !errors.As(err, &de) {
			return nil, err
		}
		logging.Debug("no derivative available, serving original",
			logging.FileID(f.ID), zap.String("kind", kind), zap.Error(err))
		metrics.RecordDownload(kind, "fallback")
		return &Content{Data: raw, ContentType: f.ContentType, Filename: f.OriginalFilename, Record: f}, nil
	}

	s.cache.SetThumb(ctx, f.FilePath, spec, data, 0)
	metrics.RecordDownload(kind, "derived")
	derived.Data = data
	return derived, nil
}

// raw returns the original bytes from the cache or the backend, and where
// they came from.
func (s *Service) raw(ctx context.Context, f *postgres.FileRecord) ([]byte, string, error) {
	if data, ok := s.cache.GetFile(ctx, f.FilePath); ok {
		return data, "cache", nil
	}
	backend, err := s.fileBackend(ctx, f)
	if err != nil {
		return nil, "", err
	}
	data, err := backend.Read(ctx, f.FilePath)
	if errors.Is(err, storage.ErrNotFound) {
		logging.Warn("record without object", logging.FileID(f.ID), zap.String("path", f.FilePath))
		return nil, "", fmt.Errorf("%w: file %d", ErrContentMissing, f.ID)
	}
	if err != nil {
		return nil, "", err
	}
	s.cache.SetFile(ctx, f.FilePath, data, 0)
	return data, "backend", nil
}

func (s *Service) logAccess(ctx context.Context, f *postgres.FileRecord, req Requester, kind string) {
	if req.IP == "" {
		return
	}
	err := s.store.RecordAccess(ctx, postgres.AccessLog{
		FileID:     f.ID,
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
		Referer:    req.Referer,
		AccessType: kind,
	})
	if err != nil {
		logging.Debug("access log not recorded", logging.FileID(f.ID), zap.Error(err))
	}
}

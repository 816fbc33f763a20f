package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/media"
	"github.com/wpic/wpic/internal/quota"
	"github.com/wpic/wpic/internal/storage"
)

// statusFor maps a service error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		cfgErr     *storage.ConfigError
		storeErr   *storage.StorageError
		deriveErr  *gallery.DerivationError
		deleteErr  *media.DeleteError
		quotaError *quota.ExceededError
	)
	switch {
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, media.ErrNotFound), errors.Is(err, media.ErrContentMissing):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, storage.ErrNoPublicURL):
		return http.StatusNotFound, "no direct url for this storage backend"
	case errors.Is(err, quota.ErrUnknownUser):
		return http.StatusNotFound, "user not found"
	case errors.As(err, &quotaError):
		return http.StatusRequestEntityTooLarge, quotaError.Error()
	case errors.Is(err, media.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, media.ErrEmptyFile), errors.Is(err, media.ErrUnsupported):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, cfgErr.Error()
	case errors.As(err, &deriveErr):
		return http.StatusBadRequest, deriveErr.Error()
	case errors.As(err, &storeErr):
		if storeErr.Retryable() {
			return http.StatusServiceUnavailable, "storage temporarily unavailable"
		}
		return http.StatusBadGateway, "storage error"
	case errors.As(err, &deleteErr):
		return http.StatusInternalServerError, "delete failed at " + deleteErr.Step
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// sendServiceError logs server-side failures and writes the mapped status.
func sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("route", r.Pattern), zap.Error(err))
	}
	sendError(w, code, msg)
}

package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/storage"
)

type storageRequest struct {
	StorageType string          `json:"storage_type"`
	Config      json.RawMessage `json:"config"`
}

func decodeStorageRequest(w http.ResponseWriter, r *http.Request) (storage.BackendType, json.RawMessage, bool) {
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return "", nil, false
	}
	t, err := storage.ParseType(req.StorageType)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return t, req.Config, true
}

func (s *Server) handleStorageTypes(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"types": storage.SupportedTypes()})
}

func (s *Server) handleValidateStorage(w http.ResponseWriter, r *http.Request) {
	t, cfg, ok := decodeStorageRequest(w, r)
	if !ok {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if err := s.router.ValidateConfig(r.Context(), p.UserID, t, cfg); err != nil {
		if storage.IsConfigError(err) {
			sendJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
			return
		}
		sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleChangeStorage(w http.ResponseWriter, r *http.Request) {
	t, cfg, ok := decodeStorageRequest(w, r)
	if !ok {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if err := s.media.ChangeStorage(r.Context(), p.UserID, t, cfg); err != nil {
		sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"storage_type": t})
}

func (s *Server) handleTestStorage(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if err := s.media.TestStorage(r.Context(), p.UserID); err != nil {
		logging.WithContext(r.Context()).Warn("storage test failed", logging.UserID(p.UserID), zap.Error(err))
		sendJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	u, err := s.media.StorageUsage(r.Context(), p.UserID)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, u)
}

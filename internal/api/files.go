package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/media"
	"github.com/wpic/wpic/internal/metadata/postgres"
)

// fileResponse is the client view of a file record.
type fileResponse struct {
	ID               int64      `json:"id"`
	Filename         string     `json:"filename"`
	OriginalFilename string     `json:"original_filename"`
	Size             int64      `json:"file_size"`
	ContentType      string     `json:"content_type"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	Format           string     `json:"format"`
	StorageType      string     `json:"storage_type"`
	DownloadCount    int64      `json:"download_count"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	URL              string     `json:"url"`
	ThumbnailURL     string     `json:"thumbnail_url"`
	Duplicate        bool       `json:"duplicate,omitempty"`
}

func toFileResponse(f *postgres.FileRecord) fileResponse {
	return fileResponse{
		ID:               f.ID,
		Filename:         f.Filename,
		OriginalFilename: f.OriginalFilename,
		Size:             f.FileSize,
		ContentType:      f.ContentType,
		Width:            f.Width,
		Height:           f.Height,
		Format:           f.Format,
		StorageType:      f.StorageType,
		DownloadCount:    f.DownloadCount,
		CreatedAt:        f.CreatedAt,
		ExpiresAt:        f.ExpiresAt,
		URL:              fmt.Sprintf("/api/v1/files/%d", f.ID),
		ThumbnailURL:     fmt.Sprintf("/api/v1/files/%d/thumbnail", f.ID),
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(w, http.StatusBadRequest, "invalid file id")
		return 0, false
	}
	return id, true
}

// ─── Upload / list / delete ─────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())

	if s.maxUploadSize > 0 {
		if r.ContentLength > s.maxUploadSize+1<<20 {
			sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		// Leave room for the multipart envelope.
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+1<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	var src io.Reader = file
	if s.maxUploadSize > 0 {
		src = io.LimitReader(file, s.maxUploadSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	rec, dup, err := s.media.Upload(r.Context(), p.UserID, header.Filename, data)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	resp := toFileResponse(rec)
	resp.Duplicate = dup
	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	sendJSON(w, code, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	files, total, err := s.media.List(r.Context(), p.UserID, offset, limit)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toFileResponse(f))
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"files":  out,
		"total":  total,
		"offset": max(offset, 0),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if err := s.media.Delete(r.Context(), id, p.UserID); err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Reads ──────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.media.Download(r.Context(), id, requester(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	disposition := "inline"
	if r.URL.Query().Get("download") == "1" {
		disposition = "attachment"
	}
	writeContent(w, c, disposition)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	opts, custom, err := derivativeOptions(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	var c *media.Content
	if custom {
		c, err = s.media.Derivative(r.Context(), id, requester(r), opts, "custom")
	} else {
		c, err = s.media.Thumbnail(r.Context(), id, requester(r))
	}
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeContent(w, c, "inline")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.media.Preview(r.Context(), id, requester(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	writeContent(w, c, "inline")
}

func (s *Server) handleDirectURL(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	u, ttl, err := s.media.DirectURL(r.Context(), id, requester(r))
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"url":        u,
		"expires_in": int(ttl.Seconds()),
	})
}

// derivativeOptions reads ?width=&height=&format=&quality=&keep_aspect=.
// custom is false when no size was requested.
func derivativeOptions(r *http.Request) (gallery.Options, bool, error) {
	q := r.URL.Query()
	if q.Get("width") == "" && q.Get("height") == "" {
		return gallery.Options{}, false, nil
	}
	width, err := strconv.Atoi(q.Get("width"))
	if err != nil {
		return gallery.Options{}, false, fmt.Errorf("invalid width")
	}
	height, err := strconv.Atoi(q.Get("height"))
	if err != nil {
		return gallery.Options{}, false, fmt.Errorf("invalid height")
	}
	opts := gallery.Options{
		Width:      width,
		Height:     height,
		KeepAspect: q.Get("keep_aspect") != "false",
		Format:     q.Get("format"),
	}
	if v := q.Get("quality"); v != "" {
		if opts.Quality, err = strconv.Atoi(v); err != nil {
			return gallery.Options{}, false, fmt.Errorf("invalid quality")
		}
	}
	return opts, true, nil
}

func writeContent(w http.ResponseWriter, c *media.Content, disposition string) {
	w.Header().Set("Content-Type", c.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": c.Filename}))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Derived", strconv.FormatBool(c.Derived))
	w.WriteHeader(http.StatusOK)
	w.Write(c.Data)
}

// ─── Share links ────────────────────────────────────────────────────────────

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpiresHours int `json:"expires_hours"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.ExpiresHours < 0 {
		sendError(w, http.StatusBadRequest, "expires_hours must not be negative")
		return
	}

	p := auth.PrincipalFrom(r.Context())
	link, err := s.media.Share(r.Context(), id, p.UserID, req.ExpiresHours)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	shareURL := fmt.Sprintf("%s://%s/api/v1/files/%d?token=%s", scheme, r.Host, link.FileID, link.Token)
	logging.WithContext(r.Context()).Debug("share url built", logging.FileID(link.FileID), zap.String("host", r.Host))

	sendJSON(w, http.StatusCreated, map[string]any{
		"file_id":    link.FileID,
		"token":      link.Token,
		"url":        shareURL,
		"expires_at": link.ExpiresAt,
	})
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p := auth.PrincipalFrom(r.Context())
	if err := s.media.RevokeShare(r.Context(), id, p.UserID); err != nil {
		sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/cache"
	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/media"
	"github.com/wpic/wpic/internal/media/mediatest"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/quota"
	"github.com/wpic/wpic/internal/storage"
	"github.com/wpic/wpic/internal/storage/local"
)

type testEnv struct {
	handler http.Handler
	store   *mediatest.Store
	tokens  *auth.Tokens
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	store := mediatest.NewStore()
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	store.PutUser(&postgres.User{ID: 1, Username: "alice", PasswordHash: hash, IsActive: true, StorageType: "local", StorageQuota: 10 << 20})
	store.PutUser(&postgres.User{ID: 2, Username: "bob", IsActive: true, StorageType: "local", StorageQuota: 10})

	router := storage.NewRouter(storage.Defaults{Type: storage.TypeLocal, Local: local.Config{BasePath: t.TempDir()}})
	t.Cleanup(func() { _ = router.Close() })

	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cache.Config{})
	t.Cleanup(func() { _ = c.Close() })

	tokens := auth.NewTokens("api-test-secret", testclock.NewClock(time.Now()))
	bus := events.NewBroadcaster()
	svc := media.New(media.Config{
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{"png", "jpg", "jpeg", "gif"},
		Thumbnail:         gallery.Options{Width: 100, Height: 100, KeepAspect: true, Format: "jpeg"},
		Preview:           gallery.Options{Width: 400, Height: 300, KeepAspect: true, Format: "jpeg"},
	}, store, router, c, tokens, auth.NewAccessControl(tokens, true), quota.NewManager(store), media.WithEvents(bus))

	srv := NewServer(Deps{
		Media:         svc,
		Users:         store,
		Router:        router,
		Tokens:        tokens,
		APIKeys:       auth.NewAPIKeys(c, time.Hour),
		MaxUploadSize: 1 << 20,
		Checks:        checks,
		Events:        bus,
	})
	return &testEnv{handler: srv.Handler(), store: store, tokens: tokens}
}

func (e *testEnv) bearer(t *testing.T, userID int64) string {
	t.Helper()
	tok, _, err := e.tokens.CreateBearerToken(userID, fmt.Sprintf("user%d", userID), time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) request(t *testing.T, method, target, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	return e.do(req)
}

func (e *testEnv) upload(t *testing.T, authz, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	return e.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	rec := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])

	env = newTestEnv(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, rec)["status"])
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing fields", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"wrong password", map[string]string{"username": "alice", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "mallory", "password": "x"}, http.StatusUnauthorized},
		{"no password set", map[string]string{"username": "bob", "password": "x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/api/v1/auth/token", "", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := env.request(t, http.MethodPost, "/api/v1/auth/token", "",
		map[string]string{"username": "alice", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "bearer", body["token_type"])

	rec = env.request(t, http.MethodGet, "/api/v1/usage", "Bearer "+token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/files"},
		{http.MethodPost, "/api/v1/files"},
		{http.MethodDelete, "/api/v1/files/1"},
		{http.MethodPost, "/api/v1/files/1/share"},
		{http.MethodPut, "/api/v1/storage"},
		{http.MethodGet, "/api/v1/usage"},
		{http.MethodGet, "/api/v1/events"},
	} {
		rec := env.request(t, route.method, route.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}

	rec := env.request(t, http.MethodGet, "/api/v1/usage", "Bearer not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadDownloadShareDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob := env.bearer(t, 1), env.bearer(t, 2)
	data := testPNG(t)

	rec := env.upload(t, alice, "cat.png", data)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decode[fileResponse](t, rec)
	assert.Equal(t, "cat.png", file.OriginalFilename)
	assert.Equal(t, int64(len(data)), file.Size)
	assert.Equal(t, 40, file.Width)

	rec = env.upload(t, alice, "again.png", data)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[fileResponse](t, rec).Duplicate)

	target := fmt.Sprintf("/api/v1/files/%d", file.ID)

	rec = env.request(t, http.MethodGet, target, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, data, rec.Body.Bytes())

	rec = env.request(t, http.MethodGet, target, bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.request(t, http.MethodGet, target, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodGet, target+"/thumbnail", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "true", rec.Header().Get("X-Derived"))

	rec = env.request(t, http.MethodPost, target+"/share", bob, map[string]int{"expires_hours": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodPost, target+"/share", alice, map[string]int{"expires_hours": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	share := decode[map[string]any](t, rec)
	token, _ := share["token"].(string)
	require.NotEmpty(t, token)
	assert.Contains(t, share["url"], "?token=")

	rec = env.request(t, http.MethodGet, target+"?token="+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.request(t, http.MethodGet, target+"/preview?token="+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.request(t, http.MethodDelete, target+"/share", alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.request(t, http.MethodGet, target+"?token="+token, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/files", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["total"])

	rec = env.request(t, http.MethodDelete, target, bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.request(t, http.MethodDelete, target, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.request(t, http.MethodDelete, target, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.request(t, http.MethodGet, "/api/v1/usage", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[media.Usage](t, rec).Used)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	data := testPNG(t)

	rec := env.upload(t, env.bearer(t, 1), "notes.txt", data)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, env.bearer(t, 1), "broken.png", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// bob's quota is 10 bytes.
	rec = env.upload(t, env.bearer(t, 2), "cat.png", data)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = env.upload(t, env.bearer(t, 1), "big.png", make([]byte, 1<<20+10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", strings.NewReader("raw body"))
	req.Header.Set("Authorization", env.bearer(t, 1))
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestReadErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.bearer(t, 1)

	assert.Equal(t, http.StatusBadRequest, env.request(t, http.MethodGet, "/api/v1/files/abc", alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.request(t, http.MethodGet, "/api/v1/files/999", alice, nil).Code)

	rec := env.upload(t, alice, "cat.png", testPNG(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[fileResponse](t, rec).ID

	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d/thumbnail?width=16&height=16&format=png", id), alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	cfg, _, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 16)

	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d/url", id), alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "local storage has no direct urls")

	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d/thumbnail?width=0&height=16", id), alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/files/%d/thumbnail?width=x&height=16", id), alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.bearer(t, 1)

	rec := env.request(t, http.MethodGet, "/api/v1/storage/types", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decode[map[string][]storage.TypeInfo](t, rec)["types"]
	assert.Len(t, types, 3)

	rec = env.request(t, http.MethodPost, "/api/v1/storage/validate", alice,
		map[string]any{"storage_type": "webdav", "config": map[string]string{"url": "https://dav.example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["valid"])

	rec = env.request(t, http.MethodPost, "/api/v1/storage/validate", alice,
		map[string]any{"storage_type": "ftp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodPut, "/api/v1/storage", alice,
		map[string]any{"storage_type": "s3", "config": map[string]string{"bucket": "b"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodPut, "/api/v1/storage", alice,
		map[string]any{"storage_type": "local", "config": map[string]string{"base_path": t.TempDir()}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "absolute paths escape the user's storage area")
	rec = env.request(t, http.MethodPut, "/api/v1/storage", alice,
		map[string]any{"storage_type": "local", "config": map[string]string{"base_path": "../user_2"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.request(t, http.MethodPut, "/api/v1/storage", alice,
		map[string]any{"storage_type": "webdav", "config": map[string]string{
			"url": "http://127.0.0.1:2375", "username": "u", "password": "p"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "endpoints outside the allow-list are refused")

	rec = env.request(t, http.MethodPut, "/api/v1/storage", alice,
		map[string]any{"storage_type": "local", "config": map[string]string{"base_path": "albums"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	u, err := env.store.GetUser(context.Background(), 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"base_path":"albums"}`, string(u.StorageConfig))

	rec = env.request(t, http.MethodPost, "/api/v1/storage/test", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["success"])
}

func TestDeactivatedUserIsLockedOut(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.bearer(t, 2)
	require.Equal(t, http.StatusOK, env.request(t, http.MethodGet, "/api/v1/usage", bob, nil).Code)

	u, err := env.store.GetUser(context.Background(), 2)
	require.NoError(t, err)
	u.IsActive = false
	env.store.PutUser(u)

	rec := env.request(t, http.MethodGet, "/api/v1/usage", bob, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a still-valid token must not outlive the account")
	rec = env.request(t, http.MethodGet, "/api/v1/files/1", bob, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodPost, "/api/v1/auth/apikey", env.bearer(t, 1), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	key := decode[map[string]string](t, rec)["api_key"]
	require.True(t, strings.HasPrefix(key, auth.APIKeyPrefix))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-API-Key", key)
	assert.Equal(t, http.StatusOK, env.do(req).Code)

	rec = env.request(t, http.MethodDelete, "/api/v1/auth/apikey", env.bearer(t, 2), map[string]string{"api_key": key})
	assert.Equal(t, http.StatusNotFound, rec.Code, "keys can only be revoked by their owner")

	rec = env.request(t, http.MethodDelete, "/api/v1/auth/apikey", "Bearer "+key, map[string]string{"api_key": key})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-API-Key", key)
	assert.Equal(t, http.StatusUnauthorized, env.do(req).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"permission", fmt.Errorf("read: %w", auth.ErrPermissionDenied), http.StatusForbidden},
		{"not found", media.ErrNotFound, http.StatusNotFound},
		{"content missing", fmt.Errorf("%w: file 3", media.ErrContentMissing), http.StatusNotFound},
		{"quota", &quota.ExceededError{UserID: 1, Used: 90, Quota: 100, Incoming: 20}, http.StatusRequestEntityTooLarge},
		{"too large", media.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{"unsupported", media.ErrUnsupported, http.StatusBadRequest},
		{"config", &storage.ConfigError{Backend: "s3", Fields: []string{"bucket"}}, http.StatusBadRequest},
		{"derivation", &gallery.DerivationError{Op: "options", Err: errors.New("bad size")}, http.StatusBadRequest},
		{"storage retryable", &storage.StorageError{Backend: "s3", Op: "read", Status: 503}, http.StatusServiceUnavailable},
		{"storage permanent", &storage.StorageError{Backend: "s3", Op: "read", Status: 403}, http.StatusBadGateway},
		{"delete storage step", &media.DeleteError{FileID: 1, Step: media.StepStorage,
			Err: &storage.StorageError{Backend: "webdav", Op: "delete", Status: 502}}, http.StatusServiceUnavailable},
		{"delete metadata step", &media.DeleteError{FileID: 1, Step: media.StepMetadata, Err: errors.New("db down")}, http.StatusInternalServerError},
		{"no public url", storage.ErrNoPublicURL, http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", env.bearer(t, 1))
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	line, err := lines.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line, "subscribed before the first byte")

	// Another user's upload must not reach alice's stream.
	env.store.PutUser(&postgres.User{ID: 3, Username: "carol", IsActive: true, StorageType: "local", StorageQuota: 10 << 20})
	require.Equal(t, http.StatusCreated, env.upload(t, env.bearer(t, 3), "c.png", testPNG(t)).Code)
	up := env.upload(t, env.bearer(t, 1), "a.png", testPNG(t))
	require.Equal(t, http.StatusCreated, up.Code)
	file := decode[fileResponse](t, up)

	for _, want := range []string{"\n", "event: upload\n"} {
		line, err = lines.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
	line, err = lines.ReadString('\n')
	require.NoError(t, err)
	data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	require.True(t, ok, line)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, int64(1), ev.UserID)
	assert.Equal(t, file.ID, ev.FileID)
	assert.Equal(t, "a.png", ev.Filename)
}

// Package webdav provides a storage backend that talks to a WebDAV server
// over plain HTTP verbs (PUT, GET, DELETE, MKCOL, PROPFIND).
package webdav

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wpic/wpic/internal/storage/blob"
)

const backendName = "webdav"

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config holds WebDAV connection settings.
type Config struct {
	URL      string        `json:"url"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Validate checks that every required field is present and the URL parses.
func (c Config) Validate() error {
	if err := blob.Require(backendName, map[string]string{
		"url":      c.URL,
		"username": c.Username,
		"password": c.Password,
	}); err != nil {
		return err
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("invalid url %q", c.URL)}
	}
	return nil
}

// Backend implements storage.Backend against a WebDAV collection.
// Save and SaveStream hold the whole object in memory for the PUT body;
// ReadStream streams the GET response body.
type Backend struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

// New creates a WebDAV backend. It does not contact the server.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(strings.TrimRight(cfg.URL, "/") + "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Backend{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("parse config: %v", err)}
	}
	return New(cfg)
}

// WithHTTPClient replaces the HTTP client, keeping its timeout as given.
func (b *Backend) WithHTTPClient(c *http.Client) *Backend {
	b.client = c
	return b
}

func (b *Backend) objectURL(clean string) string {
	segs := strings.Split(clean, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return b.base.JoinPath(segs...).String()
}

func (b *Backend) fail(op, key string, status int, err error) error {
	return &blob.StorageError{Backend: backendName, Op: op, Path: key, Status: status, Err: err}
}

func (b *Backend) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.username, b.password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.client.Do(req)
}

// drain discards the rest of a body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// Save creates missing parent collections, then PUTs the object.
func (b *Backend) Save(ctx context.Context, key string, data []byte) error {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return b.fail("save", key, 0, err)
	}
	if err := b.ensureCollections(ctx, clean); err != nil {
		return err
	}

	resp, err := b.do(ctx, http.MethodPut, b.objectURL(clean), data, map[string]string{
		"Content-Type": "application/octet-stream",
	})
	if err != nil {
		return b.fail("save", key, 0, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return b.fail("save", key, resp.StatusCode, nil)
	}
}

// SaveStream buffers src and delegates to Save.
func (b *Backend) SaveStream(ctx context.Context, key string, src io.Reader) error {
	return blob.BufferedSaveStream(ctx, b, key, src)
}

// ensureCollections issues MKCOL for each ancestor of clean. 405 means
// the collection already exists.
func (b *Backend) ensureCollections(ctx context.Context, clean string) error {
	segs := strings.Split(clean, "/")
	for i := 1; i < len(segs); i++ {
		dir := strings.Join(segs[:i], "/")
		resp, err := b.do(ctx, "MKCOL", b.objectURL(dir)+"/", nil, nil)
		if err != nil {
			return b.fail("mkcol", dir, 0, err)
		}
		drain(resp)
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusNoContent, http.StatusMethodNotAllowed:
		default:
			return b.fail("mkcol", dir, resp.StatusCode, nil)
		}
	}
	return nil
}

// Read GETs the object. 404 is absence; other non-2xx statuses are errors.
func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.ReadStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, b.fail("read", key, 0, err)
	}
	return data, nil
}

// ReadStream returns the GET response body. The caller must close it.
func (b *Backend) ReadStream(ctx context.Context, key string) (io.ReadCloser, error) {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return nil, b.fail("read", key, 0, err)
	}
	resp, err := b.do(ctx, http.MethodGet, b.objectURL(clean), nil, nil)
	if err != nil {
		return nil, b.fail("read", key, 0, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, blob.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		drain(resp)
		return nil, b.fail("read", key, resp.StatusCode, nil)
	}
	return resp.Body, nil
}

// Delete removes the object. 404 counts as success.
func (b *Backend) Delete(ctx context.Context, key string) error {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return b.fail("delete", key, 0, err)
	}
	resp, err := b.do(ctx, http.MethodDelete, b.objectURL(clean), nil, nil)
	if err != nil {
		return b.fail("delete", key, 0, err)
	}
	drain(resp)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	default:
		return b.fail("delete", key, resp.StatusCode, nil)
	}
}

// Exists reports whether the object is present.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Size(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type multistatus struct {
	Responses []struct {
		Propstat []struct {
			Prop struct {
				ContentLength string `xml:"getcontentlength"`
				ResourceType  struct {
					Collection *struct{} `xml:"collection"`
				} `xml:"resourcetype"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:"><d:prop><d:getcontentlength/><d:resourcetype/></d:prop></d:propfind>`

// Size returns the object's getcontentlength via a depth-0 PROPFIND.
// Collections are reported as absent.
func (b *Backend) Size(ctx context.Context, key string) (int64, error) {
	clean, err := blob.CleanPath(key)
	if err != nil {
		return 0, b.fail("size", key, 0, err)
	}
	resp, err := b.do(ctx, "PROPFIND", b.objectURL(clean), []byte(propfindBody), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return 0, b.fail("size", key, 0, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return 0, blob.ErrNotFound
	case http.StatusMultiStatus, http.StatusOK:
	default:
		return 0, b.fail("size", key, resp.StatusCode, nil)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return 0, b.fail("size", key, resp.StatusCode, fmt.Errorf("decode propfind: %w", err))
	}
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !strings.Contains(ps.Status, " 200 ") {
				continue
			}
			if ps.Prop.ResourceType.Collection != nil {
				return 0, blob.ErrNotFound
			}
			if ps.Prop.ContentLength == "" {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(ps.Prop.ContentLength), 10, 64)
			if err != nil {
				return 0, b.fail("size", key, resp.StatusCode, fmt.Errorf("parse content length: %w", err))
			}
			return n, nil
		}
	}
	return 0, b.fail("size", key, resp.StatusCode, fmt.Errorf("no content length in propfind response"))
}

// PublicURL is not available: objects need the backend credentials.
func (b *Backend) PublicURL(context.Context, string, time.Duration) (string, error) {
	return "", blob.ErrNoPublicURL
}

// Type returns "webdav".
func (b *Backend) Type() string { return backendName }

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

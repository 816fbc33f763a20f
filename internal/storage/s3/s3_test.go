package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpic/wpic/internal/storage/blob"
	"github.com/wpic/wpic/internal/storage/storagetest"
)

// fakeS3 serves the handful of path-style S3 calls the backend makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	failAll int // when non-zero, every request returns this status
}

func newFakeS3(t *testing.T, bucket string) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{
		buckets: map[string]bool{bucket: true},
		objects: make(map[string][]byte),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>fake</RequestId></Error>`, code, code)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll != 0 {
		writeS3Error(w, f.failAll, "InternalError")
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if !f.buckets[bucket] {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	id := bucket + "/" + key
	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[id] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := f.objects[id]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		delete(f.objects, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func newTestBackend(t *testing.T, endpoint, bucket string) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Bucket:    bucket,
		Endpoint:  endpoint,
	})
	require.NoError(t, err)
	return b
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		_, srv := newFakeS3(t, "images")
		return newTestBackend(t, srv.URL, "images")
	})
}

func TestConfigRequiresFields(t *testing.T) {
	_, err := New(context.Background(), Config{AccessKey: "a"})
	var ce *blob.ConfigError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, []string{"bucket", "secret_key"}, ce.Fields)
}

func TestProviderErrorCarriesStatus(t *testing.T) {
	f, srv := newFakeS3(t, "images")
	b := newTestBackend(t, srv.URL, "images")
	f.failAll = http.StatusServiceUnavailable

	_, err := b.Read(context.Background(), "a.jpg")
	require.Error(t, err)
	assert.False(t, errors.Is(err, blob.ErrNotFound), "a provider failure must not look like absence")

	var se *blob.StorageError
	require.True(t, errors.As(err, &se), "got %T: %v", err, err)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.True(t, se.Retryable())
}

func TestStalledEndpointTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	b, err := New(context.Background(), Config{
		AccessKey: "AK",
		SecretKey: "SK",
		Bucket:    "images",
		Endpoint:  srv.URL,
		Timeout:   100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Read(context.Background(), "a.jpg")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, blob.IsRetryable(err), "a timed out request should be retryable, got %v", err)
}

func TestMissingBucketIsError(t *testing.T) {
	_, srv := newFakeS3(t, "images")
	b := newTestBackend(t, srv.URL, "other")

	_, err := b.Read(context.Background(), "a.jpg")
	var se *blob.StorageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestEnsureBucketCreates(t *testing.T) {
	f, srv := newFakeS3(t, "images")
	b := newTestBackend(t, srv.URL, "fresh")
	require.NoError(t, b.EnsureBucket(context.Background()))
	assert.True(t, f.buckets["fresh"])
}

func TestPublicURLIsPresigned(t *testing.T) {
	b := newTestBackend(t, "http://minio.local:9000", "images")
	raw, err := b.PublicURL(context.Background(), "2024/01/02/a.jpg", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", u.Host)
	assert.Equal(t, "/images/2024/01/02/a.jpg", u.Path)
	q := u.Query()
	assert.Equal(t, "900", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.Contains(t, q.Get("X-Amz-Credential"), "AKIDEXAMPLE/")
	assert.Contains(t, q.Get("X-Amz-Credential"), "/us-east-1/s3/")
}

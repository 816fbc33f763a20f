// Package blob holds the error taxonomy and path rules shared by every
// storage backend. It has no dependencies on the backends themselves so
// that each backend package and the router can import it.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a backend confirms an object is absent.
	// It is a normal outcome and is never wrapped in a StorageError.
	ErrNotFound = errors.New("object not found")

	// ErrNoPublicURL is returned by backends that cannot hand out direct URLs.
	ErrNoPublicURL = errors.New("backend has no public url")

	// ErrInvalidPath is returned for empty or escaping object paths.
	ErrInvalidPath = errors.New("invalid object path")
)

// StorageError is a backend I/O failure: network, auth, or provider error.
// Status carries the provider's status code when one was received.
type StorageError struct {
	Backend string
	Op      string
	Path    string
	Status  int
	Err     error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s %s %q", e.Backend, e.Op, e.Path)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may reasonably retry the operation:
// timeouts, throttling and server-side failures.
func (e *StorageError) Retryable() bool {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// IsRetryable returns true if err carries a retryable StorageError.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable()
}

// ConfigError reports a missing or invalid backend configuration.
type ConfigError struct {
	Backend string
	Fields  []string // missing required fields, sorted
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s config: missing required fields: %s", e.Backend, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s config: %s", e.Backend, e.Reason)
}

// Require returns a ConfigError naming every empty entry of fields, or nil.
func Require(backend string, fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ConfigError{Backend: backend, Fields: missing}
}

// CleanPath validates an object path and returns it in canonical
// forward-slash form without a leading slash.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	return p, nil
}

// Reader is the part of a backend the buffered stream helpers need.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Writer is the part of a backend the buffered stream helpers need.
type Writer interface {
	Save(ctx context.Context, path string, data []byte) error
}

// BufferedReadStream reads the whole object into memory and returns it
// as a stream. Backends without a native streaming read use it.
func BufferedReadStream(ctx context.Context, r Reader, path string) (io.ReadCloser, error) {
	data, err := r.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// BufferedSaveStream drains src into memory and saves it in one call.
// Memory use is the full object size.
func BufferedSaveStream(ctx context.Context, w Writer, path string, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read upload stream: %w", err)
	}
	return w.Save(ctx, path, data)
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

const testObjectPath = "test_connection.txt"

// bucketEnsurer is implemented by backends that can create their container.
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// TestConnection round-trips a small object through b: write, read back,
// compare, delete. It leaves nothing behind on success.
func TestConnection(ctx context.Context, b Backend) error {
	if e, ok := unwrap(b).(bucketEnsurer); ok {
		if err := e.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
	}

	payload := []byte("wpic connection test " + time.Now().UTC().Format(time.RFC3339Nano))
	if err := b.Save(ctx, testObjectPath, payload); err != nil {
		return fmt.Errorf("write test object: %w", err)
	}
	got, err := b.Read(ctx, testObjectPath)
	if err != nil {
		return fmt.Errorf("read test object: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("read test object: content mismatch (%d bytes written, %d read)", len(payload), len(got))
	}
	if err := b.Delete(ctx, testObjectPath); err != nil {
		return fmt.Errorf("delete test object: %w", err)
	}
	return nil
}

// unwrap peels decorators such as the metrics wrapper off b.
func unwrap(b Backend) Backend {
	for {
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}

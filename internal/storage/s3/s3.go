// Package s3 provides an S3-compatible object storage backend
// (AWS S3, MinIO, and anything else speaking the S3 REST API).
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/storage/blob"
	"go.uber.org/zap"
)

const backendName = "s3"

// DefaultRegion is used when a config leaves region empty.
const DefaultRegion = "us-east-1"

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultPresignExpiry is used by PublicURL when the caller passes zero.
const DefaultPresignExpiry = time.Hour

// Config is the JSON-serializable S3 config stored per user.
type Config struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region,omitempty"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Validate checks that every required field is present.
func (c Config) Validate() error {
	return blob.Require(backendName, map[string]string{
		"access_key": c.AccessKey,
		"secret_key": c.SecretKey,
		"bucket":     c.Bucket,
	})
}

// Backend implements storage.Backend using S3. Save and SaveStream
// send the whole object in one PutObject; SaveStream buffers it first
// because the request body must be seekable for signing.
type Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New creates an S3 backend. It builds the client only; no request is
// sent until the first operation.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(timeout)),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("load aws config: %v", err)}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// Retry policy belongs to callers.
		o.RetryMaxAttempts = 1
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, &blob.ConfigError{Backend: backendName, Reason: fmt.Sprintf("parse config: %v", err)}
	}
	return New(ctx, cfg)
}

// EnsureBucket creates the bucket when HeadBucket reports it missing.
func (b *Backend) EnsureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); createErr != nil {
		return b.mapError("create_bucket", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

func (b *Backend) key(op, p string) (string, error) {
	clean, err := blob.CleanPath(p)
	if err != nil {
		return "", &blob.StorageError{Backend: backendName, Op: op, Path: p, Err: err}
	}
	return clean, nil
}

// mapError collapses a confirmed missing key into blob.ErrNotFound and
// wraps everything else with the provider's HTTP status.
func (b *Backend) mapError(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return blob.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
		return blob.ErrNotFound
	}
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	return &blob.StorageError{Backend: backendName, Op: op, Path: key, Status: status, Err: err}
}

// Save uploads data with PutObject.
func (b *Backend) Save(ctx context.Context, p string, data []byte) error {
	key, err := b.key("save", p)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return b.mapError("save", key, err)
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// SaveStream buffers src and delegates to Save.
func (b *Backend) SaveStream(ctx context.Context, p string, src io.Reader) error {
	return blob.BufferedSaveStream(ctx, b, p, src)
}

// Read downloads the whole object.
func (b *Backend) Read(ctx context.Context, p string) ([]byte, error) {
	rc, err := b.ReadStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &blob.StorageError{Backend: backendName, Op: "read", Path: p, Err: err}
	}
	return data, nil
}

// ReadStream returns the GetObject body. The caller must close it.
func (b *Backend) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := b.key("read", p)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.mapError("read", key, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 deletes are idempotent already; a
// NoSuchKey from a strict implementation is also treated as success.
func (b *Backend) Delete(ctx context.Context, p string) error {
	key, err := b.key("delete", p)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if mapped := b.mapError("delete", key, err); !errors.Is(mapped, blob.ErrNotFound) {
			return mapped
		}
	}
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// Exists reports whether HeadObject finds the key.
func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.Size(ctx, p)
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the object's content length.
func (b *Backend) Size(ctx context.Context, p string) (int64, error) {
	key, err := b.key("size", p)
	if err != nil {
		return 0, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, b.mapError("size", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// PublicURL returns a presigned GET URL valid for expiry. Presigning is
// computed locally; it does not check that the object exists.
func (b *Backend) PublicURL(ctx context.Context, p string, expiry time.Duration) (string, error) {
	key, err := b.key("presign", p)
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", b.mapError("presign", key, err)
	}
	return req.URL, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return backendName }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	TLSCertFile string
	TLSKeyFile  string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Database
	DatabaseURL   string
	MigrationsDir string

	// Auth
	JWTSecret           string
	EnableAuth          bool
	AccessTokenExpire   time.Duration
	ShareLinkDefaultTTL int // hours
	APIKeyExpire        time.Duration
	AdminUsername       string // created on first start when no users exist
	AdminPassword       string

	// Cache
	RedisURL         string
	CacheEnabled     bool
	CacheFileTTL     time.Duration
	CacheThumbTTL    time.Duration
	CacheMetaTTL     time.Duration
	CacheSessionTTL  time.Duration
	CacheMaxFileSize int64

	// Storage defaults, merged under each user's own settings
	StorageDefaultType string
	LocalStoragePath   string
	WebDAVURL          string
	WebDAVUsername     string
	WebDAVPassword     string
	WebDAVTimeout      time.Duration
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3Region           string
	S3Endpoint         string
	S3PresignExpiry    time.Duration
	S3Timeout          time.Duration

	// Hosts a user may point their own WebDAV URL or S3 endpoint at
	StorageAllowedHosts []string

	// Uploads
	MaxFileSize         int64
	AllowedExtensions   []string
	DefaultStorageQuota int64
	MaxImagePixels      int64

	// Derivation
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int
	PreviewWidth     int
	PreviewHeight    int
	PreviewQuality   int
	ThumbPrewarm     bool
	ThumbWorkers     int
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		TLSCertFile:         envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:          envOr("TLS_KEY_FILE", ""),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		LogOutput:           envOr("LOG_OUTPUT", ""),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		MigrationsDir:       envOr("MIGRATIONS_DIR", "migrations"),
		JWTSecret:           envOr("JWT_SECRET", ""),
		EnableAuth:          envBool("ENABLE_AUTH", true),
		AccessTokenExpire:   envDuration("ACCESS_TOKEN_EXPIRE", 30*time.Minute),
		ShareLinkDefaultTTL: envInt("SHARE_LINK_DEFAULT_HOURS", 24),
		APIKeyExpire:        envDuration("API_KEY_EXPIRE", 30*24*time.Hour),
		AdminUsername:       envOr("ADMIN_USERNAME", "admin"),
		AdminPassword:       envOr("ADMIN_PASSWORD", ""),
		RedisURL:            envOr("REDIS_URL", "redis://localhost:6379/0"),
		CacheEnabled:        envBool("CACHE_ENABLED", true),
		CacheFileTTL:        envDuration("CACHE_FILE_TTL", time.Hour),
		CacheThumbTTL:       envDuration("CACHE_THUMB_TTL", 2*time.Hour),
		CacheMetaTTL:        envDuration("CACHE_META_TTL", time.Hour),
		CacheSessionTTL:     envDuration("CACHE_SESSION_TTL", 24*time.Hour),
		CacheMaxFileSize:    envInt64("CACHE_MAX_FILE_SIZE", 1<<20),
		StorageDefaultType:  envOr("STORAGE_DEFAULT_TYPE", "local"),
		LocalStoragePath:    envOr("STORAGE_LOCAL_PATH", "./uploads"),
		WebDAVURL:           envOr("WEBDAV_URL", ""),
		WebDAVUsername:      envOr("WEBDAV_USERNAME", ""),
		WebDAVPassword:      envOr("WEBDAV_PASSWORD", ""),
		WebDAVTimeout:       envDuration("WEBDAV_TIMEOUT", 30*time.Second),
		S3AccessKey:         envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:         envOr("S3_SECRET_KEY", ""),
		S3Bucket:            envOr("S3_BUCKET", ""),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3Endpoint:          envOr("S3_ENDPOINT", ""),
		S3PresignExpiry:     envDuration("S3_PRESIGN_EXPIRY", time.Hour),
		S3Timeout:           envDuration("S3_TIMEOUT", 30*time.Second),
		StorageAllowedHosts: envList("STORAGE_ALLOWED_HOSTS", nil),
		MaxFileSize:         envInt64("MAX_FILE_SIZE", 10<<20),
		AllowedExtensions:   envList("ALLOWED_EXTENSIONS", []string{"jpg", "jpeg", "png", "gif", "webp", "bmp"}),
		DefaultStorageQuota: envInt64("DEFAULT_STORAGE_QUOTA", 100<<20),
		MaxImagePixels:      envInt64("MAX_IMAGE_PIXELS", 50_000_000),
		ThumbnailQuality:    envInt("THUMBNAIL_QUALITY", 75),
		PreviewQuality:      envInt("PREVIEW_QUALITY", 85),
		ThumbPrewarm:        envBool("THUMB_PREWARM", false),
		ThumbWorkers:        envInt("THUMB_WORKERS", 2),
	}

	var err error
	if cfg.ThumbnailWidth, cfg.ThumbnailHeight, err = envSize("THUMBNAIL_SIZE", 200, 200); err != nil {
		return nil, err
	}
	if cfg.PreviewWidth, cfg.PreviewHeight, err = envSize("PREVIEW_SIZE", 800, 600); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, strings.TrimPrefix(part, "."))
		}
	}
	return out
}

// envSize parses "WIDTHxHEIGHT".
func envSize(key string, w, h int) (int, int, error) {
	v := os.Getenv(key)
	if v == "" {
		return w, h, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(v), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%s: expected WIDTHxHEIGHT, got %q", key, v)
	}
	pw, err1 := strconv.Atoi(ws)
	ph, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || pw <= 0 || ph <= 0 {
		return 0, 0, fmt.Errorf("%s: invalid size %q", key, v)
	}
	return pw, ph, nil
}

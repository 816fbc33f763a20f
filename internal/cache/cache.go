// Package cache is a Redis-backed byte cache in front of the storage
// backends and the image derivation pipeline. It is never a source of
// truth: every failure of the Redis connection degrades to a miss or a
// no-op, and callers never see a cache error.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

const keyPrefix = "wpic"

// Key namespaces.
const (
	nsFile    = "file"
	nsThumb   = "thumb"
	nsThumbIx = "thumbidx"
	nsMeta    = "meta"
	nsSession = "session"
	nsCount   = "count"
)

// MaxSessionTTL caps session lifetimes; API keys use the full 30 days.
const MaxSessionTTL = 30 * 24 * time.Hour

// Config holds TTLs and limits. Zero values fall back to DefaultConfig.
type Config struct {
	FileTTL     time.Duration
	ThumbTTL    time.Duration
	MetaTTL     time.Duration
	SessionTTL  time.Duration
	CountTTL    time.Duration
	MaxFileSize int64         // raw files at or above this size are not cached
	OpTimeout   time.Duration // upper bound on a single Redis round trip
}

// DefaultConfig returns the standard TTLs: raw files 1h, derivatives 2h,
// metadata 1h, sessions 24h, counters 24h, files under 1 MiB.
func DefaultConfig() Config {
	return Config{
		FileTTL:     time.Hour,
		ThumbTTL:    2 * time.Hour,
		MetaTTL:     time.Hour,
		SessionTTL:  24 * time.Hour,
		CountTTL:    24 * time.Hour,
		MaxFileSize: 1 << 20,
		OpTimeout:   500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FileTTL <= 0 {
		c.FileTTL = d.FileTTL
	}
	if c.ThumbTTL <= 0 {
		c.ThumbTTL = d.ThumbTTL
	}
	if c.MetaTTL <= 0 {
		c.MetaTTL = d.MetaTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.CountTTL <= 0 {
		c.CountTTL = d.CountTTL
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	return c
}

// ThumbSpec identifies one derivative of a file.
type ThumbSpec struct {
	Width  int
	Height int
	Format string
}

func (s ThumbSpec) String() string {
	return fmt.Sprintf("%dx%d:%s", s.Width, s.Height, s.Format)
}

// Cache fronts Redis. A Cache with no client is disabled and always misses.
type Cache struct {
	rdb redis.UniversalClient
	cfg Config
}

// New wraps an existing Redis client. A nil client yields a disabled cache.
func New(rdb redis.UniversalClient, cfg Config) *Cache {
	return &Cache{rdb: rdb, cfg: cfg.withDefaults()}
}

// NewFromURL connects using a redis:// URL. The connection is lazy, so an
// unreachable server is not an error here.
func NewFromURL(url string, cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	return New(redis.NewClient(opts), cfg), nil
}

// Disabled returns a cache that never stores anything.
func Disabled() *Cache {
	return New(nil, Config{})
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool {
	return c.rdb != nil
}

// MaxFileSize is the exclusive upper bound for caching raw file bytes.
func (c *Cache) MaxFileSize() int64 {
	return c.cfg.MaxFileSize
}

// Ping checks connectivity. It is the only method that returns an error.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return errors.New("cache disabled")
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func hashIdentifier(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func key(ns, identifier string) string {
	return keyPrefix + ":" + ns + ":" + hashIdentifier(identifier)
}

// thumbKey nests the derivative hash under the path hash.
func thumbKey(path string, spec ThumbSpec) string {
	return key(nsThumb, path) + ":" + hashIdentifier(spec.String())
}

// thumbIndexKey is a set holding every derivative key cached for path.
// It lives at least as long as its longest-lived member.
func thumbIndexKey(path string) string {
	return key(nsThumbIx, path)
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OpTimeout)
}

func (c *Cache) swallow(op string, err error) {
	metrics.RecordCacheError(op)
	logging.Debug("cache operation failed", zap.String("op", op), zap.Error(err))
}

func (c *Cache) get(ctx context.Context, ns, k string) ([]byte, bool) {
	if c.rdb == nil {
		metrics.RecordCacheLookup(ns, false)
		return nil, false
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	data, err := c.rdb.Get(ctx, k).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.swallow("get_"+ns, err)
		}
		metrics.RecordCacheLookup(ns, false)
		return nil, false
	}
	metrics.RecordCacheLookup(ns, true)
	return data, true
}

func (c *Cache) set(ctx context.Context, ns, k string, data []byte, ttl time.Duration) bool {
	if c.rdb == nil {
		return false
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, k, data, ttl).Err(); err != nil {
		c.swallow("set_"+ns, err)
		return false
	}
	return true
}

func (c *Cache) del(ctx context.Context, op string, keys ...string) {
	if c.rdb == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.swallow(op, err)
	}
}

// GetFile returns cached raw bytes for path.
func (c *Cache) GetFile(ctx context.Context, path string) ([]byte, bool) {
	return c.get(ctx, nsFile, key(nsFile, path))
}

// SetFile caches raw bytes if they are under the size threshold. It
// reports whether the entry was stored. ttl of zero uses the default.
func (c *Cache) SetFile(ctx context.Context, path string, data []byte, ttl time.Duration) bool {
	if int64(len(data)) >= c.cfg.MaxFileSize {
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.FileTTL
	}
	return c.set(ctx, nsFile, key(nsFile, path), data, ttl)
}

// GetThumb returns a cached derivative.
func (c *Cache) GetThumb(ctx context.Context, path string, spec ThumbSpec) ([]byte, bool) {
	return c.get(ctx, nsThumb, thumbKey(path, spec))
}

// SetThumb caches a derivative and records it in the path's index so
// DeleteFile can find it. Derivatives are always cached.
func (c *Cache) SetThumb(ctx context.Context, path string, spec ThumbSpec, data []byte, ttl time.Duration) bool {
	if c.rdb == nil {
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.ThumbTTL
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	k, idx := thumbKey(path, spec), thumbIndexKey(path)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, data, ttl)
		pipe.SAdd(ctx, idx, k)
		// NX covers a fresh set, GT extends an existing one.
		pipe.ExpireNX(ctx, idx, ttl)
		pipe.ExpireGT(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		c.swallow("set_"+nsThumb, err)
		return false
	}
	return true
}

// GetMeta decodes a cached JSON metadata value for path into dst.
func (c *Cache) GetMeta(ctx context.Context, path string, dst any) bool {
	data, ok := c.get(ctx, nsMeta, key(nsMeta, path))
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.swallow("decode_meta", err)
		return false
	}
	return true
}

// SetMeta stores v as JSON metadata for path.
func (c *Cache) SetMeta(ctx context.Context, path string, v any, ttl time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.swallow("encode_meta", err)
		return false
	}
	if ttl <= 0 {
		ttl = c.cfg.MetaTTL
	}
	return c.set(ctx, nsMeta, key(nsMeta, path), data, ttl)
}

// GetSession decodes session data for id into dst.
func (c *Cache) GetSession(ctx context.Context, id string, dst any) bool {
	data, ok := c.get(ctx, nsSession, key(nsSession, id))
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.swallow("decode_session", err)
		return false
	}
	return true
}

// SetSession stores session data. ttl of zero uses the default; longer
// than MaxSessionTTL is clamped.
func (c *Cache) SetSession(ctx context.Context, id string, v any, ttl time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.swallow("encode_session", err)
		return false
	}
	switch {
	case ttl <= 0:
		ttl = c.cfg.SessionTTL
	case ttl > MaxSessionTTL:
		ttl = MaxSessionTTL
	}
	return c.set(ctx, nsSession, key(nsSession, id), data, ttl)
}

// DeleteSession removes session data for id.
func (c *Cache) DeleteSession(ctx context.Context, id string) {
	c.del(ctx, "delete_session", key(nsSession, id))
}

// IncrementCounter bumps the counter for path and returns the new value,
// or 0 when the cache is unavailable. The counter expires CountTTL after
// its first increment.
func (c *Cache) IncrementCounter(ctx context.Context, path string) int64 {
	if c.rdb == nil {
		return 0
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	k := key(nsCount, path)
	n, err := c.rdb.Incr(ctx, k).Result()
	if err != nil {
		c.swallow("incr", err)
		return 0
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, k, c.cfg.CountTTL).Err(); err != nil {
			c.swallow("expire", err)
		}
	}
	return n
}

// DeleteFile drops the raw bytes, the metadata and every derivative
// cached for path. Derivatives are found through the path's index, so
// the cost does not grow with the size of the keyspace.
func (c *Cache) DeleteFile(ctx context.Context, path string) {
	if c.rdb == nil {
		return
	}
	c.del(ctx, "delete_file", key(nsFile, path), key(nsMeta, path))

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	idx := thumbIndexKey(path)
	stale, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		c.swallow("index_thumbs", err)
		return
	}
	if err := c.rdb.Del(ctx, append(stale, idx)...).Err(); err != nil {
		c.swallow("delete_thumbs", err)
	}
}

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/metrics"
)

type routeKey struct {
	userID      int64
	backendType BackendType
	configHash  string
}

// Router maps a user to a live backend instance. Instances are cached per
// (user, backend type, resolved config) and shared across concurrent
// requests; ClearCache must be called when a user changes their storage
// settings.
type Router struct {
	mu       sync.RWMutex
	backends map[routeKey]Backend
	// Bumped by ClearCache and ClearAll. A backend whose construction
	// started before a bump is served to its caller but never cached.
	gens     map[int64]uint64
	epoch    uint64
	defaults Defaults
	factory  Factory
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithFactory replaces the backend constructor.
func WithFactory(f Factory) RouterOption {
	return func(r *Router) { r.factory = f }
}

// NewRouter creates a Router that merges user configs over defaults.
func NewRouter(defaults Defaults, opts ...RouterOption) *Router {
	if defaults.Type == "" {
		defaults.Type = TypeLocal
	}
	r := &Router{
		backends: make(map[routeKey]Backend),
		gens:     make(map[int64]uint64),
		defaults: defaults,
		factory:  NewBackend,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Defaults returns the process-wide backend settings.
func (r *Router) Defaults() Defaults {
	return r.defaults
}

func configHash(cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("hash storage config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// generation must be called with r.mu held.
func (r *Router) generation(userID int64) uint64 {
	return r.epoch + r.gens[userID]
}

// BackendFor returns the backend for a user, constructing it on first use.
// Local storage is scoped to a per-user subdirectory (<base>/user_<id>).
//
// Two requests racing on a cold key may both construct a backend; the
// first to publish wins and the loser's instance is closed.
func (r *Router) BackendFor(ctx context.Context, userID int64, backendType BackendType, userConfig json.RawMessage) (Backend, error) {
	if backendType == "" {
		backendType = r.defaults.Type
	}
	cfg, err := r.defaults.Resolve(userID, backendType, userConfig)
	if err != nil {
		return nil, err
	}
	hash, err := configHash(cfg)
	if err != nil {
		return nil, err
	}
	key := routeKey{userID: userID, backendType: backendType, configHash: hash}

	r.mu.RLock()
	b, ok := r.backends[key]
	gen := r.generation(userID)
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	created, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	created = Instrument(created)

	r.mu.Lock()
	if r.generation(userID) != gen {
		r.mu.Unlock()
		logging.Debug("storage settings changed during backend construction, not caching",
			logging.UserID(userID),
			zap.String("backend", string(backendType)))
		return created, nil
	}
	if existing, ok := r.backends[key]; ok {
		r.mu.Unlock()
		if cerr := created.Close(); cerr != nil {
			logging.Warn("close duplicate backend", zap.Error(cerr))
		}
		return existing, nil
	}
	r.backends[key] = created
	n := len(r.backends)
	r.mu.Unlock()

	metrics.SetRouterBackends(n)
	logging.Info("storage backend created",
		logging.UserID(userID),
		zap.String("backend", string(backendType)))
	return created, nil
}

// ValidateConfig performs a dry-run construction of a backend from
// userID's proposed settings. The instance is discarded.
func (r *Router) ValidateConfig(ctx context.Context, userID int64, backendType BackendType, userConfig json.RawMessage) error {
	if backendType == "" {
		return &ConfigError{Reason: "backend type is required"}
	}
	cfg, err := r.defaults.Resolve(userID, backendType, userConfig)
	if err != nil {
		return err
	}
	b, err := r.factory(ctx, cfg)
	if err != nil {
		return err
	}
	return b.Close()
}

// IsConfigError reports whether err is a backend configuration failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ClearCache closes and forgets every backend held for userID. A
// construction already in flight for the user is not cached.
func (r *Router) ClearCache(userID int64) {
	r.evict(func() { r.gens[userID]++ }, func(k routeKey) bool { return k.userID == userID })
}

// ClearAll closes and forgets every cached backend.
func (r *Router) ClearAll() {
	r.evict(func() { r.epoch++ }, func(routeKey) bool { return true })
}

func (r *Router) evict(bump func(), match func(routeKey) bool) {
	var stale []Backend
	r.mu.Lock()
	bump()
	for k, b := range r.backends {
		if match(k) {
			stale = append(stale, b)
			delete(r.backends, k)
		}
	}
	n := len(r.backends)
	r.mu.Unlock()

	for _, b := range stale {
		if err := b.Close(); err != nil {
			logging.Warn("close evicted backend", zap.String("backend", b.Type()), zap.Error(err))
		}
	}
	metrics.SetRouterBackends(n)
}

// Len returns the number of cached backend instances.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Close releases every cached backend.
func (r *Router) Close() error {
	r.ClearAll()
	return nil
}

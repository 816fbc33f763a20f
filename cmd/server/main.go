// wpic server
//
// Features:
// - Image upload, download, thumbnails and previews
// - Per-user storage backends (local, WebDAV, S3)
// - Redis caching of originals, derivatives and API key sessions
// - Share links and file-access tokens
// - Per-user storage quotas
// - Server-sent file change events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wpic/wpic/internal/api"
	"github.com/wpic/wpic/internal/auth"
	"github.com/wpic/wpic/internal/cache"
	"github.com/wpic/wpic/internal/config"
	"github.com/wpic/wpic/internal/events"
	"github.com/wpic/wpic/internal/gallery"
	"github.com/wpic/wpic/internal/logging"
	"github.com/wpic/wpic/internal/media"
	"github.com/wpic/wpic/internal/metadata/postgres"
	"github.com/wpic/wpic/internal/metrics"
	"github.com/wpic/wpic/internal/quota"
	"github.com/wpic/wpic/internal/storage"
	"github.com/wpic/wpic/internal/storage/local"
	s3backend "github.com/wpic/wpic/internal/storage/s3"
	"github.com/wpic/wpic/internal/storage/webdav"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("wpic server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if info, err := os.Stat(cfg.MigrationsDir); err == nil && info.IsDir() {
		logging.Info("running migrations...", zap.String("dir", cfg.MigrationsDir))
		if err := metaStore.Migrate(ctx, cfg.MigrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	} else {
		logging.Warn("migrations directory not found, skipping", zap.String("dir", cfg.MigrationsDir))
	}

	if err := ensureAdmin(ctx, metaStore, cfg); err != nil {
		logging.Error("failed to ensure admin user", zap.Error(err))
	}

	// Initialize cache
	cacheCfg := cache.Config{
		FileTTL:     cfg.CacheFileTTL,
		ThumbTTL:    cfg.CacheThumbTTL,
		MetaTTL:     cfg.CacheMetaTTL,
		SessionTTL:  cfg.CacheSessionTTL,
		MaxFileSize: cfg.CacheMaxFileSize,
	}
	contentCache := cache.Disabled()
	if cfg.CacheEnabled {
		contentCache, err = cache.NewFromURL(cfg.RedisURL, cacheCfg)
		if err != nil {
			logging.Fatal("cache init failed", zap.Error(err))
		}
		if err := contentCache.Ping(ctx); err != nil {
			// Reads fall through to storage while Redis is away.
			logging.Warn("redis unreachable, continuing without cache", zap.Error(err))
		}
	}
	defer contentCache.Close()

	// Initialize storage router
	defaultType, err := storage.ParseType(cfg.StorageDefaultType)
	if err != nil {
		logging.Fatal("invalid default storage type", zap.Error(err))
	}
	storageRouter := storage.NewRouter(storage.Defaults{
		Type:  defaultType,
		Local: local.Config{BasePath: cfg.LocalStoragePath},
		WebDAV: webdav.Config{
			URL:      cfg.WebDAVURL,
			Username: cfg.WebDAVUsername,
			Password: cfg.WebDAVPassword,
			Timeout:  cfg.WebDAVTimeout,
		},
		S3: s3backend.Config{
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Timeout:   cfg.S3Timeout,
		},
		AllowedHosts: cfg.StorageAllowedHosts,
	})
	defer storageRouter.Close()

	// Auth, quota and media
	tokens := auth.NewTokens(cfg.JWTSecret, nil)
	access := auth.NewAccessControl(tokens, cfg.EnableAuth)
	if !cfg.EnableAuth {
		logging.Warn("access control disabled: every file is readable by anyone")
	}
	var apiKeys *auth.APIKeys
	if contentCache.Enabled() {
		apiKeys = auth.NewAPIKeys(contentCache, cfg.APIKeyExpire)
	}

	gallery.MaxPixels = cfg.MaxImagePixels
	bus := events.NewBroadcaster()
	svc := media.New(media.Config{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Thumbnail: gallery.Options{
			Width:      cfg.ThumbnailWidth,
			Height:     cfg.ThumbnailHeight,
			KeepAspect: true,
			Format:     "jpeg",
			Quality:    cfg.ThumbnailQuality,
		},
		Preview: gallery.Options{
			Width:      cfg.PreviewWidth,
			Height:     cfg.PreviewHeight,
			KeepAspect: true,
			Format:     "jpeg",
			Quality:    cfg.PreviewQuality,
		},
		ShareLinkDefaultHours: cfg.ShareLinkDefaultTTL,
		PresignExpiry:         cfg.S3PresignExpiry,
	}, metaStore, storageRouter, contentCache, tokens, access, quota.NewManager(metaStore),
		media.WithEvents(bus))

	if cfg.ThumbPrewarm {
		svc.StartPrewarm(ctx, cfg.ThumbWorkers)
		defer svc.StopPrewarm()
		logging.Info("thumbnail prewarm enabled", zap.Int("workers", cfg.ThumbWorkers))
	}

	checks := map[string]api.HealthCheck{"database": metaStore.Ping}
	if contentCache.Enabled() {
		checks["cache"] = contentCache.Ping
	}

	// Create API server
	srv := api.NewServer(api.Deps{
		Media:         svc,
		Users:         metaStore,
		Router:        storageRouter,
		Tokens:        tokens,
		APIKeys:       apiKeys,
		AccessTTL:     cfg.AccessTokenExpire,
		MaxUploadSize: cfg.MaxFileSize,
		Checks:        checks,
		Events:        bus,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-stopped
	logging.Info("server stopped")
}

// ensureAdmin creates the first account when the user table is empty and
// ADMIN_PASSWORD is set.
func ensureAdmin(ctx context.Context, store *postgres.Store, cfg *config.Config) error {
	n, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		logging.Warn("no users exist; set ADMIN_PASSWORD to create one on start")
		return nil
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	return store.CreateUser(ctx, &postgres.User{
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
		IsActive:     true,
		StorageType:  cfg.StorageDefaultType,
		StorageQuota: cfg.DefaultStorageQuota,
	})
}

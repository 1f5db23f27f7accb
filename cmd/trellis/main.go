package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellis-mbe/trellis/pkg/artifacts"
	"github.com/trellis-mbe/trellis/pkg/config"
	"github.com/trellis-mbe/trellis/pkg/engine"
	"github.com/trellis-mbe/trellis/pkg/observability"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
	"github.com/trellis-mbe/trellis/pkg/sweeper"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	log.WithFields(map[string]interface{}{
		"store": cfg.Store.Type,
		"blob":  cfg.Blob.Type,
	}).Info("starting trellis")

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open document store")
		os.Exit(1)
	}
	defer st.Close()

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Error("invalid redis URL")
			os.Exit(1)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	resolver, err := rbac.NewResolver(rdb, cfg.Redis.TTL, cfg.Redis.LRUSize, log)
	if err != nil {
		log.WithError(err).Error("failed to build permission resolver")
		os.Exit(1)
	}

	blobStore, err := openBlobStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open blob store")
		os.Exit(1)
	}
	blobs := artifacts.NewManager(blobStore)

	eng := engine.New(st,
		engine.WithResolver(resolver),
		engine.WithLogger(log),
		engine.WithMetrics(metrics),
		engine.WithPageSize(cfg.Store.PageSize),
		engine.WithDefaultOrg(cfg.Auth.DefaultOrgID),
	)
	if err := eng.Bootstrap(ctx); err != nil {
		log.WithError(err).Error("failed to bootstrap default organization")
		os.Exit(1)
	}

	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sw = sweeper.New(st, log,
			sweeper.WithMetrics(metrics),
			sweeper.WithPageSize(cfg.Store.PageSize),
			sweeper.WithBlobs(blobs))
		if err := sw.Start(cfg.Sweeper.Schedule); err != nil {
			log.WithError(err).Error("failed to start integrity sweeper")
			os.Exit(1)
		}
	}

	health := observability.NewHealthChecker(st, rdb)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Liveness)
	mux.HandleFunc("/readyz", health.Readiness)
	if registry != nil {
		mux.Handle("/metrics", observability.Handler(registry))
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sm := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	if sw != nil {
		sm.RegisterShutdownFunc(func(context.Context) error {
			sw.Stop()
			return nil
		})
	}
	sm.RegisterShutdownFunc(func(context.Context) error {
		return st.Close()
	})

	go func() {
		log.WithField("addr", server.Addr).Info("health and metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("health server failed")
			os.Exit(1)
		}
	}()

	if err := sm.WaitForShutdown(); err != nil {
		log.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
	log.Info("trellis stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.PostgresURL, cfg.Store.PostgresMaxConns)
	default:
		return store.NewMemory(), nil
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	switch cfg.Blob.Type {
	case "s3":
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Endpoint:     cfg.Blob.S3Endpoint,
			Region:       cfg.Blob.S3Region,
			Bucket:       cfg.Blob.S3Bucket,
			AccessKey:    cfg.Blob.S3AccessKey,
			SecretKey:    cfg.Blob.S3SecretKey,
			UsePathStyle: cfg.Blob.S3UsePathStyle,
		})
	default:
		return artifacts.NewFilesystemStore(cfg.Blob.FilesystemRoot)
	}
}

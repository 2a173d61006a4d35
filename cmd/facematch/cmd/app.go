package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/config"
	"github.com/kailas-cloud/facematch/internal/db"
	dbBadger "github.com/kailas-cloud/facematch/internal/db/badger"
	dbRedis "github.com/kailas-cloud/facematch/internal/db/redis"
	dbSQLite "github.com/kailas-cloud/facematch/internal/db/sqlite"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/metrics"
	"github.com/kailas-cloud/facematch/internal/repository/embedding"
	"github.com/kailas-cloud/facematch/internal/repository/extcache"
	"github.com/kailas-cloud/facematch/internal/repository/ledger"
	"github.com/kailas-cloud/facematch/internal/transport/deepface"
	openaiExt "github.com/kailas-cloud/facematch/internal/transport/openai"
	"github.com/kailas-cloud/facematch/internal/transport/photos"
	"github.com/kailas-cloud/facematch/internal/usecase/extraction"
	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
	matchinguc "github.com/kailas-cloud/facematch/internal/usecase/matching"
	reconcileuc "github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	reindexuc "github.com/kailas-cloud/facematch/internal/usecase/reindex"
	searchuc "github.com/kailas-cloud/facematch/internal/usecase/search"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// photoStore is what the service needs from a photo backend.
type photoStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, ref string, data []byte) error
	HealthCheck(ctx context.Context) error
}

// versionedExtractor is a provider that knows the model version of its vectors.
type versionedExtractor interface {
	domain.Extractor
	domain.HealthChecker
	ModelVersion() string
}

// app is the composition root shared by every command.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     db.Store
	vectors   *vectorstore.Service
	reconcile *reconcileuc.Service
	matching  *matchinguc.Service
	reindex   *reindexuc.Service
	health    *healthuc.Service
}

// newApp connects storage, restores the index and the ledger and wires the services.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	metrics.Register()

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}
	logger.Info("Connected to database", zap.String("driver", cfg.Database.Driver))

	a, err := wire(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg config.Config, store db.Store, logger *zap.Logger) (*app, error) {
	prefix := cfg.Storage.KeyPrefix

	provider := buildProvider(cfg.Extractor, logger)
	modelVersion := provider.ModelVersion()
	extractor := buildExtractor(provider, cfg.Extractor, store, prefix, logger)
	logger.Info("Extractor ready",
		zap.String("provider", cfg.Extractor.Provider),
		zap.String("model", cfg.Extractor.Model),
		zap.String("model_version", modelVersion),
		zap.Bool("cache", cfg.Extractor.CacheEnabled()),
	)

	idx := index.New(indexOptions(cfg.Index)...)
	vectors := vectorstore.New(idx, embedding.New(store, prefix), modelVersion, logger)
	loaded, err := vectors.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	stats := vectors.Stats()
	logger.Info("Index restored",
		zap.String("algorithm", stats.Algorithm),
		zap.Int("loaded", loaded.Loaded),
		zap.Int("tombstoned", loaded.Tombstoned),
		zap.Int("corrupt", loaded.Corrupt),
		zap.Int("stale", stats.StaleCount),
	)

	rec := reconcileuc.New(ledger.New(store, prefix, logger), logger).WithKinds(vectors)
	if err := rec.Load(ctx); err != nil {
		return nil, fmt.Errorf("load resolution claims: %w", err)
	}

	src, err := buildPhotoStore(cfg.Photos)
	if err != nil {
		return nil, err
	}

	search := searchuc.New(extractor, vectors, rec, cfg.Search.Policy()).WithTimeout(cfg.Search.Timeout())
	matching := matchinguc.New(extractor, vectors, search, rec).
		WithAutoPropose(cfg.Matching.AutoProposeEnabled()).
		WithArchive(src).
		WithMaxPhotoBytes(cfg.Photos.MaxBytes).
		WithMaxBatch(cfg.Photos.MaxBatch).
		WithBatchWorkers(cfg.Photos.BatchWorkers)
	reindex := reindexuc.New(vectors, extractor, src, logger).WithWorkers(cfg.Reindex.Workers)
	health := healthuc.New(store).
		WithCheck("extractor", extractor).
		WithCheck("photos", src)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		vectors:   vectors,
		reconcile: rec,
		matching:  matching,
		reindex:   reindex,
		health:    health,
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (db.Store, error) {
	var store db.Store
	var err error
	switch cfg.Driver {
	case config.DriverRedis:
		store, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	case config.DriverSQLite:
		store, err = dbSQLite.NewStore(dbSQLite.Config{Path: cfg.Path})
	case config.DriverBadger:
		store, err = dbBadger.NewStore(dbBadger.Config{Dir: cfg.Path, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

func buildProvider(cfg config.ExtractorConfig, logger *zap.Logger) versionedExtractor {
	if cfg.Provider == config.ProviderOpenAI {
		return openaiExt.NewExtractor(&openaiExt.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			ModelVersion: cfg.ModelVersion,
			Dimensions:   cfg.Dimensions,
			Logger:       logger,
		})
	}
	return deepface.NewExtractor(&deepface.Config{
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		Detector:       cfg.Detector,
		ModelVersion:   cfg.ModelVersion,
		DominanceRatio: cfg.DominanceRatio,
		Logger:         logger,
	})
}

// buildExtractor assembles the decorator chain: provider -> cache -> resilient.
func buildExtractor(
	provider versionedExtractor,
	cfg config.ExtractorConfig,
	store db.Store,
	prefix string,
	logger *zap.Logger,
) *extraction.ResilientExtractor {
	var inner domain.Extractor = provider
	if cfg.CacheEnabled() {
		inner = extcache.New(provider, store, prefix, provider.ModelVersion(), metrics.ExtractionCacheTotal, logger)
	}
	return extraction.NewResilientExtractor(inner, extraction.Config{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		ModelVersion: provider.ModelVersion(),
		Dimensions:   cfg.Dimensions,
		Timeout:      cfg.Timeout(),
		RetryBackoff: cfg.RetryBackoff(),
	}, logger)
}

func indexOptions(cfg config.IndexConfig) []index.Option {
	opts := []index.Option{index.WithShards(cfg.Shards)}
	if cfg.Algorithm == config.AlgorithmHNSW {
		opts = append(opts, index.WithHNSW(index.HNSWConfig{
			M:          cfg.HNSWM,
			EfSearch:   cfg.HNSWEfSearch,
			Oversample: cfg.Oversample,
		}))
	}
	return opts
}

func buildPhotoStore(cfg config.PhotosConfig) (photoStore, error) {
	if cfg.Source == config.SourceS3 {
		s3cfg := photos.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			MaxBytes:  int64(cfg.MaxBytes),
		}
		return photos.NewS3(photos.NewS3Client(s3cfg), s3cfg), nil
	}
	fs, err := photos.NewFS(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("photo store: %w", err)
	}
	return fs, nil
}

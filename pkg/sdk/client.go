package facematch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db"
	dbBadger "github.com/kailas-cloud/facematch/internal/db/badger"
	dbRedis "github.com/kailas-cloud/facematch/internal/db/redis"
	dbSQLite "github.com/kailas-cloud/facematch/internal/db/sqlite"
	"github.com/kailas-cloud/facematch/internal/domain"
	dombatch "github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/metrics"
	"github.com/kailas-cloud/facematch/internal/repository/embedding"
	"github.com/kailas-cloud/facematch/internal/repository/extcache"
	"github.com/kailas-cloud/facematch/internal/repository/ledger"
	"github.com/kailas-cloud/facematch/internal/transport/deepface"
	"github.com/kailas-cloud/facematch/internal/transport/photos"
	"github.com/kailas-cloud/facematch/internal/usecase/extraction"
	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
	"github.com/kailas-cloud/facematch/internal/usecase/matching"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	"github.com/kailas-cloud/facematch/internal/usecase/reindex"
	"github.com/kailas-cloud/facematch/internal/usecase/search"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	defaultKeyPrefix        = "facematch:"
	deepfaceProvider        = "deepface"
)

// ErrReindexUnavailable is returned by Reindex when no photo dir is configured.
var ErrReindexUnavailable = errors.New("facematch: reindex requires a photo dir (use WithPhotoDir)")

// Internal interfaces so services can be replaced in tests.
type matchingUseCase interface {
	OnPhotoUploaded(ctx context.Context, up matching.Upload) (matching.UploadResult, error)
	OnPhotosUploaded(ctx context.Context, ups []matching.Upload) []dombatch.Result
	OnSearchRequest(ctx context.Context, sr matching.SearchRequest) (matching.SearchResult, error)
	OnMatchConfirmed(ctx context.Context, missingID, foundID string, opts matching.ConfirmOptions) (match.VerifiedMatch, error)
	OnPhotoRemoved(ctx context.Context, photoID string) error
	OnReportReopened(ctx context.Context, reportID string) (match.VerifiedMatch, error)
}

type ledgerUseCase interface {
	StartReview(ctx context.Context, proposalID string) (match.Proposal, error)
	Reject(ctx context.Context, proposalID string, reason match.Reason) (match.Proposal, error)
	ListProposals(ctx context.Context, f reconcile.Filter) ([]match.Proposal, error)
	ListMatches(ctx context.Context) ([]match.VerifiedMatch, error)
}

type indexUseCase interface {
	Stats() vectorstore.Stats
	Compact(ctx context.Context) (vectorstore.CompactResult, error)
}

type reindexUseCase interface {
	Run(ctx context.Context) (reindex.Report, error)
}

// Client is the facematch entry point.
type Client struct {
	store      db.Store
	matchSvc   matchingUseCase
	ledgerSvc  ledgerUseCase
	indexSvc   indexUseCase
	reindexSvc reindexUseCase
	healthSvc  healthUseCase
	obs        *observer
}

// New connects storage, restores the index and the match ledger, and wires the engine.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{prefix: defaultKeyPrefix}
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.driver == "" {
		return nil, errors.New("facematch: storage required (use WithRedis, WithSQLite or WithBadger)")
	}
	if cfg.extractor == nil && cfg.deepfaceURL == "" {
		return nil, errors.New("facematch: extractor required (use WithDeepFace or WithExtractor)")
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	store, err := createStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
		store.Close()
		return nil, fmt.Errorf("facematch: database not ready: %w", err)
	}

	c, err := wireClient(ctx, store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	c.obs = obs
	return c, nil
}

func createStore(cfg *clientConfig) (db.Store, error) {
	switch cfg.driver {
	case driverRedis:
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
		})
		if err != nil {
			return nil, fmt.Errorf("facematch: create redis store: %w", err)
		}
		return s, nil
	case driverSQLite:
		s, err := dbSQLite.NewStore(dbSQLite.Config{Path: cfg.path})
		if err != nil {
			return nil, fmt.Errorf("facematch: create sqlite store: %w", err)
		}
		return s, nil
	case driverBadger:
		s, err := dbBadger.NewStore(dbBadger.Config{Dir: cfg.path, Logger: cfg.zap()})
		if err != nil {
			return nil, fmt.Errorf("facematch: create badger store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("facematch: unknown driver %q", cfg.driver)
	}
}

// zap returns the configured logger or a no-op one.
func (c *clientConfig) zap() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

func wireClient(ctx context.Context, store db.Store, cfg *clientConfig) (*Client, error) {
	logger := cfg.zap()

	provider, providerName, modelVersion := buildProvider(cfg, logger)
	var inner domain.Extractor = provider
	if !cfg.noCache {
		inner = extcache.New(provider, store, cfg.prefix, modelVersion, metrics.ExtractionCacheTotal, logger)
	}
	ext := extraction.NewResilientExtractor(inner, extraction.Config{
		Provider:     providerName,
		ModelVersion: modelVersion,
	}, logger)

	idx := index.New()
	if cfg.hnswM > 0 || cfg.hnswEf > 0 {
		idx = index.New(index.WithHNSW(index.HNSWConfig{M: cfg.hnswM, EfSearch: cfg.hnswEf}))
	}
	vectors := vectorstore.New(idx, embedding.New(store, cfg.prefix), modelVersion, logger)
	if _, err := vectors.Load(ctx); err != nil {
		return nil, fmt.Errorf("facematch: load index: %w", err)
	}
	rec := reconcile.New(ledger.New(store, cfg.prefix, logger), logger).WithKinds(vectors)
	if err := rec.Load(ctx); err != nil {
		return nil, fmt.Errorf("facematch: load match ledger: %w", err)
	}

	searchSvc := search.New(ext, vectors, rec, cfg.searchPolicy())
	matchSvc := matching.New(ext, vectors, searchSvc, rec).WithAutoPropose(cfg.autoPropose)
	if cfg.maxBatch > 0 {
		matchSvc = matchSvc.WithMaxBatch(cfg.maxBatch)
	}
	healthSvc := healthuc.New(store).WithCheck("extractor", ext)

	c := &Client{
		store:     store,
		matchSvc:  matchSvc,
		ledgerSvc: rec,
		indexSvc:  vectors,
		healthSvc: healthSvc,
	}
	if cfg.photoDir != "" {
		fs, err := photos.NewFS(cfg.photoDir)
		if err != nil {
			return nil, fmt.Errorf("facematch: %w", err)
		}
		matchSvc.WithArchive(fs)
		healthSvc.WithCheck("photos", fs)
		c.reindexSvc = reindex.New(vectors, ext, fs, logger)
	}
	return c, nil
}

// extractorWithHealth is what the engine needs from a provider.
type extractorWithHealth interface {
	domain.Extractor
	domain.HealthChecker
}

func buildProvider(cfg *clientConfig, logger *zap.Logger) (extractorWithHealth, string, string) {
	if cfg.extractor != nil {
		return &extractorAdapter{inner: cfg.extractor}, customProvider, cfg.modelVersion
	}
	d := deepface.NewExtractor(&deepface.Config{
		BaseURL: cfg.deepfaceURL,
		Model:   cfg.deepfaceName,
		Logger:  logger,
	})
	return d, deepfaceProvider, d.ModelVersion()
}

func (c *clientConfig) searchPolicy() domain.SearchPolicy {
	p := domain.DefaultSearchPolicy()
	if c.policy.DefaultK > 0 {
		p.DefaultK = c.policy.DefaultK
	}
	if c.policy.MaxK > 0 {
		p.MaxK = c.policy.MaxK
	}
	if c.policy.AdmissionFloor > 0 {
		p.AdmissionFloor = c.policy.AdmissionFloor
	}
	if c.policy.HighThreshold > 0 {
		p.HighThreshold = c.policy.HighThreshold
	}
	return p
}

// Close releases all resources.
func (c *Client) Close() {
	if c.store != nil {
		c.store.Close()
	}
}

// Ping checks database connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Photos returns the photo ingestion service.
func (c *Client) Photos() *PhotoService {
	return &PhotoService{svc: c.matchSvc, obs: c.obs}
}

// Matches returns the reconciliation service.
func (c *Client) Matches() *MatchService {
	return &MatchService{matchSvc: c.matchSvc, ledgerSvc: c.ledgerSvc, obs: c.obs}
}

// Index returns the index maintenance service.
func (c *Client) Index() *IndexService {
	return &IndexService{svc: c.indexSvc, reindexSvc: c.reindexSvc, obs: c.obs}
}

// Search ranks reports of the opposite kind by facial similarity to the query photo.
func (c *Client) Search(ctx context.Context, q Query) (SearchResult, error) {
	start := time.Now()
	r, err := c.matchSvc.OnSearchRequest(ctx, matching.SearchRequest{
		Photo:       q.Photo,
		ExcludeKind: internalKind(q.ExcludeKind),
		K:           q.K,
		ReportID:    q.ReportID,
	})
	c.obs.observe("search", start, err)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search: %w", err)
	}
	return fromInternalSearch(&r), nil
}

package facematch

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

const (
	driverRedis  = "redis"
	driverSQLite = "sqlite"
	driverBadger = "badger"
)

type clientConfig struct {
	driver   string
	addrs    []string
	password string
	path     string
	prefix   string

	extractor    Extractor
	modelVersion string
	deepfaceURL  string
	deepfaceName string
	noCache      bool

	policy      Policy
	hnswM       int
	hnswEf      int
	autoPropose bool
	photoDir    string
	maxBatch    int

	logger     *zap.Logger
	metricsReg prometheus.Registerer
}

// Policy holds the search thresholds. Zero fields keep the defaults
// (k=20, max k=100, floor 0.3, high threshold 0.75).
type Policy struct {
	DefaultK       int
	MaxK           int
	AdmissionFloor float64
	HighThreshold  float64
}

// WithRedis stores embeddings and the match ledger in Redis.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverRedis
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithSQLite stores embeddings and the match ledger in a SQLite file.
func WithSQLite(path string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverSQLite
		c.path = path
	})
}

// WithBadger stores embeddings and the match ledger in an embedded Badger directory.
func WithBadger(dir string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverBadger
		c.path = dir
	})
}

// WithKeyPrefix namespaces every stored key. Default: "facematch:".
func WithKeyPrefix(prefix string) Option {
	return optionFunc(func(c *clientConfig) {
		c.prefix = prefix
	})
}

// WithDeepFace uses a DeepFace-compatible /represent service for extraction.
func WithDeepFace(baseURL, model string) Option {
	return optionFunc(func(c *clientConfig) {
		c.deepfaceURL = baseURL
		c.deepfaceName = model
	})
}

// WithExtractor uses a custom extraction backend. modelVersion tags every vector it
// produces; vectors of different versions are never compared.
func WithExtractor(e Extractor, modelVersion string) Option {
	return optionFunc(func(c *clientConfig) {
		c.extractor = e
		c.modelVersion = modelVersion
	})
}

// WithoutExtractionCache disables the content-addressed extraction cache.
func WithoutExtractionCache() Option {
	return optionFunc(func(c *clientConfig) {
		c.noCache = true
	})
}

// WithPolicy overrides the search thresholds.
func WithPolicy(p Policy) Option {
	return optionFunc(func(c *clientConfig) {
		c.policy = p
	})
}

// WithHNSW switches the index to approximate search.
// The flat index gives exact results and is the default.
func WithHNSW(m, efSearch int) Option {
	return optionFunc(func(c *clientConfig) {
		c.hnswM = m
		c.hnswEf = efSearch
	})
}

// WithAutoPropose files proposals for confident candidates of uploads and searches.
func WithAutoPropose() Option {
	return optionFunc(func(c *clientConfig) {
		c.autoPropose = true
	})
}

// WithPhotoDir keeps original photos on disk so Reindex can re-extract them.
// Without it Reindex is unavailable.
func WithPhotoDir(dir string) Option {
	return optionFunc(func(c *clientConfig) {
		c.photoDir = dir
	})
}

// WithMaxBatchSize sets the maximum number of photos per batch upload.
// Default: 10.
func WithMaxBatchSize(size int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxBatch = size
	})
}

// WithLogger enables structured logging for client operations.
// Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers client metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}

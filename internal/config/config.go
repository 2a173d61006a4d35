package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// Config holds the facematch configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Matching  MatchingConfig  `yaml:"matching"`
	Photos    PhotosConfig    `yaml:"photos"`
	Reindex   ReindexConfig   `yaml:"reindex"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`

	// RequestTimeoutSec cancels handler contexts; 0 defaults to write_timeout_sec - 5.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// Database drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// DatabaseConfig holds key-value store settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, sqlite, badger (default: redis)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	Path             string   `yaml:"path"` // sqlite file or badger directory
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// StorageConfig holds key layout settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// Extractor providers.
const (
	ProviderDeepFace = "deepface"
	ProviderOpenAI   = "openai"
)

// ExtractorConfig holds face extraction backend settings.
type ExtractorConfig struct {
	Provider       string  `yaml:"provider"` // deepface, openai
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	ModelVersion   string  `yaml:"model_version"`
	Dimensions     int     `yaml:"dimensions"`
	Detector       string  `yaml:"detector"`
	TimeoutMs      int     `yaml:"timeout_ms"`
	RetryBackoffMs int     `yaml:"retry_backoff_ms"`
	DominanceRatio float64 `yaml:"dominance_ratio"`
	Cache          *bool   `yaml:"cache"`
}

// CacheEnabled reports whether extractions are cached (default: true).
func (c ExtractorConfig) CacheEnabled() bool { return c.Cache == nil || *c.Cache }

// Timeout returns the per-call extraction deadline.
func (c ExtractorConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// RetryBackoff returns the base wait before the retry.
func (c ExtractorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// Index algorithms.
const (
	AlgorithmFlat = "flat"
	AlgorithmHNSW = "hnsw"
)

// IndexConfig holds in-memory index settings.
type IndexConfig struct {
	Algorithm    string `yaml:"algorithm"` // flat, hnsw (default: flat)
	Shards       int    `yaml:"shards"`
	HNSWM        int    `yaml:"hnsw_m"`
	HNSWEfSearch int    `yaml:"hnsw_ef_search"`
	Oversample   int    `yaml:"oversample"`
}

// SearchConfig holds ranking settings.
type SearchConfig struct {
	DefaultK       int     `yaml:"default_k"`
	MaxK           int     `yaml:"max_k"`
	AdmissionFloor float64 `yaml:"admission_floor"`
	HighThreshold  float64 `yaml:"high_threshold"`
	TimeoutMs      int     `yaml:"timeout_ms"`
}

// Policy returns the search policy described by the section.
func (c SearchConfig) Policy() domain.SearchPolicy {
	return domain.SearchPolicy{
		DefaultK:       c.DefaultK,
		MaxK:           c.MaxK,
		AdmissionFloor: c.AdmissionFloor,
		HighThreshold:  c.HighThreshold,
	}
}

// Timeout returns the search deadline.
func (c SearchConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// MatchingConfig holds proposal settings.
type MatchingConfig struct {
	AutoPropose *bool `yaml:"auto_propose"`
}

// AutoProposeEnabled reports whether confident results become proposals (default: true).
func (c MatchingConfig) AutoProposeEnabled() bool { return c.AutoPropose == nil || *c.AutoPropose }

// Photo sources.
const (
	SourceFS = "fs"
	SourceS3 = "s3"
)

// PhotosConfig holds photo intake and storage settings.
type PhotosConfig struct {
	Source       string   `yaml:"source"` // fs, s3 (default: fs)
	Dir          string   `yaml:"dir"`
	MaxBytes     int      `yaml:"max_bytes"`
	MaxBatch     int      `yaml:"max_batch"`
	BatchWorkers int      `yaml:"batch_workers"`
	S3           S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// ReindexConfig holds re-extraction settings.
type ReindexConfig struct {
	Workers   int  `yaml:"workers"`
	OnStartup bool `yaml:"on_startup"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// LoadDotEnv loads variables from path into the process environment outside prod.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(env, path string) error {
	if env == "prod" {
		return nil
	}
	if !fileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.RequestTimeoutSec <= 0 {
		c.HTTP.RequestTimeoutSec = max(c.HTTP.WriteTimeoutSec-5, 1)
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverRedis
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "facematch:"
	}

	if c.Extractor.Provider == "" {
		c.Extractor.Provider = ProviderDeepFace
	}
	if c.Extractor.Provider == ProviderDeepFace {
		if c.Extractor.Model == "" {
			c.Extractor.Model = "Facenet512"
		}
		if c.Extractor.Detector == "" {
			c.Extractor.Detector = "retinaface"
		}
	}
	if c.Extractor.TimeoutMs <= 0 {
		c.Extractor.TimeoutMs = 15000
	}
	if c.Extractor.RetryBackoffMs <= 0 {
		c.Extractor.RetryBackoffMs = 200
	}

	if c.Index.Algorithm == "" {
		c.Index.Algorithm = AlgorithmFlat
	}
	if c.Index.Shards <= 0 {
		c.Index.Shards = 16
	}
	if c.Index.HNSWM <= 0 {
		c.Index.HNSWM = 16
	}
	if c.Index.HNSWEfSearch <= 0 {
		c.Index.HNSWEfSearch = 64
	}
	if c.Index.Oversample <= 0 {
		c.Index.Oversample = 4
	}

	def := domain.DefaultSearchPolicy()
	if c.Search.DefaultK <= 0 {
		c.Search.DefaultK = def.DefaultK
	}
	if c.Search.MaxK <= 0 {
		c.Search.MaxK = def.MaxK
	}
	if c.Search.AdmissionFloor == 0 {
		c.Search.AdmissionFloor = def.AdmissionFloor
	}
	if c.Search.HighThreshold == 0 {
		c.Search.HighThreshold = def.HighThreshold
	}
	if c.Search.TimeoutMs <= 0 {
		c.Search.TimeoutMs = 20000
	}

	if c.Photos.Source == "" {
		c.Photos.Source = SourceFS
	}
	if c.Photos.MaxBytes <= 0 {
		c.Photos.MaxBytes = 5 << 20
	}
	if c.Photos.MaxBatch <= 0 {
		c.Photos.MaxBatch = 10
	}
	if c.Photos.BatchWorkers <= 0 {
		c.Photos.BatchWorkers = 4
	}
	if c.Photos.S3.Region == "" {
		c.Photos.S3.Region = "us-east-1"
	}

	if c.Reindex.Workers <= 0 {
		c.Reindex.Workers = 4
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Database.Driver {
	case DriverRedis:
		if len(c.Database.Addrs) == 0 {
			return errors.New("database.addrs is required for the redis driver")
		}
	case DriverSQLite, DriverBadger:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be redis, sqlite or badger, got %q", c.Database.Driver)
	}

	switch c.Extractor.Provider {
	case ProviderDeepFace, ProviderOpenAI:
	default:
		return fmt.Errorf("extractor.provider must be deepface or openai, got %q", c.Extractor.Provider)
	}
	if c.Extractor.BaseURL == "" {
		return errors.New("extractor.base_url is required")
	}
	if c.Extractor.Model == "" {
		return errors.New("extractor.model is required")
	}
	if c.Extractor.Dimensions < 0 {
		return fmt.Errorf("extractor.dimensions must not be negative, got %d", c.Extractor.Dimensions)
	}
	if c.Extractor.DominanceRatio != 0 && c.Extractor.DominanceRatio < 1 {
		return fmt.Errorf("extractor.dominance_ratio must be at least 1, got %g", c.Extractor.DominanceRatio)
	}

	switch c.Index.Algorithm {
	case AlgorithmFlat, AlgorithmHNSW:
	default:
		return fmt.Errorf("index.algorithm must be flat or hnsw, got %q", c.Index.Algorithm)
	}

	s := c.Search
	if s.AdmissionFloor < 0 || s.HighThreshold > 1 || s.AdmissionFloor > s.HighThreshold {
		return fmt.Errorf("search thresholds must satisfy 0 <= admission_floor <= high_threshold <= 1, got %g / %g",
			s.AdmissionFloor, s.HighThreshold)
	}
	if s.DefaultK > s.MaxK {
		return fmt.Errorf("search.default_k (%d) must not exceed search.max_k (%d)", s.DefaultK, s.MaxK)
	}

	switch c.Photos.Source {
	case SourceFS:
		if c.Photos.Dir == "" {
			return errors.New("photos.dir is required for the fs source")
		}
	case SourceS3:
		if c.Photos.S3.Bucket == "" {
			return errors.New("photos.s3.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("photos.source must be fs or s3, got %q", c.Photos.Source)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// Relative to the source file, for tests run from package directories.
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b)))
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// envVarRegex matches ${VAR} and ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

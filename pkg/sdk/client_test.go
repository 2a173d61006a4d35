package facematch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
)

func TestNew_NoStorage(t *testing.T) {
	_, err := New(context.Background(), WithDeepFace("http://localhost:5005", "Facenet512"))
	if err == nil {
		t.Fatal("expected error when no storage configured")
	}
}

func TestNew_NoExtractor(t *testing.T) {
	_, err := New(context.Background(), WithBadger(t.TempDir()))
	if err == nil {
		t.Fatal("expected error when no extractor configured")
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := &clientConfig{driver: "unknown"}
	if _, err := createStore(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestClientOptions(t *testing.T) {
	cfg := &clientConfig{}

	WithRedis("localhost:6379", "secret").apply(cfg)
	if cfg.driver != driverRedis {
		t.Errorf("driver = %q, want redis", cfg.driver)
	}
	if cfg.addrs[0] != "localhost:6379" || cfg.password != "secret" {
		t.Errorf("redis = (%v, %q)", cfg.addrs, cfg.password)
	}

	WithSQLite("/tmp/fm.db").apply(cfg)
	if cfg.driver != driverSQLite || cfg.path != "/tmp/fm.db" {
		t.Errorf("sqlite = (%q, %q)", cfg.driver, cfg.path)
	}

	WithBadger("/tmp/fm").apply(cfg)
	if cfg.driver != driverBadger || cfg.path != "/tmp/fm" {
		t.Errorf("badger = (%q, %q)", cfg.driver, cfg.path)
	}

	WithHNSW(16, 64).apply(cfg)
	if cfg.hnswM != 16 || cfg.hnswEf != 64 {
		t.Errorf("hnsw = (%d, %d), want (16, 64)", cfg.hnswM, cfg.hnswEf)
	}

	WithMaxBatchSize(3).apply(cfg)
	WithAutoPropose().apply(cfg)
	WithoutExtractionCache().apply(cfg)
	WithKeyPrefix("t:").apply(cfg)
	if cfg.maxBatch != 3 || !cfg.autoPropose || !cfg.noCache || cfg.prefix != "t:" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	logger := zap.NewNop()
	WithLogger(logger).apply(cfg)
	if cfg.logger != logger {
		t.Error("expected logger to be set")
	}

	reg := prometheus.NewRegistry()
	WithPrometheus(reg).apply(cfg)
	if cfg.metricsReg != reg {
		t.Error("expected metricsReg to be set")
	}
}

func TestSearchPolicy_Overrides(t *testing.T) {
	cfg := &clientConfig{}
	WithPolicy(Policy{HighThreshold: 0.9}).apply(cfg)

	p := cfg.searchPolicy()
	def := domain.DefaultSearchPolicy()
	if p.HighThreshold != 0.9 {
		t.Errorf("HighThreshold = %v, want 0.9", p.HighThreshold)
	}
	if p.DefaultK != def.DefaultK || p.MaxK != def.MaxK || p.AdmissionFloor != def.AdmissionFloor {
		t.Errorf("zero fields must keep defaults, got %+v", p)
	}
}

func TestClient_Close_NilStore(t *testing.T) {
	c := &Client{store: nil}
	c.Close()
}

// --- Extractor adapter ---

func TestExtractorAdapter(t *testing.T) {
	a := &extractorAdapter{inner: &mapExtractor{vectors: map[string][]float32{
		string(jpeg("a")): {3, 4},
	}}}

	ext, err := a.Extract(context.Background(), jpeg("a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ext.Vector) != 2 || ext.Vector[0] != 3 {
		t.Errorf("vector = %v, want [3 4]", ext.Vector)
	}
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("health without checker = %v, want nil", err)
	}
}

func TestExtractorAdapter_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no face kept", ErrNoFaceDetected, domain.ErrNoFaceDetected},
		{"ambiguous kept", ErrMultipleFacesAmbiguous, domain.ErrInput},
		{"timeout kept", domain.ErrTimeout, domain.ErrTimeout},
		{"other becomes model error", errors.New("gpu on fire"), domain.ErrModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &extractorAdapter{inner: &mapExtractor{err: tt.err}}
			_, err := a.Extract(context.Background(), jpeg("x"))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExtractorAdapter_HealthDelegates(t *testing.T) {
	down := errors.New("down")
	a := &extractorAdapter{inner: &checkedExtractor{health: down}}
	if err := a.HealthCheck(context.Background()); !errors.Is(err, down) {
		t.Errorf("HealthCheck = %v, want %v", err, down)
	}
}

// --- Observer ---

func TestObserver_NilSafe(t *testing.T) {
	var obs *observer
	obs.observe("test", time.Now(), nil)
	obs.observe("test", time.Now(), errors.New("err"))
}

func TestObserver_WithPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := newObserver(nil, reg)
	if err != nil {
		t.Fatalf("newObserver: %v", err)
	}

	obs.observe("search", time.Now().Add(-10*time.Millisecond), nil)
	obs.observe("search", time.Now(), errors.New("fail"))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "facematch_client_operations_total" {
			found = true
			if len(f.GetMetric()) != 2 {
				t.Errorf("expected 2 metric samples, got %d", len(f.GetMetric()))
			}
		}
	}
	if !found {
		t.Error("facematch_client_operations_total not found")
	}
}

func TestObserver_SharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := newObserver(nil, reg); err != nil {
		t.Fatalf("first observer: %v", err)
	}
	if _, err := newObserver(nil, reg); err != nil {
		t.Fatalf("second observer must reuse collectors: %v", err)
	}
}

func TestObserver_WithLogger(t *testing.T) {
	obs, err := newObserver(zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("newObserver: %v", err)
	}
	obs.observe("test.op", time.Now(), nil)
	obs.observe("test.op", time.Now(), errors.New("test error"))
}

func TestHealth_DegradedStaysSearchable(t *testing.T) {
	c := &Client{healthSvc: healthuc.New(pinger{}).
		WithCheck("extractor", &checkedExtractor{health: errors.New("deepface down")})}

	h := c.Health(context.Background())
	if h.Healthy() || !h.Searchable() {
		t.Errorf("health = %+v, want degraded but searchable", h)
	}
	if h.Checks["extractor"] != "error" || h.Errors["extractor"] != "deepface down" {
		t.Errorf("extractor check = %q / %q", h.Checks["extractor"], h.Errors["extractor"])
	}
}

func TestHealth_StorageDown(t *testing.T) {
	c := &Client{healthSvc: healthuc.New(pinger{err: errors.New("closed")})}
	if h := c.Health(context.Background()); h.Searchable() {
		t.Errorf("health = %+v, want unhealthy", h)
	}
}

// --- Fakes ---

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// jpeg fakes a JPEG payload that content sniffing accepts.
func jpeg(tag string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, tag...)
}

type mapExtractor struct {
	vectors map[string][]float32
	err     error
}

func (m *mapExtractor) Extract(_ context.Context, photo []byte) (Face, error) {
	if m.err != nil {
		return Face{}, m.err
	}
	v, ok := m.vectors[string(photo)]
	if !ok {
		return Face{}, ErrNoFaceDetected
	}
	return Face{Vector: v, Confidence: 0.99}, nil
}

type checkedExtractor struct {
	mapExtractor
	health error
}

func (c *checkedExtractor) HealthCheck(context.Context) error { return c.health }

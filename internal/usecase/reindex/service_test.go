package reindex

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db/badger"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/repository/embedding"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// --- Mocks ---

type mapSource map[string][]byte

func (m mapSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("photo %s: %w", ref, domain.ErrNotFound)
	}
	return b, nil
}

type versionExtractor struct {
	version string
	failOn  string
}

func (v *versionExtractor) Extract(_ context.Context, p []byte) (domain.Extraction, error) {
	if string(p) == v.failOn {
		return domain.Extraction{}, domain.ErrNoFaceDetected
	}
	// v2 maps every photo to a 3-dim vector derived from its length.
	return domain.Extraction{Vector: []float32{1, float32(len(p)), 0}, ModelVersion: v.version}, nil
}

// --- Fixture ---

func seed(t *testing.T, n int) (*embedding.Repo, mapSource) {
	t.Helper()
	s, err := badger.NewStore(badger.Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)

	repo := embedding.New(s, "t:")
	v1 := vectorstore.New(index.New(), repo, "v1", zap.NewNop())
	src := mapSource{}
	for i := range n {
		ref := fmt.Sprintf("photos/p%d.jpg", i)
		e, err := face.NewEmbedding([]float32{float32(i + 1), 1}, "v1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := v1.Insert(context.Background(), vectorstore.InsertInput{
			PhotoID: fmt.Sprintf("p%d", i), ReportID: fmt.Sprintf("mp_%d", i),
			Kind: report.Missing, PhotoRef: ref, Embedding: e,
		}); err != nil {
			t.Fatal(err)
		}
		src[ref] = []byte(ref)
	}
	return repo, src
}

func bumped(t *testing.T, repo *embedding.Repo) *vectorstore.Service {
	t.Helper()
	svc := vectorstore.New(index.New(), repo, "v2", zap.NewNop())
	if _, err := svc.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return svc
}

// --- Run ---

func TestRun_ReplacesStale(t *testing.T) {
	repo, src := seed(t, 10)
	store := bumped(t, repo)
	svc := New(store, &versionExtractor{version: "v2"}, src, zap.NewNop()).WithWorkers(3)

	if svc.Pending() != 10 {
		t.Fatalf("pending = %d, want 10", svc.Pending())
	}
	rep, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Stale != 10 || rep.Replaced != 10 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if store.Stats().StaleCount != 0 {
		t.Errorf("stale after reindex = %d", store.Stats().StaleCount)
	}

	// Durable records carry the new version.
	restarted := bumped(t, repo)
	if restarted.Stats().StaleCount != 0 {
		t.Error("reindex not persisted")
	}
}

func TestRun_PartialFailures(t *testing.T) {
	repo, src := seed(t, 4)
	store := bumped(t, repo)
	delete(src, "photos/p1.jpg")
	ext := &versionExtractor{version: "v2", failOn: "photos/p2.jpg"}

	rep, err := New(store, ext, src, zap.NewNop()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Replaced != 2 || rep.Failed != 2 {
		t.Errorf("report = %+v", rep)
	}
	if store.Stats().StaleCount != 2 {
		t.Errorf("stale = %d, want the 2 failures", store.Stats().StaleCount)
	}
}

func TestRun_WrongExtractorVersion(t *testing.T) {
	repo, src := seed(t, 2)
	store := bumped(t, repo)
	rep, err := New(store, &versionExtractor{version: "v1"}, src, zap.NewNop()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 2 || rep.Replaced != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRun_NothingStale(t *testing.T) {
	repo, src := seed(t, 3)
	store := vectorstore.New(index.New(), repo, "v1", zap.NewNop())
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep, err := New(store, &versionExtractor{version: "v1"}, src, zap.NewNop()).Run(context.Background())
	if err != nil || rep.Stale != 0 {
		t.Errorf("Run() = %+v, %v", rep, err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	repo, src := seed(t, 5)
	store := bumped(t, repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(store, &versionExtractor{version: "v2"}, src, zap.NewNop()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Start ---

func TestStart_RunsInBackground(t *testing.T) {
	repo, src := seed(t, 3)
	store := bumped(t, repo)
	svc := New(store, &versionExtractor{version: "v2"}, src, zap.NewNop())

	pending, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}

	deadline := time.Now().Add(5 * time.Second)
	for svc.Running() {
		if time.Now().After(deadline) {
			t.Fatal("background reindex did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if store.Stats().StaleCount != 0 {
		t.Errorf("stale = %d after background pass", store.Stats().StaleCount)
	}
}

func TestRun_RejectsConcurrentPass(t *testing.T) {
	repo, src := seed(t, 1)
	svc := New(bumped(t, repo), &versionExtractor{version: "v2"}, src, zap.NewNop())
	svc.running.Store(true)

	if _, err := svc.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Run() = %v, want ErrRunning", err)
	}
	if _, err := svc.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Start() = %v, want ErrRunning", err)
	}
}

package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db/badger"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/repository/embedding"
)

const testPrefix = "t:"

type fixture struct {
	store *badger.Store
	repo  *embedding.Repo
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := badger.NewStore(badger.Config{InMemory: true})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	repo := embedding.New(s, testPrefix)
	return &fixture{store: s, repo: repo, svc: New(index.New(), repo, "v1", zap.NewNop())}
}

// restart simulates a process restart over the same store.
func (f *fixture) restart(t *testing.T, modelVersion string) *Service {
	t.Helper()
	svc := New(index.New(), f.repo, modelVersion, zap.NewNop())
	if _, err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return svc
}

func emb(t *testing.T, version string, v ...float32) face.Embedding {
	t.Helper()
	e, err := face.NewEmbedding(v, version)
	if err != nil {
		t.Fatalf("NewEmbedding: %v", err)
	}
	return e
}

func insert(t *testing.T, svc *Service, photoID, reportID string, e face.Embedding) *index.Entry {
	t.Helper()
	kind, err := report.Resolve(reportID, "")
	if err != nil {
		t.Fatal(err)
	}
	entry, err := svc.Insert(context.Background(), InsertInput{
		PhotoID: photoID, ReportID: reportID, Kind: kind, Embedding: e,
	})
	if err != nil {
		t.Fatalf("Insert(%s): %v", photoID, err)
	}
	return entry
}

// --- Insert ---

func TestInsert_SelfMatch(t *testing.T) {
	f := newFixture(t)
	e := emb(t, "v1", 0.2, 0.5, 0.1, 0.9)
	insert(t, f.svc, "p1", "mp_1", e)
	insert(t, f.svc, "p2", "fp_1", emb(t, "v1", 0.9, 0.1, 0.4, 0.0))

	hits, _, err := f.svc.Search(context.Background(), SearchInput{Embedding: e, K: 5, MinSimilarity: 0.3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].ReportID != "mp_1" || hits[0].Similarity < 0.99 {
		t.Fatalf("self match failed: %+v", hits)
	}
}

func TestInsert_DuplicateLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))

	_, err := f.svc.Insert(context.Background(), InsertInput{
		PhotoID: "p1", ReportID: "fp_9", Kind: report.Found, Embedding: emb(t, "v1", 0, 1),
	})
	if !errors.Is(err, domain.ErrDuplicatePhotoID) {
		t.Fatalf("expected ErrDuplicatePhotoID, got %v", err)
	}

	got, err := f.repo.Get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReportID != "mp_1" || got.Vector[0] != 1 {
		t.Errorf("durable record changed: %+v", got)
	}
	if s := f.svc.Stats().Versions["v1"]; s.Live != 1 {
		t.Errorf("live = %d", s.Live)
	}
}

func TestInsert_DuplicateOfRecordMissingFromIndex(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))

	fresh := New(index.New(), f.repo, "v1", zap.NewNop())
	_, err := fresh.Insert(context.Background(), InsertInput{
		PhotoID: "p1", ReportID: "mp_1", Kind: report.Missing, Embedding: emb(t, "v1", 1, 0),
	})
	if !errors.Is(err, domain.ErrDuplicatePhotoID) {
		t.Fatalf("expected ErrDuplicatePhotoID from the durable store, got %v", err)
	}
}

func TestInsert_CompletesAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Insert(ctx, InsertInput{
		PhotoID: "p1", ReportID: "mp_1", Kind: report.Missing, Embedding: emb(t, "v1", 1, 0),
	})
	if err != nil {
		t.Fatalf("insert must outlive its caller: %v", err)
	}
	if _, err := f.repo.Get(context.Background(), "p1"); err != nil {
		t.Errorf("record not written: %v", err)
	}
}

func TestInsert_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   InsertInput
		want error
	}{
		{"no report", InsertInput{PhotoID: "p", Kind: report.Missing, Embedding: emb(t, "v1", 1)}, domain.ErrInvalidReport},
		{"bad kind", InsertInput{PhotoID: "p", ReportID: "r", Kind: "x", Embedding: emb(t, "v1", 1)}, domain.ErrInvalidReport},
		{"no embedding", InsertInput{PhotoID: "p", ReportID: "mp_1", Kind: report.Missing}, domain.ErrInvalidEmbedding},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Insert(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// --- Remove / Compact ---

func TestRemove_TombstoneSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
	insert(t, f.svc, "p2", "mp_2", emb(t, "v1", 1, 0.1))

	removed, err := f.svc.Remove(context.Background(), "p1")
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
	if removed, err := f.svc.Remove(context.Background(), "p1"); err != nil || removed {
		t.Errorf("second Remove() = %v, %v", removed, err)
	}
	if _, err := f.svc.Remove(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	svc := f.restart(t, "v1")
	hits, _, err := svc.Search(context.Background(), SearchInput{Embedding: emb(t, "v1", 1, 0), K: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].PhotoID != "p2" {
		t.Errorf("hits after restart = %+v", hits)
	}
	if st := svc.Stats().Versions["v1"]; st.Tombstoned != 1 || st.Live != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// gatedRepo blocks SaveLive after the durable write until released.
type gatedRepo struct {
	*embedding.Repo
	saved   chan struct{}
	release chan struct{}
}

func (g *gatedRepo) SaveLive(ctx context.Context, e *index.Entry) (bool, error) {
	ok, err := g.Repo.SaveLive(ctx, e)
	close(g.saved)
	<-g.release
	return ok, err
}

func TestRemove_DuringReplaceStaysRemoved(t *testing.T) {
	f := newFixture(t)
	gate := &gatedRepo{Repo: f.repo, saved: make(chan struct{}), release: make(chan struct{})}
	svc := New(index.New(), gate, "v1", zap.NewNop())
	insert(t, svc, "p1", "mp_1", emb(t, "v1", 1, 0))

	next := emb(t, "v1", 0, 1)
	var wg sync.WaitGroup
	var replaceErr, removeErr error
	var removed bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		replaceErr = svc.Replace(context.Background(), "p1", next)
	}()
	<-gate.saved
	wg.Add(1)
	go func() {
		defer wg.Done()
		removed, removeErr = svc.Remove(context.Background(), "p1")
	}()
	close(gate.release)
	wg.Wait()

	if replaceErr != nil {
		t.Fatalf("Replace: %v", replaceErr)
	}
	if removeErr != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, removeErr)
	}
	if e, _ := svc.Get("p1"); !e.Removed() {
		t.Error("indexed entry live after remove")
	}
	if e, ok := f.restart(t, "v1").Get("p1"); !ok || !e.Removed() {
		t.Errorf("after restart: present=%v removed=%v", ok, ok && e.Removed())
	}
}

func TestReplace_RemovedByOtherInstance(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
	other := f.restart(t, "v1")

	if removed, err := other.Remove(context.Background(), "p1"); err != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
	// f.svc still indexes p1 as live.
	err := f.svc.Replace(context.Background(), "p1", emb(t, "v1", 0, 1))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if e, _ := f.svc.Get("p1"); !e.Removed() {
		t.Error("stale index not tombstoned")
	}
	if e, ok := f.restart(t, "v1").Get("p1"); !ok || !e.Removed() {
		t.Error("photo resurrected after restart")
	}
}

func TestCompact_PurgesRecords(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
	insert(t, f.svc, "p2", "mp_2", emb(t, "v1", 0, 1))
	if _, err := f.svc.Remove(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Dropped != 1 {
		t.Errorf("dropped = %d", res.Dropped)
	}
	if _, err := f.repo.Get(context.Background(), "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("record not purged: %v", err)
	}
	// The id is free again.
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
}

// --- Load ---

func TestLoad_SkipsCorruptRecords(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
	if err := f.store.Set(context.Background(), testPrefix+"emb:torn", []byte{0x93, 0x01}); err != nil {
		t.Fatal(err)
	}

	svc := New(index.New(), f.repo, "v1", zap.NewNop())
	res, err := svc.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 1 || res.Corrupt != 1 {
		t.Errorf("result = %+v", res)
	}
	hits, _, err := svc.Search(context.Background(), SearchInput{Embedding: emb(t, "v1", 1, 0), K: 1})
	if err != nil || len(hits) != 1 {
		t.Errorf("index unsearchable after corrupt record: %v, %v", hits, err)
	}
}

func TestLoad_PreservesInsertionOrder(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		insert(t, f.svc, fmt.Sprintf("p%d", i), fmt.Sprintf("mp_%d", i), emb(t, "v1", 1, 1))
	}
	svc := f.restart(t, "v1")
	hits, _, err := svc.Search(context.Background(), SearchInput{Embedding: emb(t, "v1", 1, 1), K: 5})
	if err != nil {
		t.Fatal(err)
	}
	for i, h := range hits {
		if h.PhotoID != fmt.Sprintf("p%d", i) {
			t.Fatalf("order after restart = %+v", hits)
		}
	}
}

// --- Versioning ---

func TestVersionBump_StaleUntilReplaced(t *testing.T) {
	f := newFixture(t)
	for i := range 100 {
		insert(t, f.svc, fmt.Sprintf("p%d", i), fmt.Sprintf("mp_%d", i), emb(t, "v1", 1, float32(i)/100))
	}

	svc := f.restart(t, "v2")
	query := emb(t, "v2", 1, 0.5)
	hits, meta, err := svc.Search(context.Background(), SearchInput{Embedding: query, K: 20, MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if meta.StaleCount != 100 || len(hits) != 0 {
		t.Fatalf("stale = %d, hits = %d; want 100, 0", meta.StaleCount, len(hits))
	}
	if got := len(svc.Stale("v2")); got != 100 {
		t.Errorf("Stale() = %d", got)
	}

	if err := svc.Replace(context.Background(), "p7", emb(t, "v2", 1, 0.5)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	hits, meta, err = svc.Search(context.Background(), SearchInput{Embedding: query, K: 20, MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if meta.StaleCount != 99 || len(hits) != 1 || hits[0].PhotoID != "p7" {
		t.Errorf("after replace: stale = %d, hits = %+v", meta.StaleCount, hits)
	}

	// The replacement is durable and keeps its sequence.
	again := f.restart(t, "v2")
	e, ok := again.Get("p7")
	if !ok || e.ModelVersion != "v2" || e.Seq != 8 {
		t.Errorf("replaced entry after restart = %+v", e)
	}
}

func TestSearch_ExcludeReport(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))
	insert(t, f.svc, "p2", "mp_2", emb(t, "v1", 1, 0.05))

	hits, _, err := f.svc.Search(context.Background(), SearchInput{
		Embedding: emb(t, "v1", 1, 0), K: 1,
		Exclude: func(id string, _ report.Kind) bool { return id == "mp_1" },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ReportID != "mp_2" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestSearch_DimensionMismatchIsIndexError(t *testing.T) {
	f := newFixture(t)
	insert(t, f.svc, "p1", "mp_1", emb(t, "v1", 1, 0))

	_, _, err := f.svc.Search(context.Background(), SearchInput{Embedding: emb(t, "v1", 1, 0, 0), K: 1})
	if !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected ErrIndex, got %v", err)
	}
}

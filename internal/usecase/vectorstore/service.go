// Package vectorstore keeps the durable embedding records and the in-memory index in step.
//
// Writes go to the durable store first and are published to the index only after they
// commit, so a crash never leaves an indexed entry without a record. Load rebuilds the
// index from the records.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/metrics"
)

// DefaultWriteTimeout bounds a durable write that outlives its caller.
const DefaultWriteTimeout = 10 * time.Second

// photoLocks is the number of stripes serializing removals and replacements per photo.
const photoLocks = 64

// InsertInput describes a photo to index.
type InsertInput struct {
	PhotoID   string
	ReportID  string
	Kind      report.Kind
	PhotoRef  string
	Embedding face.Embedding
}

// SearchInput describes a nearest-neighbor query.
type SearchInput struct {
	Embedding     face.Embedding
	K             int
	MinSimilarity float64
	// Exclude drops candidates before the K cut. Nil keeps everything.
	Exclude func(reportID string, kind report.Kind) bool
}

// LoadResult summarizes crash recovery.
type LoadResult struct {
	Loaded     int `json:"loaded"`
	Tombstoned int `json:"tombstoned"`
	Corrupt    int `json:"corrupt"`
}

// CompactResult summarizes a compaction.
type CompactResult struct {
	Dropped int `json:"dropped"`
}

// Stats describes the index contents.
type Stats struct {
	Algorithm    string                        `json:"algorithm"`
	ModelVersion string                        `json:"model_version"`
	StaleCount   int                           `json:"stale_count"`
	Versions     map[string]index.VersionStats `json:"versions"`
}

// Service is the vector store.
type Service struct {
	idx          *index.Index
	repo         Repository
	modelVersion string
	writeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time

	locks [photoLocks]sync.Mutex
}

// New creates a vector store. modelVersion is the version new queries are made with.
func New(idx *index.Index, repo Repository, modelVersion string, logger *zap.Logger) *Service {
	return &Service{
		idx:          idx,
		repo:         repo,
		modelVersion: modelVersion,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// WithWriteTimeout sets the bound on durable writes.
func (s *Service) WithWriteTimeout(d time.Duration) *Service {
	if d > 0 {
		s.writeTimeout = d
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ModelVersion returns the current model version.
func (s *Service) ModelVersion() string { return s.modelVersion }

// Insert stores and indexes an embedding. The entry is searchable when Insert returns.
// Fails with ErrDuplicatePhotoID if the photo is already stored, live or tombstoned.
// The write completes even if ctx is cancelled.
func (s *Service) Insert(ctx context.Context, in InsertInput) (*index.Entry, error) {
	e, err := s.insert(ctx, in)
	s.countOp("insert", err)
	return e, err
}

func (s *Service) insert(ctx context.Context, in InsertInput) (*index.Entry, error) {
	if in.PhotoID == "" || in.ReportID == "" {
		return nil, fmt.Errorf("photo and report ids are required: %w", domain.ErrInvalidReport)
	}
	if !in.Kind.IsValid() {
		return nil, fmt.Errorf("report %s: kind %q: %w", in.ReportID, in.Kind, domain.ErrInvalidReport)
	}
	if in.Embedding.IsZero() {
		return nil, fmt.Errorf("photo %s: %w", in.PhotoID, domain.ErrInvalidEmbedding)
	}
	if s.idx.Contains(in.PhotoID) {
		return nil, fmt.Errorf("photo %s: %w", in.PhotoID, domain.ErrDuplicatePhotoID)
	}
	if dim, ok := s.idx.Dims(in.Embedding.ModelVersion()); ok && dim != in.Embedding.Dim() {
		return nil, fmt.Errorf("model %s expects %d dimensions, got %d: %w",
			in.Embedding.ModelVersion(), dim, in.Embedding.Dim(), domain.ErrIndex)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	seq, err := s.repo.NextSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", in.PhotoID, err)
	}
	e := &index.Entry{
		PhotoID:      in.PhotoID,
		ReportID:     in.ReportID,
		Kind:         in.Kind,
		ModelVersion: in.Embedding.ModelVersion(),
		PhotoRef:     in.PhotoRef,
		Vector:       in.Embedding.Vector(),
		Seq:          seq,
		InsertedAt:   s.now().UTC(),
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("insert %s: %w", in.PhotoID, err)
	}
	if err := s.idx.Add(e); err != nil {
		// Lost a race with a concurrent writer on dimensions; undo the record.
		if perr := s.repo.Purge(ctx, []string{e.PhotoID}); perr != nil {
			s.logger.Error("Failed to roll back embedding record",
				zap.String("photo_id", e.PhotoID), zap.Error(perr))
		}
		return nil, fmt.Errorf("index %s: %w", in.PhotoID, err)
	}

	s.refreshGauges()
	return e, nil
}

// Remove tombstones a photo. Returns false if it was already removed.
func (s *Service) Remove(ctx context.Context, photoID string) (bool, error) {
	removed, err := s.remove(ctx, photoID)
	s.countOp("remove", err)
	return removed, err
}

func (s *Service) remove(ctx context.Context, photoID string) (bool, error) {
	unlock := s.lockPhoto(photoID)
	defer unlock()

	e, ok := s.idx.Get(photoID)
	if !ok {
		return false, fmt.Errorf("photo %s: %w", photoID, domain.ErrNotFound)
	}
	if e.Removed() {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.repo.Tombstone(ctx, e); err != nil {
		return false, fmt.Errorf("remove %s: %w", photoID, err)
	}
	removed, err := s.idx.Remove(photoID)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", photoID, err)
	}
	s.refreshGauges()
	return removed, nil
}

// Search returns nearest neighbors of the query embedding. Only entries of the query's
// model version are scored; the rest are reported in Meta.StaleCount.
func (s *Service) Search(ctx context.Context, in SearchInput) ([]index.Hit, index.Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, index.Meta{}, fmt.Errorf("search: %w", err)
	}
	q := index.Query{
		Vector:        in.Embedding.Vector(),
		ModelVersion:  in.Embedding.ModelVersion(),
		K:             in.K,
		MinSimilarity: in.MinSimilarity,
	}
	if in.Exclude != nil {
		q.Exclude = func(e *index.Entry) bool { return in.Exclude(e.ReportID, e.Kind) }
	}
	hits, meta, err := s.idx.Search(q)
	s.countOp("search", err)
	if err != nil {
		return nil, meta, fmt.Errorf("search: %w", err)
	}
	return hits, meta, nil
}

// Compact drops tombstoned entries from the index and deletes their records.
func (s *Service) Compact(ctx context.Context) (CompactResult, error) {
	dropped := s.idx.Compact()
	if err := s.repo.Purge(ctx, dropped); err != nil {
		s.countOp("compact", err)
		return CompactResult{}, fmt.Errorf("compact: %w", err)
	}
	s.countOp("compact", nil)
	s.refreshGauges()
	s.logger.Info("Index compacted", zap.Int("dropped", len(dropped)))
	return CompactResult{Dropped: len(dropped)}, nil
}

// Load rebuilds the index from durable records. Undecodable or conflicting records
// are logged and skipped.
func (s *Service) Load(ctx context.Context) (LoadResult, error) {
	entries, corrupt, err := s.repo.LoadAll(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load: %w", err)
	}

	var res LoadResult
	for _, c := range corrupt {
		s.logger.Warn("Skipping corrupt embedding record", zap.String("key", c.Key), zap.Error(c.Err))
	}
	res.Corrupt = len(corrupt)

	for _, e := range entries {
		if err := s.idx.Add(e); err != nil {
			s.logger.Warn("Skipping embedding record",
				zap.String("photo_id", e.PhotoID), zap.Error(err))
			res.Corrupt++
			continue
		}
		if e.Removed() {
			res.Tombstoned++
		} else {
			res.Loaded++
		}
	}

	metrics.IndexCorruptRecordsTotal.Add(float64(res.Corrupt))
	s.refreshGauges()
	s.logger.Info("Index loaded",
		zap.Int("loaded", res.Loaded),
		zap.Int("tombstoned", res.Tombstoned),
		zap.Int("corrupt", res.Corrupt),
		zap.Int("stale", s.idx.StaleCount(s.modelVersion)),
	)
	return res, nil
}

// Replace swaps the embedding of a live photo, keeping its insertion order. A photo
// removed while the replacement is written stays removed and ErrNotFound is returned.
func (s *Service) Replace(ctx context.Context, photoID string, emb face.Embedding) error {
	err := s.replace(ctx, photoID, emb)
	s.countOp("replace", err)
	return err
}

func (s *Service) replace(ctx context.Context, photoID string, emb face.Embedding) error {
	if emb.IsZero() {
		return fmt.Errorf("photo %s: %w", photoID, domain.ErrInvalidEmbedding)
	}

	unlock := s.lockPhoto(photoID)
	defer unlock()

	e, ok := s.idx.Get(photoID)
	if !ok || e.Removed() {
		return fmt.Errorf("photo %s: %w", photoID, domain.ErrNotFound)
	}
	if dim, ok := s.idx.Dims(emb.ModelVersion()); ok && dim != emb.Dim() {
		return fmt.Errorf("model %s expects %d dimensions, got %d: %w",
			emb.ModelVersion(), dim, emb.Dim(), domain.ErrIndex)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	next := e.Clone()
	next.Vector = emb.Vector()
	next.ModelVersion = emb.ModelVersion()
	saved, err := s.repo.SaveLive(ctx, next)
	if err != nil {
		return fmt.Errorf("replace %s: %w", photoID, err)
	}
	if !saved {
		// Removed through another instance sharing the store.
		if _, err := s.idx.Remove(photoID); err != nil {
			return fmt.Errorf("replace %s: %w", photoID, err)
		}
		s.refreshGauges()
		return fmt.Errorf("photo %s is removed: %w", photoID, domain.ErrNotFound)
	}
	if _, err := s.idx.Replace(photoID, next.Vector, next.ModelVersion); err != nil {
		return fmt.Errorf("replace %s: %w", photoID, err)
	}
	s.refreshGauges()
	return nil
}

// Get returns the indexed entry of a photo.
func (s *Service) Get(photoID string) (*index.Entry, bool) { return s.idx.Get(photoID) }

// ReportKind returns the kind the report's photos were indexed under.
func (s *Service) ReportKind(reportID string) (report.Kind, bool) { return s.idx.ReportKind(reportID) }

func (s *Service) lockPhoto(photoID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(photoID))
	mu := &s.locks[h.Sum32()%photoLocks]
	mu.Lock()
	return mu.Unlock
}

// Stale lists live entries not produced by the given model version.
func (s *Service) Stale(modelVersion string) []*index.Entry { return s.idx.Stale(modelVersion) }

// Stats returns index counters.
func (s *Service) Stats() Stats {
	return Stats{
		Algorithm:    s.idx.Algorithm(),
		ModelVersion: s.modelVersion,
		StaleCount:   s.idx.StaleCount(s.modelVersion),
		Versions:     s.idx.Stats(),
	}
}

func (s *Service) refreshGauges() {
	for v, st := range s.idx.Stats() {
		metrics.IndexEntries.WithLabelValues(v, "live").Set(float64(st.Live))
		metrics.IndexEntries.WithLabelValues(v, "tombstoned").Set(float64(st.Tombstoned))
	}
	metrics.IndexStaleEntries.Set(float64(s.idx.StaleCount(s.modelVersion)))
}

func (s *Service) countOp(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		status = "conflict"
	case errors.Is(err, domain.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.IndexOperationsTotal.WithLabelValues(op, status).Inc()
}

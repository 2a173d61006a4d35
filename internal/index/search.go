package index

import (
	"fmt"
	"sort"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/report"
)

// Query describes a nearest-neighbor search.
type Query struct {
	Vector        []float32
	ModelVersion  string
	K             int
	MinSimilarity float64
	// Exclude drops entries before the K cut. Nil keeps everything.
	Exclude func(e *Entry) bool
}

// Hit is one search result.
type Hit struct {
	PhotoID    string
	ReportID   string
	Kind       report.Kind
	Similarity float64
	Seq        uint64
}

// Meta carries search bookkeeping alongside the hits.
type Meta struct {
	// StaleCount is the number of live entries tagged with another model version.
	StaleCount int
	// Scored is the number of entries whose similarity was computed.
	Scored int
}

// Search returns up to K hits with similarity >= MinSimilarity, by descending similarity
// with ties broken by earliest insertion. Only entries of the query's model version are scored.
func (idx *Index) Search(q Query) ([]Hit, Meta, error) {
	meta := Meta{StaleCount: idx.StaleCount(q.ModelVersion)}
	if q.K <= 0 || len(q.Vector) == 0 {
		return nil, meta, nil
	}
	if dim, ok := idx.Dims(q.ModelVersion); ok && dim != len(q.Vector) {
		return nil, meta, fmt.Errorf("query has %d dimensions, index %s has %d: %w",
			len(q.Vector), q.ModelVersion, dim, domain.ErrIndex)
	}

	var (
		hits []Hit
		err  error
	)
	if idx.ann != nil {
		hits, meta.Scored, err = idx.searchANN(q)
	} else {
		hits, meta.Scored = idx.searchFlat(q)
	}
	if err != nil {
		return nil, meta, err
	}

	SortHits(hits)
	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, meta, nil
}

func (idx *Index) searchFlat(q Query) ([]Hit, int) {
	var hits []Hit
	scored := 0
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if h, ok := score(q, e); ok {
				hits = append(hits, h)
			}
			if eligible(q, e) {
				scored++
			}
		}
		sh.mu.RUnlock()
	}
	return hits, scored
}

func (idx *Index) searchANN(q Query) ([]Hit, int, error) {
	cands, err := idx.ann.candidates(q)
	if err != nil {
		return nil, 0, err
	}
	hits := make([]Hit, 0, len(cands))
	for _, e := range cands {
		if h, ok := score(q, e); ok {
			hits = append(hits, h)
		}
	}
	return hits, len(cands), nil
}

func eligible(q Query, e *Entry) bool {
	if e.Removed() || e.ModelVersion != q.ModelVersion {
		return false
	}
	return q.Exclude == nil || !q.Exclude(e)
}

func score(q Query, e *Entry) (Hit, bool) {
	if !eligible(q, e) {
		return Hit{}, false
	}
	sim := face.Similarity(q.Vector, e.Vector)
	if sim < q.MinSimilarity {
		return Hit{}, false
	}
	return Hit{
		PhotoID:    e.PhotoID,
		ReportID:   e.ReportID,
		Kind:       e.Kind,
		Similarity: sim,
		Seq:        e.Seq,
	}, true
}

// SortHits orders hits by descending similarity, then ascending insertion sequence.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
}

package index

import (
	"fmt"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// HNSWConfig tunes the approximate pre-selection graphs.
type HNSWConfig struct {
	M          int
	EfSearch   int
	Oversample int
}

// annIndex keeps one HNSW graph per model version. Graph keys are insertion sequences.
// Tombstoned and replaced nodes stay in the graph until Compact rebuilds it; candidates
// are resolved through bySeq and filtered, then rescored exactly.
type annIndex struct {
	cfg HNSWConfig

	mu     sync.RWMutex
	graphs map[string]*hnsw.Graph[uint64]
	bySeq  map[uint64]*Entry
}

func newANN(cfg HNSWConfig) *annIndex {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 64
	}
	if cfg.Oversample <= 0 {
		cfg.Oversample = 4
	}
	return &annIndex{
		cfg:    cfg,
		graphs: make(map[string]*hnsw.Graph[uint64]),
		bySeq:  make(map[uint64]*Entry),
	}
}

func (a *annIndex) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = a.cfg.M
	g.EfSearch = a.cfg.EfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

func (a *annIndex) add(e *Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.graphs[e.ModelVersion]
	if !ok {
		g = a.newGraph()
		a.graphs[e.ModelVersion] = g
	}
	g.Add(hnsw.MakeNode(e.Seq, e.Vector))
	a.bySeq[e.Seq] = e
}

func (a *annIndex) rebuild(live []*Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graphs = make(map[string]*hnsw.Graph[uint64])
	a.bySeq = make(map[uint64]*Entry, len(live))
	for _, e := range live {
		g, ok := a.graphs[e.ModelVersion]
		if !ok {
			g = a.newGraph()
			a.graphs[e.ModelVersion] = g
		}
		g.Add(hnsw.MakeNode(e.Seq, e.Vector))
		a.bySeq[e.Seq] = e
	}
}

// candidates returns the current entries behind the graph's nearest nodes.
func (a *annIndex) candidates(q Query) (out []*Entry, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	g, ok := a.graphs[q.ModelVersion]
	if !ok || g.Len() == 0 {
		return nil, nil
	}

	n := q.K * a.cfg.Oversample
	if n < a.cfg.EfSearch {
		n = a.cfg.EfSearch
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v: %w", errIndexPanic, r, domain.ErrIndex)
		}
	}()

	for _, node := range g.Search(q.Vector, n) {
		if e, ok := a.bySeq[node.Key]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Package index is the in-memory nearest-neighbor index over face embeddings.
//
// Entries live in shards guarded by their own RWMutex. An insert holds one shard
// exclusively for the duration of a map write, so a search never observes a torn
// entry and is visible to every search that starts after Add returns.
package index

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/report"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

// Entry is one indexed photo. Fields are immutable after Add except the tombstone flag.
type Entry struct {
	PhotoID      string
	ReportID     string
	Kind         report.Kind
	ModelVersion string
	PhotoRef     string
	Vector       []float32
	Seq          uint64
	InsertedAt   time.Time

	removed atomic.Bool
}

// Removed reports whether the entry is tombstoned.
func (e *Entry) Removed() bool { return e.removed.Load() }

// Clone returns a copy of the entry, tombstone flag included.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		PhotoID:      e.PhotoID,
		ReportID:     e.ReportID,
		Kind:         e.Kind,
		ModelVersion: e.ModelVersion,
		PhotoRef:     e.PhotoRef,
		Vector:       e.Vector,
		Seq:          e.Seq,
		InsertedAt:   e.InsertedAt,
	}
	c.removed.Store(e.Removed())
	return c
}

// Tombstone flags the entry as removed. Returns false if it already was.
// Use it directly only on entries not yet added to an Index.
func (e *Entry) Tombstone() bool { return e.removed.CompareAndSwap(false, true) }

// VersionStats counts entries for one model version.
type VersionStats struct {
	Live       int `json:"live"`
	Tombstoned int `json:"tombstoned"`
}

type shard struct {
	mu      sync.RWMutex
	byPhoto map[string]int
	entries []*Entry
}

// Index is safe for concurrent use.
type Index struct {
	shards []*shard
	ann    *annIndex

	mu     sync.Mutex
	dims   map[string]int
	counts map[string]*VersionStats
}

// Option configures an Index.
type Option func(*Index)

// WithShards sets the shard count.
func WithShards(n int) Option {
	return func(idx *Index) {
		if n > 0 {
			idx.shards = newShards(n)
		}
	}
}

// WithHNSW enables approximate pre-selection through per-version HNSW graphs.
func WithHNSW(cfg HNSWConfig) Option {
	return func(idx *Index) {
		idx.ann = newANN(cfg)
	}
}

// New creates an empty index.
func New(opts ...Option) *Index {
	idx := &Index{
		shards: newShards(DefaultShards),
		dims:   make(map[string]int),
		counts: make(map[string]*VersionStats),
	}
	for _, o := range opts {
		o(idx)
	}
	return idx
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{byPhoto: make(map[string]int)}
	}
	return shards
}

// Algorithm names the search strategy in use.
func (idx *Index) Algorithm() string {
	if idx.ann != nil {
		return "hnsw"
	}
	return "flat"
}

func (idx *Index) shardFor(photoID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(photoID))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

// Add publishes an entry. A tombstoned entry may be added during recovery.
// Fails with ErrDuplicatePhotoID if the photo is already indexed, live or tombstoned.
func (idx *Index) Add(e *Entry) error {
	if e.PhotoID == "" || len(e.Vector) == 0 || e.ModelVersion == "" {
		return fmt.Errorf("incomplete entry %q: %w", e.PhotoID, domain.ErrInvalidEmbedding)
	}
	if err := idx.checkDims(e.ModelVersion, len(e.Vector)); err != nil {
		return err
	}

	sh := idx.shardFor(e.PhotoID)
	sh.mu.Lock()
	if _, ok := sh.byPhoto[e.PhotoID]; ok {
		sh.mu.Unlock()
		return fmt.Errorf("photo %s: %w", e.PhotoID, domain.ErrDuplicatePhotoID)
	}
	sh.byPhoto[e.PhotoID] = len(sh.entries)
	sh.entries = append(sh.entries, e)
	sh.mu.Unlock()

	idx.count(e.ModelVersion, e.Removed(), 1)
	if idx.ann != nil && !e.Removed() {
		idx.ann.add(e)
	}
	return nil
}

// Contains reports whether the photo is indexed, live or tombstoned.
func (idx *Index) Contains(photoID string) bool {
	_, ok := idx.Get(photoID)
	return ok
}

// Get returns the entry for a photo.
func (idx *Index) Get(photoID string) (*Entry, bool) {
	sh := idx.shardFor(photoID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	i, ok := sh.byPhoto[photoID]
	if !ok {
		return nil, false
	}
	return sh.entries[i], true
}

// Remove tombstones a photo. Returns false if it was already tombstoned.
// The entry is looked up and flagged under the shard lock, so a concurrent
// Replace either sees the tombstone or has its clone tombstoned.
func (idx *Index) Remove(photoID string) (bool, error) {
	sh := idx.shardFor(photoID)
	sh.mu.Lock()
	i, ok := sh.byPhoto[photoID]
	if !ok {
		sh.mu.Unlock()
		return false, fmt.Errorf("photo %s: %w", photoID, domain.ErrNotFound)
	}
	e := sh.entries[i]
	removed := e.Tombstone()
	sh.mu.Unlock()
	if !removed {
		return false, nil
	}
	idx.mu.Lock()
	c := idx.statsLocked(e.ModelVersion)
	c.Live--
	c.Tombstoned++
	idx.mu.Unlock()
	return true, nil
}

// Replace swaps the vector and model version of a live entry, keeping its insertion order.
func (idx *Index) Replace(photoID string, vector []float32, modelVersion string) (*Entry, error) {
	if err := idx.checkDims(modelVersion, len(vector)); err != nil {
		return nil, err
	}

	sh := idx.shardFor(photoID)
	sh.mu.Lock()
	i, ok := sh.byPhoto[photoID]
	if !ok {
		sh.mu.Unlock()
		return nil, fmt.Errorf("photo %s: %w", photoID, domain.ErrNotFound)
	}
	old := sh.entries[i]
	if old.Removed() {
		sh.mu.Unlock()
		return nil, fmt.Errorf("photo %s is removed: %w", photoID, domain.ErrNotFound)
	}
	next := old.Clone()
	next.Vector = vector
	next.ModelVersion = modelVersion
	sh.entries[i] = next
	sh.mu.Unlock()

	idx.count(old.ModelVersion, false, -1)
	idx.count(modelVersion, false, 1)
	if idx.ann != nil {
		idx.ann.add(next)
	}
	return next, nil
}

// Compact drops tombstoned entries and rebuilds the ANN graphs. Returns the dropped photo ids.
func (idx *Index) Compact() []string {
	var dropped []string
	for _, sh := range idx.shards {
		sh.mu.Lock()
		kept := sh.entries[:0:0]
		byPhoto := make(map[string]int, len(sh.byPhoto))
		for _, e := range sh.entries {
			if e.Removed() {
				dropped = append(dropped, e.PhotoID)
				continue
			}
			byPhoto[e.PhotoID] = len(kept)
			kept = append(kept, e)
		}
		sh.entries = kept
		sh.byPhoto = byPhoto
		sh.mu.Unlock()
	}

	idx.mu.Lock()
	for _, c := range idx.counts {
		c.Tombstoned = 0
	}
	idx.mu.Unlock()

	if idx.ann != nil {
		idx.ann.rebuild(idx.Live())
	}
	sort.Strings(dropped)
	return dropped
}

// Live returns all live entries ordered by insertion.
func (idx *Index) Live() []*Entry {
	return idx.collect(func(e *Entry) bool { return !e.Removed() })
}

// Stale returns live entries not produced by the given model version, ordered by insertion.
func (idx *Index) Stale(modelVersion string) []*Entry {
	return idx.collect(func(e *Entry) bool {
		return !e.Removed() && e.ModelVersion != modelVersion
	})
}

// ReportKind returns the kind of the report's indexed photos, tombstoned ones included.
func (idx *Index) ReportKind(reportID string) (report.Kind, bool) {
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.ReportID == reportID {
				sh.mu.RUnlock()
				return e.Kind, true
			}
		}
		sh.mu.RUnlock()
	}
	return "", false
}

// Stats returns per-version counters.
func (idx *Index) Stats() map[string]VersionStats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[string]VersionStats, len(idx.counts))
	for v, c := range idx.counts {
		out[v] = *c
	}
	return out
}

// StaleCount returns how many live entries belong to other model versions.
func (idx *Index) StaleCount(modelVersion string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for v, c := range idx.counts {
		if v != modelVersion {
			n += c.Live
		}
	}
	return n
}

// Dims returns the vector dimensionality recorded for a model version.
func (idx *Index) Dims(modelVersion string) (int, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	d, ok := idx.dims[modelVersion]
	return d, ok
}

func (idx *Index) collect(keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if keep(e) {
				out = append(out, e)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// checkDims pins the dimensionality of a model version on first use.
func (idx *Index) checkDims(modelVersion string, dim int) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	want, ok := idx.dims[modelVersion]
	if !ok {
		idx.dims[modelVersion] = dim
		return nil
	}
	if want != dim {
		return fmt.Errorf("model %s expects %d dimensions, got %d: %w",
			modelVersion, want, dim, domain.ErrIndex)
	}
	return nil
}

func (idx *Index) count(modelVersion string, removed bool, delta int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c := idx.statsLocked(modelVersion)
	if removed {
		c.Tombstoned += delta
		return
	}
	c.Live += delta
}

func (idx *Index) statsLocked(modelVersion string) *VersionStats {
	c, ok := idx.counts[modelVersion]
	if !ok {
		c = &VersionStats{}
		idx.counts[modelVersion] = c
	}
	return c
}

// errIndexPanic marks a recovered panic inside the ANN library.
var errIndexPanic = errors.New("ann search panicked")

// Package embedding persists indexed face embeddings as msgpack records in the key-value store.
//
// A removal also writes a marker under {prefix}emb_tomb:{photo_id}. The marker wins over
// the record's own flag, so a live overwrite racing a removal cannot resurrect the photo.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kailas-cloud/facematch/internal/db"
	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/index"
)

// loadBatch bounds the number of keys fetched per MGET during recovery.
const loadBatch = 256

// store is the consumer interface for embedding records (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// record is the durable form of an index entry.
type record struct {
	PhotoID      string    `msgpack:"photo_id"`
	ReportID     string    `msgpack:"report_id"`
	Kind         string    `msgpack:"kind"`
	ModelVersion string    `msgpack:"model_version"`
	PhotoRef     string    `msgpack:"photo_ref,omitempty"`
	Vector       []float32 `msgpack:"vector"`
	Seq          uint64    `msgpack:"seq"`
	InsertedAt   int64     `msgpack:"inserted_at"`
	Removed      bool      `msgpack:"removed,omitempty"`
}

// CorruptRecord describes a durable record that could not be decoded.
type CorruptRecord struct {
	Key string
	Err error
}

// Repo stores embedding records under {prefix}emb:{photo_id}.
type Repo struct {
	store  store
	prefix string
}

// New creates an embedding repository. prefix namespaces every key.
func New(s store, prefix string) *Repo {
	return &Repo{store: s, prefix: prefix}
}

func (r *Repo) key(photoID string) string { return r.prefix + "emb:" + photoID }

func (r *Repo) seqKey() string { return r.prefix + "emb_seq" }

func (r *Repo) tombKey(photoID string) string { return r.prefix + "emb_tomb:" + photoID }

// NextSeq allocates the next insertion sequence number.
func (r *Repo) NextSeq(ctx context.Context) (uint64, error) {
	n, err := r.store.Incr(ctx, r.seqKey())
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return uint64(n), nil
}

// Create writes a new record. Fails with ErrDuplicatePhotoID if the photo is already stored.
func (r *Repo) Create(ctx context.Context, e *index.Entry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	ok, err := r.store.SetNX(ctx, r.key(e.PhotoID), data)
	if err != nil {
		return fmt.Errorf("create %s: %w", e.PhotoID, err)
	}
	if !ok {
		return fmt.Errorf("photo %s: %w", e.PhotoID, domain.ErrDuplicatePhotoID)
	}
	return nil
}

// Save overwrites the record of an existing entry, e.g. after a tombstone or a re-extraction.
func (r *Repo) Save(ctx context.Context, e *index.Entry) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.key(e.PhotoID), data); err != nil {
		return fmt.Errorf("save %s: %w", e.PhotoID, err)
	}
	return nil
}

// Tombstone marks the photo removed, then saves a tombstoned copy of the entry.
func (r *Repo) Tombstone(ctx context.Context, e *index.Entry) error {
	if err := r.store.Set(ctx, r.tombKey(e.PhotoID), []byte{1}); err != nil {
		return fmt.Errorf("mark %s removed: %w", e.PhotoID, err)
	}
	tomb := e.Clone()
	tomb.Tombstone()
	return r.Save(ctx, tomb)
}

// SaveLive overwrites the record of a live entry. If the photo was removed in the
// meantime the tombstoned record is restored and false is returned.
func (r *Repo) SaveLive(ctx context.Context, e *index.Entry) (bool, error) {
	if err := r.Save(ctx, e); err != nil {
		return false, err
	}
	removed, err := r.removed(ctx, e.PhotoID)
	if err != nil {
		return false, err
	}
	if !removed {
		return true, nil
	}
	tomb := e.Clone()
	tomb.Tombstone()
	if err := r.Save(ctx, tomb); err != nil {
		return false, fmt.Errorf("restore tombstone of %s: %w", e.PhotoID, err)
	}
	return false, nil
}

func (r *Repo) removed(ctx context.Context, photoID string) (bool, error) {
	if _, err := r.store.Get(ctx, r.tombKey(photoID)); err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read removal marker of %s: %w", photoID, err)
	}
	return true, nil
}

// Get returns the stored entry for a photo.
func (r *Repo) Get(ctx context.Context, photoID string) (*index.Entry, error) {
	data, err := r.store.Get(ctx, r.key(photoID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("photo %s: %w", photoID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", photoID, err)
	}
	e, err := decode(data)
	if err != nil {
		return nil, err
	}
	removed, err := r.removed(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if removed {
		e.Tombstone()
	}
	return e, nil
}

// LoadAll reads every stored record. Undecodable records are returned separately and skipped.
func (r *Repo) LoadAll(ctx context.Context) ([]*index.Entry, []CorruptRecord, error) {
	keys, err := r.store.ScanPrefix(ctx, r.prefix+"emb:")
	if err != nil {
		return nil, nil, fmt.Errorf("scan embeddings: %w", err)
	}
	tombKeys, err := r.store.ScanPrefix(ctx, r.prefix+"emb_tomb:")
	if err != nil {
		return nil, nil, fmt.Errorf("scan removal markers: %w", err)
	}
	removed := make(map[string]struct{}, len(tombKeys))
	for _, k := range tombKeys {
		removed[strings.TrimPrefix(k, r.prefix+"emb_tomb:")] = struct{}{}
	}

	entries := make([]*index.Entry, 0, len(keys))
	var corrupt []CorruptRecord
	for start := 0; start < len(keys); start += loadBatch {
		end := min(start+loadBatch, len(keys))
		batch := keys[start:end]
		values, err := r.store.MGet(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("load embeddings: %w", err)
		}
		for i, data := range values {
			if data == nil {
				continue // deleted between scan and read
			}
			e, err := decode(data)
			if err != nil {
				corrupt = append(corrupt, CorruptRecord{Key: batch[i], Err: err})
				continue
			}
			if r.key(e.PhotoID) != batch[i] {
				corrupt = append(corrupt, CorruptRecord{
					Key: batch[i],
					Err: fmt.Errorf("record holds photo %q", e.PhotoID),
				})
				continue
			}
			if _, ok := removed[e.PhotoID]; ok {
				e.Tombstone()
			}
			entries = append(entries, e)
		}
	}
	return entries, corrupt, nil
}

// Purge deletes the records and removal markers of the given photos.
func (r *Repo) Purge(ctx context.Context, photoIDs []string) error {
	for start := 0; start < len(photoIDs); start += loadBatch {
		end := min(start+loadBatch, len(photoIDs))
		keys := make([]string, 0, 2*(end-start))
		for _, id := range photoIDs[start:end] {
			keys = append(keys, r.key(id), r.tombKey(id))
		}
		if err := r.store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("purge embeddings: %w", err)
		}
	}
	return nil
}

// PhotoIDFromKey strips the record key prefix. Returns false for foreign keys.
func (r *Repo) PhotoIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, r.prefix+"emb:")
}

func encode(e *index.Entry) ([]byte, error) {
	rec := record{
		PhotoID:      e.PhotoID,
		ReportID:     e.ReportID,
		Kind:         string(e.Kind),
		ModelVersion: e.ModelVersion,
		PhotoRef:     e.PhotoRef,
		Vector:       e.Vector,
		Seq:          e.Seq,
		InsertedAt:   e.InsertedAt.UnixNano(),
		Removed:      e.Removed(),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding %s: %w", e.PhotoID, err)
	}
	return data, nil
}

func decode(data []byte) (*index.Entry, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	if rec.PhotoID == "" || rec.ModelVersion == "" || len(rec.Vector) == 0 {
		return nil, fmt.Errorf("incomplete embedding record %q: %w", rec.PhotoID, domain.ErrInvalidEmbedding)
	}
	kind, err := report.ParseKind(rec.Kind)
	if err != nil {
		return nil, fmt.Errorf("embedding record %q: %w", rec.PhotoID, err)
	}
	e := &index.Entry{
		PhotoID:      rec.PhotoID,
		ReportID:     rec.ReportID,
		Kind:         kind,
		ModelVersion: rec.ModelVersion,
		PhotoRef:     rec.PhotoRef,
		Vector:       rec.Vector,
		Seq:          rec.Seq,
		InsertedAt:   time.Unix(0, rec.InsertedAt).UTC(),
	}
	if rec.Removed {
		e.Tombstone()
	}
	return e, nil
}

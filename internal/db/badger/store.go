// Package badger implements db.Store on an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db"
)

// Compile-time check: Store implements db.Store.
var _ db.Store = (*Store)(nil)

// maxTxnRetries bounds retries of optimistic transactions that hit a write conflict.
const maxTxnRetries = 16

// Config holds BadgerDB settings.
type Config struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string
	// InMemory keeps all data in memory. Used by tests.
	InMemory bool
	// Logger receives badger's internal log output. Nil silences it.
	Logger *zap.Logger
}

// Store implements db.Store via BadgerDB transactions.
type Store struct {
	db *badgerdb.DB
}

// NewStore opens the database.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, fmt.Errorf("dir is required for on-disk mode")
	}
	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.WithLogger(&zapLogger{s: logger.Named("badger").Sugar()})

	bdb, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: bdb}, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return &db.Error{Op: db.OpPing, Err: db.ErrClosed}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() {
	_ = s.db.Close()
}

// WaitForReady returns immediately: an embedded database is ready once opened.
func (s *Store) WaitForReady(ctx context.Context, _ time.Duration) error {
	return s.Ping(ctx)
}

// Get retrieves a value by key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		val, err = getValue(txn, key)
		return err
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, &db.Error{Op: db.OpGet, Err: err}
	}
	return val, nil
}

// MGet fetches several keys in one read transaction.
func (s *Store) MGet(_ context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(keys))
	err := s.db.View(func(txn *badgerdb.Txn) error {
		for i, key := range keys {
			val, err := getValue(txn, key)
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("key %s: %w", key, err)
			}
			out[i] = val
		}
		return nil
	})
	if err != nil {
		return nil, &db.Error{Op: db.OpMGet, Err: err}
	}
	return out, nil
}

// Set stores a value at the given key.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// SetNX stores the value only if the key is absent.
func (s *Store) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	var created bool
	err := s.update(func(txn *badgerdb.Txn) error {
		created = false
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return false, &db.Error{Op: db.OpSetNX, Err: err}
	}
	return created, nil
}

// MSetNX stores all items only if none of the keys exist.
// Badger's conflict detection makes the read-check-write sequence atomic.
func (s *Store) MSetNX(_ context.Context, items []db.KVItem) (bool, error) {
	if len(items) == 0 {
		return true, nil
	}
	var created bool
	err := s.update(func(txn *badgerdb.Txn) error {
		created = false
		for _, item := range items {
			if _, err := txn.Get([]byte(item.Key)); err == nil {
				return nil
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}
		for _, item := range items {
			if err := txn.Set([]byte(item.Key), item.Value); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, &db.Error{Op: db.OpMSetNX, Err: err}
	}
	return created, nil
}

// Incr atomically increments a decimal counter.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.update(func(txn *badgerdb.Txn) error {
		n = 0
		val, err := getValue(txn, key)
		switch {
		case errors.Is(err, badgerdb.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if n, err = strconv.ParseInt(string(val), 10, 64); err != nil {
				return fmt.Errorf("value is not an integer: %w", err)
			}
		}
		n++
		return txn.Set([]byte(key), []byte(strconv.FormatInt(n, 10)))
	})
	if err != nil {
		return 0, &db.Error{Op: db.OpIncr, Err: err}
	}
	return n, nil
}

// Del deletes keys. Missing keys are ignored.
func (s *Store) Del(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.update(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	return nil
}

// ScanPrefix returns every key starting with prefix.
func (s *Store) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		iterOpts := badgerdb.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = p
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, &db.Error{Op: db.OpScan, Err: err}
	}
	return keys, nil
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

func getValue(txn *badgerdb.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// zapLogger adapts zap to badger's logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l *zapLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l *zapLogger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l *zapLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }

package extcache

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db"
	"github.com/kailas-cloud/facematch/internal/domain"
)

type mockExtractor struct {
	result domain.Extraction
	err    error
	calls  int
}

func (m *mockExtractor) Extract(_ context.Context, _ []byte) (domain.Extraction, error) {
	m.calls++
	return m.result, m.err
}

// mockKVStore implements the consumer interface for tests.
type mockKVStore struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte) error
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockKVStore) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return nil
}

func newTestCachedExtractor(t *testing.T, inner *mockExtractor) (*CachedExtractor, *mockKVStore) {
	t.Helper()
	ms := &mockKVStore{}
	ce := New(inner, ms, "t:", "v1", nil, zap.NewNop())
	return ce, ms
}

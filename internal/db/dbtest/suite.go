// Package dbtest holds a behavioral test suite shared by the embedded db.Store drivers.
package dbtest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/kailas-cloud/facematch/internal/db"
)

// Run exercises the db.Store contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) db.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, db.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustSet(t, s, "k", "v1")
		mustSet(t, s, "k", "v2")
		got, err := s.Get(ctx, "k")
		if err != nil || string(got) != "v2" {
			t.Fatalf("Get() = %q, %v", got, err)
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ok, err := s.SetNX(ctx, "k", []byte("first"))
		if err != nil || !ok {
			t.Fatalf("first SetNX = %v, %v", ok, err)
		}
		ok, err = s.SetNX(ctx, "k", []byte("second"))
		if err != nil || ok {
			t.Fatalf("second SetNX = %v, %v", ok, err)
		}
		got, _ := s.Get(ctx, "k")
		if string(got) != "first" {
			t.Errorf("value overwritten: %q", got)
		}
	})

	t.Run("MSetNXAllOrNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustSet(t, s, "b", "taken")

		ok, err := s.MSetNX(ctx, []db.KVItem{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		})
		if err != nil || ok {
			t.Fatalf("MSetNX over existing key = %v, %v", ok, err)
		}
		if _, err := s.Get(ctx, "a"); !errors.Is(err, db.ErrKeyNotFound) {
			t.Errorf("partial write leaked key a: %v", err)
		}

		ok, err = s.MSetNX(ctx, []db.KVItem{
			{Key: "a", Value: []byte("1")},
			{Key: "c", Value: []byte("3")},
		})
		if err != nil || !ok {
			t.Fatalf("MSetNX on free keys = %v, %v", ok, err)
		}
	})

	t.Run("MSetNXConcurrentSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const racers = 8
		var wg sync.WaitGroup
		wins := make(chan int, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.MSetNX(ctx, []db.KVItem{
					{Key: "shared", Value: []byte{byte(i)}},
					{Key: "own-" + string(rune('a'+i)), Value: []byte{byte(i)}},
				})
				if err != nil {
					t.Errorf("MSetNX: %v", err)
					return
				}
				if ok {
					wins <- i
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		if n := len(wins); n != 1 {
			t.Fatalf("expected exactly one winner, got %d", n)
		}
	})

	t.Run("Incr", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "seq")
			if err != nil || n != want {
				t.Fatalf("Incr() = %d, %v; want %d", n, err, want)
			}
		}
	})

	t.Run("MGetAndDel", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustSet(t, s, "x", "1")
		mustSet(t, s, "y", "2")

		vals, err := s.MGet(ctx, []string{"x", "nope", "y"})
		if err != nil {
			t.Fatalf("MGet: %v", err)
		}
		if string(vals[0]) != "1" || vals[1] != nil || string(vals[2]) != "2" {
			t.Errorf("unexpected MGet values %q", vals)
		}

		if err := s.Del(ctx, "x", "nope"); err != nil {
			t.Fatalf("Del: %v", err)
		}
		if _, err := s.Get(ctx, "x"); !errors.Is(err, db.ErrKeyNotFound) {
			t.Errorf("x survived Del: %v", err)
		}
	})

	t.Run("ScanPrefix", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustSet(t, s, "fm:emb:a", "1")
		mustSet(t, s, "fm:emb:b", "2")
		mustSet(t, s, "fm:embx", "3")
		mustSet(t, s, "fm:proposal:a", "4")

		keys, err := s.ScanPrefix(ctx, "fm:emb:")
		if err != nil {
			t.Fatalf("ScanPrefix: %v", err)
		}
		sort.Strings(keys)
		if len(keys) != 2 || keys[0] != "fm:emb:a" || keys[1] != "fm:emb:b" {
			t.Errorf("unexpected keys %v", keys)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func mustSet(t *testing.T, s db.Store, key, value string) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(value)); err != nil {
		t.Fatalf("Set(%s): %v", key, err)
	}
}

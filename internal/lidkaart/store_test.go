package lidkaart

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) CacheStore

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) CacheStore {
			return newMemoryStore(0)
		},
		"leveldb": func(t *testing.T) CacheStore {
			s, err := newLevelDBStore(t.TempDir(), 0)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) CacheStore {
			mr := miniredis.RunT(t)
			s := newRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestCacheStoreBackends(t *testing.T) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("get put", func(t *testing.T) { testStoreGetPut(t, factory(t)) })
			t.Run("delete matching", func(t *testing.T) { testStoreDeleteMatching(t, factory(t)) })
			t.Run("namespaces", func(t *testing.T) { testStoreNamespaces(t, factory(t)) })
		})
	}
}

func testStoreGetPut(t *testing.T, s CacheStore) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "ns", "GET /missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ent := CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(`{"status":"CURRENT"}`),
		StoredAt: 1735725600,
		Hash32:   42,
	}
	require.NoError(t, s.Put(ctx, "ns", "GET /api/card/verify/m1", ent))

	got, ok, err := s.Get(ctx, "ns", "GET /api/card/verify/m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ent, got)

	// same key in another namespace is independent
	_, ok, err = s.Get(ctx, "other", "GET /api/card/verify/m1")
	require.NoError(t, err)
	assert.False(t, ok)

	ent.Body = []byte(`{"status":"NIET_ACTUEEL"}`)
	require.NoError(t, s.Put(ctx, "ns", "GET /api/card/verify/m1", ent))
	got, _, err = s.Get(ctx, "ns", "GET /api/card/verify/m1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"NIET_ACTUEEL"}`, string(got.Body))
}

func testStoreDeleteMatching(t *testing.T, s CacheStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, "dyn", fmt.Sprintf("GET /api/card/verify/m%d", i), CacheEntry{Status: 200}))
	}
	require.NoError(t, s.Put(ctx, "dyn", "GET /api/members", CacheEntry{Status: 200}))
	require.NoError(t, s.Put(ctx, "static", "GET /api/card/verify/m0", CacheEntry{Status: 200}))

	n, err := s.DeleteMatching(ctx, "dyn", func(k string) bool {
		return strings.HasPrefix(k, "GET /api/card/verify/")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := s.Keys(ctx, "dyn")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /api/members"}, keys)

	keys, err = s.Keys(ctx, "static")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /api/card/verify/m0"}, keys)

	n, err = s.DeleteMatching(ctx, "dyn", func(string) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStoreNamespaces(t *testing.T, s CacheStore) {
	ctx := context.Background()
	for _, ns := range []string{"lidkaart-v0", "lidkaart-static-v0", "lidkaart-v1"} {
		require.NoError(t, s.Put(ctx, ns, "GET /", CacheEntry{Status: 200}))
	}

	names, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lidkaart-v0", "lidkaart-static-v0", "lidkaart-v1"}, names)

	ok, err := s.DeleteNamespace(ctx, "lidkaart-v0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteNamespace(ctx, "lidkaart-v0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Get(ctx, "lidkaart-v0", "GET /")
	require.NoError(t, err)
	assert.False(t, found)

	names, err = s.Namespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lidkaart-static-v0", "lidkaart-v1"}, names)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	body := []byte(strings.Repeat("x", 512))
	probe, err := encodeGob(CacheEntry{Status: 200, Body: body})
	require.NoError(t, err)
	// room for two entries, not three
	s := newMemoryStore(int64(len(probe))*2 + int64(len(probe))/2)

	require.NoError(t, s.Put(ctx, "ns", "a", CacheEntry{Status: 200, Body: body}))
	require.NoError(t, s.Put(ctx, "ns", "b", CacheEntry{Status: 200, Body: body}))
	_, ok, _ := s.Get(ctx, "ns", "a") // a becomes most recent
	require.True(t, ok)
	require.NoError(t, s.Put(ctx, "ns", "c", CacheEntry{Status: 200, Body: body}))

	keys, err := s.Keys(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)
	assert.LessOrEqual(t, s.TotalSize(), s.maxBytes)
}

func TestMemoryStoreRejectsOversizedEntries(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(64)
	err := s.Put(ctx, "ns", "big", CacheEntry{Status: 200, Body: make([]byte, 1024)})
	require.ErrorIs(t, err, errEntryTooLarge)

	_, ok, err := s.Get(ctx, "ns", "big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLevelDBStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := newLevelDBStore(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "lidkaart-v0", "GET /api/card/verify/m1", CacheEntry{Status: 200, Body: []byte("{}")}))
	require.NoError(t, s.Close())

	s, err = newLevelDBStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"lidkaart-v0"}, names)

	keys, err := s.Keys(ctx, "lidkaart-v0")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /api/card/verify/m1"}, keys)
	assert.Positive(t, s.TotalSize())
}

func TestLevelDBStoreEvictsWhenOverBudget(t *testing.T) {
	ctx := context.Background()
	s, err := newLevelDBStore(t.TempDir(), 4096)
	require.NoError(t, err)
	defer s.Close()

	body := []byte(strings.Repeat("y", 1024))
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put(ctx, "ns", fmt.Sprintf("GET /asset/%d", i), CacheEntry{Status: 200, Body: body}))
	}

	keys, err := s.Keys(ctx, "ns")
	require.NoError(t, err)
	assert.Less(t, len(keys), 8)
	assert.Contains(t, keys, "GET /asset/7")
}

func TestLevelDBStoreRejectsWritesAfterClose(t *testing.T) {
	s, err := newLevelDBStore(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put(context.Background(), "ns", "k", CacheEntry{Status: 200})
	assert.ErrorIs(t, err, errStoreClosed)
}

func TestLevelDBStoreDeleteNamespaceLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	s, err := newLevelDBStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put(ctx, "lidkaart-v0", "GET /seed", CacheEntry{Status: 200}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, "lidkaart-v0", fmt.Sprintf("GET /late/%d", i), CacheEntry{Status: 200}))
		}()
		go func() {
			defer wg.Done()
			_, err := s.DeleteNamespace(ctx, "lidkaart-v0")
			assert.NoError(t, err)
		}()
		wg.Wait()

		names, err := s.Namespaces(ctx)
		require.NoError(t, err)
		keys, err := s.Keys(ctx, "lidkaart-v0")
		require.NoError(t, err)
		if !slices.Contains(names, "lidkaart-v0") {
			require.Empty(t, keys, "entries survived without their namespace")
			_, found, err := s.Get(ctx, "lidkaart-v0", fmt.Sprintf("GET /late/%d", i))
			require.NoError(t, err)
			require.False(t, found)
		}
		_, err = s.DeleteNamespace(ctx, "lidkaart-v0")
		require.NoError(t, err)
	}
}

func TestLevelDBStoreDeletesRejectedAfterClose(t *testing.T) {
	s, err := newLevelDBStore(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.DeleteNamespace(context.Background(), "ns")
	assert.ErrorIs(t, err, errStoreClosed)
	_, err = s.DeleteMatching(context.Background(), "ns", func(string) bool { return true })
	assert.ErrorIs(t, err, errStoreClosed)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	var cfg Config
	cfg.Storage.Backend = "cassandra"
	_, err := OpenStore(cfg)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

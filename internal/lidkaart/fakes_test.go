package lidkaart

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errNetworkDown = errors.New("dial tcp: connection refused")

// fakeNetwork serves canned responses by request URI. Unknown URIs get 404.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*Response
	offline   bool
	calls     map[string]int
	// gate, when set, blocks every fetch until it is closed.
	gate chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]*Response{}, calls: map[string]int{}}
}

func (n *fakeNetwork) Set(uri string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[uri] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Calls(uri string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[uri]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL]++
	if n.offline {
		return nil, errNetworkDown
	}
	r, ok := n.responses[req.URL]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: append([]byte(nil), r.Body...)}, nil
}

// faultyStore fails the operations that are switched on.
type faultyStore struct {
	CacheStore
	failGet bool
	failPut bool
}

var errStoreBroken = errors.New("storage unavailable")

func (s *faultyStore) Get(ctx context.Context, ns, key string) (CacheEntry, bool, error) {
	if s.failGet {
		return CacheEntry{}, false, errStoreBroken
	}
	return s.CacheStore.Get(ctx, ns, key)
}

func (s *faultyStore) Put(ctx context.Context, ns, key string, ent CacheEntry) error {
	if s.failPut {
		return errStoreBroken
	}
	return s.CacheStore.Put(ctx, ns, key, ent)
}

var fixedNow = time.Date(2025, 1, 2, 8, 30, 0, 0, time.UTC)

func testEngineOptions(store CacheStore, f Fetcher) EngineOptions {
	return EngineOptions{
		Store:              store,
		Fetcher:            f,
		DynamicNamespace:   "lidkaart-v1",
		StaticNamespace:    "lidkaart-static-v1",
		VerifyPrefixes:     []string{"/api/card/verify"},
		StaticDestinations: []string{"document", "script", "style", "image"},
		OriginHost:         "origin.test",
		SyncTag:            "card-refresh",
		Logger:             zerolog.Nop(),
		Now:                func() time.Time { return fixedNow },
	}
}

// newActiveEngine returns an engine that already controls clients.
func newActiveEngine(t *testing.T, store CacheStore, f Fetcher) *Engine {
	t.Helper()
	e := NewEngine(testEngineOptions(store, f))
	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

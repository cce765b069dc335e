package lidkaart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrInstallFailed = errors.New("install failed")

const (
	offlineMessage = "Geen internetverbinding"
	isoMillis      = "2006-01-02T15:04:05.000Z07:00"

	defaultMaxBackground = 32
	precacheConcurrency  = 8
)

// Values reported in Response.Source and the X-Lidkaart header.
const (
	SourceNetwork      = "network"
	SourceOfflineCache = "offline-cache"
	SourceOfflineError = "offline-error"
	SourceHit          = "hit"
	SourceMiss         = "miss"
	SourceBypass       = "bypass"
)

type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type EngineOptions struct {
	Store   CacheStore
	Fetcher Fetcher

	DynamicNamespace string
	StaticNamespace  string

	// VerifyPrefixes are path prefixes of the card verification endpoint;
	// a request matches when exactly one path segment follows a prefix.
	VerifyPrefixes     []string
	StaticDestinations []string

	Precache    []string
	ManifestURL string
	OriginHost  string

	SyncTag string

	// MaxBackground caps concurrent stale-while-revalidate refreshes.
	MaxBackground int

	Logger zerolog.Logger
	// Registerer receives the engine metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// ErrorSink receives swallowed cache-layer errors. Defaults to a
	// rate-limited warning log.
	ErrorSink func(op string, err error)
	Now       func() time.Time
}

// Engine applies the offline cache policy to intercepted requests.
type Engine struct {
	store   CacheStore
	fetcher Fetcher

	dynamicNS string
	staticNS  string

	verify       []pathPrefixMatcher
	destinations map[string]struct{}

	precache    []string
	manifestURL string
	originHost  string
	syncTag     string

	state       atomic.Int32
	claimed     atomic.Bool
	skipWaiting atomic.Bool

	bgSem chan struct{}
	wg    sync.WaitGroup

	log     zerolog.Logger
	sink    func(op string, err error)
	now     func() time.Time
	metrics *metrics
	stats   *statsCollector
}

func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		dynamicNS:    opts.DynamicNamespace,
		staticNS:     opts.StaticNamespace,
		destinations: make(map[string]struct{}, len(opts.StaticDestinations)),
		precache:     opts.Precache,
		manifestURL:  opts.ManifestURL,
		originHost:   opts.OriginHost,
		syncTag:      opts.SyncTag,
		log:          opts.Logger,
		sink:         opts.ErrorSink,
		now:          opts.Now,
		metrics:      newMetrics(opts.Registerer),
		stats:        newStatsCollector(),
	}
	for _, p := range opts.VerifyPrefixes {
		e.verify = append(e.verify, pathPrefixMatcher{Prefix: strings.TrimRight(p, "/")})
	}
	for _, d := range opts.StaticDestinations {
		e.destinations[strings.ToLower(d)] = struct{}{}
	}
	n := opts.MaxBackground
	if n <= 0 {
		n = defaultMaxBackground
	}
	e.bgSem = make(chan struct{}, n)
	if e.now == nil {
		e.now = time.Now
	}
	if e.sink == nil {
		rl := newRateLimitedLogger(e.log, time.Minute)
		e.sink = rl.Warn
	}
	return e
}

// Close waits for background cache work to finish. It does not close the store.
func (e *Engine) Close() {
	e.wg.Wait()
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Controlling reports whether clients have been claimed, i.e. whether the
// cache policy is applied to requests.
func (e *Engine) Controlling() bool { return e.claimed.Load() }

func (e *Engine) SkipWaiting() bool { return e.skipWaiting.Load() }

func (e *Engine) DynamicNamespace() string { return e.dynamicNS }
func (e *Engine) StaticNamespace() string  { return e.staticNS }

// Classify picks the handling path for req.
func (e *Engine) Classify(req *Request) Strategy {
	if !e.claimed.Load() || req.Method != http.MethodGet {
		return StrategyNetworkOnly
	}
	if e.isVerifyPath(req.Path()) {
		return StrategyNetworkFirst
	}
	if _, ok := e.destinations[strings.ToLower(req.Destination)]; ok {
		return StrategyStaleWhileRevalidate
	}
	return StrategyNetworkOnly
}

// Handle applies the policy for req. Network-first never returns an error;
// the other strategies surface network failures they cannot recover from.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Response, error) {
	strategy := e.Classify(req)

	var (
		resp *Response
		err  error
	)
	switch strategy {
	case StrategyNetworkFirst:
		resp = e.networkFirst(ctx, req)
	case StrategyStaleWhileRevalidate:
		resp, err = e.staleWhileRevalidate(ctx, req)
	default:
		resp, err = e.networkOnly(ctx, req)
	}

	outcome := "error"
	if resp != nil {
		outcome = resp.Source
		if strategy != StrategyNetworkOnly {
			e.stats.Observe(len(resp.Body))
		}
	}
	e.metrics.requests.WithLabelValues(string(strategy), outcome).Inc()
	return resp, err
}

func (e *Engine) networkFirst(ctx context.Context, req *Request) *Response {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		putCtx := context.WithoutCancel(ctx)
		if err := e.store.Put(putCtx, e.dynamicNS, req.Key(), e.entryFor(resp)); err != nil {
			e.swallow("put-dynamic", err)
		}
		resp.Source = SourceNetwork
		return resp
	}

	e.log.Debug().Err(err).Str("url", req.URL).Msg("verification fetch failed, serving offline")
	return e.offlineFallback(ctx, req)
}

func (e *Engine) offlineFallback(ctx context.Context, req *Request) *Response {
	ent, ok, err := e.store.Get(ctx, e.dynamicNS, req.Key())
	if err != nil {
		e.swallow("get-dynamic", err)
		return offlineErrorResponse()
	}
	if !ok {
		return offlineErrorResponse()
	}

	var payload map[string]any
	if err := json.Unmarshal(ent.Body, &payload); err != nil || payload == nil {
		if err != nil {
			e.swallow("decode-offline", err)
		}
		return offlineErrorResponse()
	}
	payload["status"] = StatusNotCurrent
	payload["offline"] = true
	payload["refreshedAt"] = e.now().UTC().Format(isoMillis)

	b, err := json.Marshal(payload)
	if err != nil {
		e.swallow("encode-offline", err)
		return offlineErrorResponse()
	}
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   b,
		Source: SourceOfflineCache,
	}
}

type offlineErrorBody struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Offline bool   `json:"offline"`
}

func offlineErrorResponse() *Response {
	b, _ := json.Marshal(offlineErrorBody{
		Error:   offlineMessage,
		Status:  StatusNotCurrent,
		Offline: true,
	})
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   b,
		Source: SourceOfflineError,
	}
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *Request) (*Response, error) {
	key := req.Key()
	ent, ok, err := e.store.Get(ctx, e.staticNS, key)
	if err != nil {
		e.swallow("get-static", err)
		ok = false
	}
	if ok {
		e.revalidateAsync(ctx, req)
		resp := ent.Response()
		resp.Source = SourceHit
		return resp, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.putAsync(e.staticNS, key, e.entryFor(resp))
	resp.Source = SourceMiss
	return resp, nil
}

func (e *Engine) networkOnly(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Source = SourceBypass
	return resp, nil
}

// revalidateAsync refreshes the static entry for req without blocking the
// caller. It is skipped when too many refreshes are already running.
func (e *Engine) revalidateAsync(ctx context.Context, req *Request) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.log.Debug().Str("url", req.URL).Msg("revalidation skipped, background queue full")
		return
	}
	bg := context.WithoutCancel(ctx)
	clone := *req
	clone.Header = cloneHeader(req.Header)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()

		resp, err := e.fetcher.Fetch(bg, &clone)
		if err != nil {
			e.log.Debug().Err(err).Str("url", clone.URL).Msg("revalidation fetch failed")
			return
		}
		ent := e.entryFor(resp)
		cur, ok, _ := e.store.Get(bg, e.staticNS, clone.Key())
		if ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
			return
		}
		if err := e.store.Put(bg, e.staticNS, clone.Key(), ent); err != nil {
			e.swallow("put-static", err)
		}
	}()
}

func (e *Engine) putAsync(ns, key string, ent CacheEntry) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.store.Put(context.Background(), ns, key, ent); err != nil {
			e.swallow("put-static", err)
		}
	}()
}

// Install seeds the static namespace with the precache manifest. Either every
// asset is fetched with a 2xx status and stored, or nothing is kept.
func (e *Engine) Install(ctx context.Context) error {
	e.state.Store(int32(StateInstalling))

	fail := func(err error) error {
		e.state.Store(int32(StateRedundant))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	uris, err := resolveManifest(ctx, e.fetcher, e.precache, e.manifestURL, e.originHost)
	if err != nil {
		return fail(err)
	}

	entries := make([]CacheEntry, len(uris))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, uri := range uris {
		i, uri := i, uri
		g.Go(func() error {
			resp, err := e.fetcher.Fetch(gctx, &Request{
				Method:      http.MethodGet,
				URL:         uri,
				Header:      http.Header{},
				Destination: inferDestination(pathOf(uri), ""),
			})
			if err != nil {
				return fmt.Errorf("precache %s: %w", uri, err)
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("precache %s: unexpected status %d", uri, resp.Status)
			}
			entries[i] = e.entryFor(resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	written := make(map[string]struct{}, len(uris))
	rollback := func() {
		if _, err := e.store.DeleteMatching(ctx, e.staticNS, func(k string) bool {
			_, ok := written[k]
			return ok
		}); err != nil {
			e.swallow("install-rollback", err)
		}
	}
	for i, uri := range uris {
		key := cacheKey(http.MethodGet, uri)
		if err := e.store.Put(ctx, e.staticNS, key, entries[i]); err != nil {
			rollback()
			return fail(fmt.Errorf("store %s: %w", uri, err))
		}
		written[key] = struct{}{}
	}
	// A bounded store may have evicted earlier assets to make room for later ones.
	for _, uri := range uris {
		_, ok, err := e.store.Get(ctx, e.staticNS, cacheKey(http.MethodGet, uri))
		if err == nil && !ok {
			err = fmt.Errorf("evicted before install completed")
		}
		if err != nil {
			rollback()
			return fail(fmt.Errorf("verify %s: %w", uri, err))
		}
	}

	e.metrics.precached.Set(float64(len(uris)))
	e.skipWaiting.Store(true)
	e.state.Store(int32(StateInstalled))
	e.log.Info().Int("assets", len(uris)).Str("namespace", e.staticNS).Msg("installed")
	return nil
}

// Activate deletes every namespace other than the two current ones and then
// claims clients, after which Handle applies the cache policy.
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	if e.State() == StateRedundant {
		return nil, fmt.Errorf("activate: engine is redundant after failed install")
	}
	e.state.Store(int32(StateActivating))

	names, err := e.store.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var purged []string
	for _, ns := range names {
		if ns == e.dynamicNS || ns == e.staticNS {
			continue
		}
		ok, err := e.store.DeleteNamespace(ctx, ns)
		if err != nil {
			return purged, fmt.Errorf("delete namespace %q: %w", ns, err)
		}
		if ok {
			purged = append(purged, ns)
			e.metrics.purged.Inc()
		}
	}

	e.claimed.Store(true)
	e.state.Store(int32(StateActivated))
	e.log.Info().Strs("purged", purged).Msg("activated")
	return purged, nil
}

// Sync handles a background sync signal. For the configured refresh tag it
// drops every cached verification entry; other tags are ignored.
func (e *Engine) Sync(ctx context.Context, tag string) (int, error) {
	if tag != e.syncTag {
		e.log.Debug().Str("tag", tag).Msg("ignoring unknown sync tag")
		return 0, nil
	}
	n, err := e.store.DeleteMatching(ctx, e.dynamicNS, e.isVerifyKey)
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", tag, err)
	}
	e.metrics.syncDeleted.WithLabelValues(tag).Add(float64(n))
	e.log.Info().Str("tag", tag).Int("deleted", n).Msg("sync")
	return n, nil
}

func (e *Engine) isVerifyPath(path string) bool {
	for _, m := range e.verify {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (e *Engine) isVerifyKey(key string) bool {
	_, uri, ok := splitKey(key)
	return ok && e.isVerifyPath(pathOf(uri))
}

func (e *Engine) entryFor(resp *Response) CacheEntry {
	return CacheEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		StoredAt: e.now().Unix(),
		Hash32:   crc32.ChecksumIEEE(resp.Body),
	}
}

func (e *Engine) swallow(op string, err error) {
	e.metrics.backgroundErrors.WithLabelValues(op).Inc()
	e.sink(op, err)
}

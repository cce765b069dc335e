package lidkaart

import (
	"net/http"
	"strings"
)

// Request is one intercepted request as seen by the engine.
type Request struct {
	Method string
	// URL is the request URI relative to the origin: path plus optional query.
	URL    string
	Header http.Header
	// Destination is the fetch destination reported by the client
	// ("document", "script", "style", "image", ...). Empty when unknown.
	Destination string
	Body        []byte
}

// Key is the cache identity of the request.
func (r *Request) Key() string {
	return cacheKey(r.Method, r.URL)
}

// Path returns URL without its query string.
func (r *Request) Path() string {
	return pathOf(r.URL)
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// Source tells how the engine produced the response (SourceHit, ...).
	// It is not part of the HTTP response.
	Source string
}

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func (e CacheEntry) Response() *Response {
	return &Response{Status: e.Status, Header: cloneHeader(e.Header), Body: e.Body}
}

// VerificationResult is the typed view of the card verification payload.
type VerificationResult struct {
	Status      string `json:"status"`
	RefreshedAt string `json:"refreshedAt"`
	Offline     bool   `json:"offline,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	StatusCurrent    = "CURRENT"
	StatusNotCurrent = "NIET_ACTUEEL"
)

// Strategy names the handling path a request was classified into.
type Strategy string

const (
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkOnly          Strategy = "network-only"
)

func cacheKey(method, uri string) string {
	return strings.ToUpper(method) + " " + uri
}

// splitKey is the inverse of cacheKey.
func splitKey(key string) (method, uri string, ok bool) {
	method, uri, ok = strings.Cut(key, " ")
	return method, uri, ok
}

func pathOf(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		return uri[:i]
	}
	return uri
}

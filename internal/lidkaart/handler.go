package lidkaart

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

const (
	cacheHeader  = "X-Lidkaart"
	maxBodyBytes = 10 << 20
)

type StatusResponse struct {
	State       string         `json:"state"`
	Controlling bool           `json:"controlling"`
	Dynamic     string         `json:"dynamicNamespace"`
	Static      string         `json:"staticNamespace"`
	Namespaces  map[string]int `json:"namespaces"`
	PendingSync []string       `json:"pendingSync"`
	Responses   StatsSnapshot  `json:"responses"`
	StoreBytes  int64          `json:"storeBytes"`
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.RequestURI()).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	r.Route("/_lidkaart", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
		r.Get("/status", s.handleStatus)
		r.Post("/sync/{tag}", s.handleSync)
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})

	r.Handle("/", http.HandlerFunc(s.handleIntercept))
	r.Handle("/*", http.HandlerFunc(s.handleIntercept))
	return r
}

func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req := &Request{
		Method:      r.Method,
		URL:         r.URL.RequestURI(),
		Header:      cloneHeader(r.Header),
		Destination: destinationOf(r),
		Body:        body,
	}

	resp, err := s.engine.Handle(r.Context(), req)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("url", req.URL).Msg("origin unreachable")
		setCacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := s.store.Namespaces(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	counts := make(map[string]int, len(names))
	for _, ns := range names {
		keys, err := s.store.Keys(ctx, ns)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		counts[ns] = len(keys)
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State:       s.engine.State().String(),
		Controlling: s.engine.Controlling(),
		Dynamic:     s.engine.DynamicNamespace(),
		Static:      s.engine.StaticNamespace(),
		Namespaces:  counts,
		PendingSync: s.sync.Pending(),
		Responses:   s.engine.Stats(),
		StoreBytes:  storeBytes(s.store),
	})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	res, err := s.sync.Register(r.Context(), tag)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if res.Status == SyncPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// destinationOf prefers the browser-supplied Sec-Fetch-Dest and falls back to
// guessing from the path and Accept header.
func destinationOf(r *http.Request) string {
	if d := strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")); d != "" {
		return strings.ToLower(d)
	}
	if r.Method != http.MethodGet {
		return ""
	}
	return inferDestination(r.URL.Path, r.Header.Get("Accept"))
}

func inferDestination(p, accept string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs":
		return "script"
	case ".css":
		return "style"
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".avif", ".ico":
		return "image"
	case ".html", ".htm":
		return "document"
	case ".json", ".webmanifest":
		if strings.HasSuffix(p, "manifest.json") || strings.HasSuffix(p, ".webmanifest") {
			return "manifest"
		}
		return ""
	case "":
		if p == "/" || strings.Contains(accept, "text/html") {
			return "document"
		}
	}
	return ""
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	setCacheHeaders(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(cacheHeader, source)
	}
	// Custom headers are not readable by JS in a CORS context unless exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package lidkaart

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// manifestEntry accepts both plain strings and {"url": ..., "revision": ...}
// objects in a remote precache manifest.
type manifestEntry struct {
	URL      string `json:"url"`
	Revision string `json:"revision,omitempty"`
}

func (m *manifestEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		m.URL = s
		return nil
	}
	type plain manifestEntry
	return json.Unmarshal(b, (*plain)(m))
}

// resolveManifest merges the configured precache list with the remote
// manifest at manifestURL (if any) into origin-relative request URIs.
// Entries pointing at another host are dropped. Order is kept, duplicates
// removed.
func resolveManifest(ctx context.Context, f Fetcher, precache []string, manifestURL, originHost string) ([]string, error) {
	locs := append([]string(nil), precache...)
	if manifestURL != "" {
		uri := normalizeManifestLoc(manifestURL, originHost)
		if uri == "" {
			return nil, fmt.Errorf("manifest %q is not on the origin", manifestURL)
		}
		remote, err := fetchManifest(ctx, f, uri)
		if err != nil {
			return nil, fmt.Errorf("fetch manifest %q: %w", uri, err)
		}
		locs = append(locs, remote...)
	}

	seen := make(map[string]struct{}, len(locs))
	out := make([]string, 0, len(locs))
	for _, loc := range locs {
		uri := normalizeManifestLoc(loc, originHost)
		if uri == "" {
			continue
		}
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		out = append(out, uri)
	}
	return out, nil
}

func fetchManifest(ctx context.Context, f Fetcher, uri string) ([]string, error) {
	resp, err := f.Fetch(ctx, &Request{
		Method:      http.MethodGet,
		URL:         uri,
		Header:      http.Header{"Accept": []string{"application/json"}},
		Destination: "manifest",
	})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.Status)
	}

	body := resp.Body
	// Some servers hand out a .gz manifest without Content-Encoding.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return nil, err
		}
	}

	var entries []manifestEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URL)
	}
	return out, nil
}

// normalizeManifestLoc turns loc into a request URI relative to the origin,
// or "" when loc is empty, unparsable or on a foreign host.
func normalizeManifestLoc(loc, originHost string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if !strings.EqualFold(u.Host, originHost) {
			return ""
		}
		uri := u.RequestURI()
		if uri == "" {
			return "/"
		}
		return uri
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

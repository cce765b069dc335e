package lidkaart

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeManifestLoc(t *testing.T) {
	cases := map[string]string{
		"":                                   "",
		"/":                                  "/",
		"index.html":                         "/index.html",
		" /icons/icon-192.png ":              "/icons/icon-192.png",
		"https://origin.test/app.js?v=3":     "/app.js?v=3",
		"https://origin.test":                "/",
		"https://ORIGIN.test/manifest.json":  "/manifest.json",
		"https://cdn.example.com/lib.js":     "",
		"http://origin.test:8443/other-port": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeManifestLoc(in, "origin.test"), in)
	}
}

func TestResolveManifestMergesRemoteEntries(t *testing.T) {
	net := newFakeNetwork()
	net.Set("/precache-manifest.json", http.StatusOK, "application/json",
		`["/assets/app.js", {"url": "/assets/app.css", "revision": "abc"}, "https://cdn.example.com/x.js", "/"]`)

	got, err := resolveManifest(context.Background(), net, []string{"/", "/manifest.json"}, "/precache-manifest.json", "origin.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/manifest.json", "/assets/app.js", "/assets/app.css"}, got)
}

func TestResolveManifestGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`["/a.js","/b.css"]`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	net := newFakeNetwork()
	net.Set("/precache.json.gz", http.StatusOK, "application/octet-stream", buf.String())

	got, err := resolveManifest(context.Background(), net, nil, "https://origin.test/precache.json.gz", "origin.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.js", "/b.css"}, got)
}

func TestResolveManifestErrors(t *testing.T) {
	net := newFakeNetwork()
	net.Set("/broken.json", http.StatusOK, "application/json", `{"not":"a list"}`)

	_, err := resolveManifest(context.Background(), net, nil, "/missing.json", "origin.test")
	assert.Error(t, err)

	_, err = resolveManifest(context.Background(), net, nil, "/broken.json", "origin.test")
	assert.Error(t, err)

	_, err = resolveManifest(context.Background(), net, nil, "https://elsewhere.test/m.json", "origin.test")
	assert.Error(t, err)

	net.SetOffline(true)
	_, err = resolveManifest(context.Background(), net, nil, "/broken.json", "origin.test")
	assert.ErrorIs(t, err, errNetworkDown)
}

func TestInstallUsesRemoteManifest(t *testing.T) {
	store := newMemoryStore(0)
	net := newFakeNetwork()
	net.Set("/precache.json", http.StatusOK, "application/json", `["/assets/app.js"]`)
	net.Set("/", http.StatusOK, "text/html", "<html>")
	net.Set("/assets/app.js", http.StatusOK, "text/javascript", "js")

	opts := testEngineOptions(store, net)
	opts.Precache = []string{"/"}
	opts.ManifestURL = "/precache.json"
	e := NewEngine(opts)
	require.NoError(t, e.Install(context.Background()))

	keys, err := store.Keys(context.Background(), "lidkaart-static-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /", "GET /assets/app.js"}, keys)
	assert.Equal(t, 1, net.Calls("/precache.json"))
}

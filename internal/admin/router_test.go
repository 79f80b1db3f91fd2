package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *cache.Manager) {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := cache.NewMetrics(reg)

	cfg := cache.DefaultConfig()
	cfg.Dir = t.TempDir()
	mgr, err := cache.NewManager(cfg, cache.WithMetrics(metrics, reg))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	fetch := func(_ context.Context, req cache.Request) ([]byte, error) {
		return []byte(req.URI), nil
	}
	decode := func(_ context.Context, req cache.Request, data []byte) (*cache.Image, error) {
		return &cache.Image{
			Payload: cache.NewBitmap(2, 2, cache.PixelFormatARGB8888, make([]byte, 16)),
			Info:    cache.ImageInfo{Width: 2, Height: 2, MimeType: "image/png"},
		}, nil
	}

	return NewRouter(Config{Manager: mgr, Fetch: fetch, Decode: decode, Gatherer: reg}), mgr
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouter_LoadAndStats(t *testing.T) {
	h, _ := newTestRouter(t)

	target := "/load?uri=" + url.QueryEscape("https://example.com/a.png") + "&size=2x2&transform=circle"
	rec := do(t, h, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var res loadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "network", res.Source)
	assert.Equal(t, int64(16), res.Bytes)
	assert.Contains(t, res.Key, "_size=2x2")

	rec = do(t, h, http.MethodGet, target)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "memory", res.Source)

	rec = do(t, h, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Memory.ItemCount)
	assert.Equal(t, int64(1), stats.Memory.Hits)

	rec = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imgcache_hits_total{level="memory"} 1`)
}

func TestRouter_Keys(t *testing.T) {
	h, _ := newTestRouter(t)

	for _, name := range []string{"cat.png", "dog.png", "cathedral.jpg"} {
		rec := do(t, h, http.MethodGet, "/load?uri="+url.QueryEscape("https://example.com/"+name))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/keys/download?q=cat")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Contains(t, k, "cat")
	}

	rec = do(t, h, http.MethodGet, "/keys/l3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_TrimAndRemove(t *testing.T) {
	h, mgr := newTestRouter(t)

	target := "uri=" + url.QueryEscape("https://example.com/a.png")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/load?"+target).Code)

	rec := do(t, h, http.MethodPost, "/trim?level=complete")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"evicted":1}`, rec.Body.String())
	assert.Empty(t, mgr.Keys(cache.CacheLevelMemory))

	rec = do(t, h, http.MethodPost, "/trim?level=severe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/entries?"+target)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/entries?"+target)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/entries")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestFromQuery(t *testing.T) {
	q := url.Values{
		"uri":          {"https://example.com/a.png"},
		"size":         {"10x20"},
		"precision":    {"exactly"},
		"pixel_format": {"rgb_565"},
		"transform":    {"circle", "blur"},
		"param":        {"lang:en", "v:2"},
	}
	req, err := RequestFromQuery(q)
	require.NoError(t, err)
	assert.Equal(t, cache.Size{Width: 10, Height: 20}, req.Options.Size)
	assert.Equal(t, cache.PrecisionExactly, req.Options.Precision)
	assert.Equal(t, cache.PixelFormatRGB565, req.Options.PixelFormat)
	assert.Equal(t, []string{"circle", "blur"}, req.Options.Transformations)
	assert.Equal(t, []cache.Param{{Name: "lang", Value: "en"}, {Name: "v", Value: "2"}}, req.Params)

	for _, bad := range []url.Values{
		{},
		{"uri": {"a"}, "size": {"big"}},
		{"uri": {"a"}, "param": {"novalue"}},
		{"uri": {"a"}, "pixel_format": {"cmyk"}},
	} {
		_, err := RequestFromQuery(bad)
		assert.Error(t, err, bad.Encode())
	}
}

func TestMatchKeys(t *testing.T) {
	keys := []string{"alpha", "beta", "alphabet"}
	assert.Equal(t, keys, MatchKeys(keys, ""))
	got := MatchKeys(keys, "alp")
	assert.ElementsMatch(t, []string{"alpha", "alphabet"}, got)
	assert.True(t, strings.HasPrefix(got[0], "alpha"))
}

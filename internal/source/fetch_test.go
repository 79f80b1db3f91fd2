package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_HTTP(t *testing.T) {
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		switch r.URL.Path {
		case "/ok.png":
			w.Write([]byte("png-bytes")) //nolint:errcheck
		case "/big.png":
			w.Write([]byte(strings.Repeat("x", 64))) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(Config{MaxBytes: 32, UserAgent: "test-agent"}, nil)
	ctx := context.Background()

	data, err := f.Fetch(ctx, cache.Request{URI: srv.URL + "/ok.png"})
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "test-agent", agent.Load())

	_, err = f.Fetch(ctx, cache.Request{URI: srv.URL + "/missing.png"})
	assert.ErrorContains(t, err, "HTTP status 404")

	_, err = f.Fetch(ctx, cache.Request{URI: srv.URL + "/big.png"})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetcher_Files(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	f := NewFetcher(Config{}, nil)
	ctx := context.Background()

	data, err := f.Fetch(ctx, cache.Request{URI: path})
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))

	data, err = f.Fetch(ctx, cache.Request{URI: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, "local", string(data))

	_, err = f.Fetch(ctx, cache.Request{URI: filepath.Join(dir, "missing.png")})
	assert.Error(t, err)

	_, err = f.Fetch(ctx, cache.Request{URI: "ftp://example.com/a.png"})
	assert.ErrorContains(t, err, "not a supported protocol")
}

func TestFetcher_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFetcher(Config{RequestsPerSecond: 0.1}, nil)

	_, err := f.Fetch(context.Background(), cache.Request{URI: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, cache.Request{URI: srv.URL})
	assert.ErrorContains(t, err, "rate limit wait cancelled")
}

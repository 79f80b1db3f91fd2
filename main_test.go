package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRequestFlags(t *testing.T) {
	f := requestFlags{
		size:        "200x100",
		precision:   "exactly",
		scale:       "fill",
		pixelFormat: "rgb_565",
		transforms:  []string{"circle", "blur(3)"},
		params:      []string{"lang=en", "empty="},
		ignoreExif:  true,
	}

	req, err := f.request("https://example.com/cat.png")
	require.NoError(t, err)

	want := cache.Request{
		URI: "https://example.com/cat.png",
		Options: cache.Options{
			Size:                  cache.Size{Width: 200, Height: 100},
			Precision:             cache.PrecisionExactly,
			Scale:                 cache.ScaleFill,
			PixelFormat:           cache.PixelFormatRGB565,
			Transformations:       []string{"circle", "blur(3)"},
			IgnoreExifOrientation: true,
		},
		Params: []cache.Param{{Name: "lang", Value: "en"}, {Name: "empty", Value: ""}},
	}
	assert.Equal(t, want, req)
	assert.Equal(t, want.Key(), req.Key())
}

func TestRequestFlags_Invalid(t *testing.T) {
	tests := map[string]requestFlags{
		"size":         {size: "big"},
		"pixel format": {pixelFormat: "CMYK"},
		"param":        {params: []string{"novalue"}},
		"param name":   {params: []string{"=x"}},
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.request("cat.png")
			assert.Error(t, err)
		})
	}
}

func TestWarmURIs(t *testing.T) {
	prev := warmFile
	t.Cleanup(func() { warmFile = prev })

	warmFile = "-"
	in := strings.NewReader("a.png\n\n# skipped\n  b.png  \n")
	uris, err := warmURIs(in, []string{"first.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first.png", "a.png", "b.png"}, uris)

	warmFile = ""
	uris, err = warmURIs(strings.NewReader("ignored"), []string{"only.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"only.png"}, uris)
}

func TestWriteStats(t *testing.T) {
	stats := cache.Stats{
		Memory: cache.CacheStats{Capacity: 1024, Size: 512, ItemCount: 2, Hits: 3, Misses: 1, HitRate: 0.75},
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStats(&buf, "json", stats))

		var got cache.Stats
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, int64(512), got.Memory.Size)
		assert.InDelta(t, 0.75, got.Memory.HitRate, 1e-9)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStats(&buf, "yaml", stats))

		var got map[string]map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, 2, got["memory"]["item_count"])
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, writeStats(&bytes.Buffer{}, "xml", stats))
	})
}

func TestDefaultConfigParses(t *testing.T) {
	var doc struct {
		Cache cache.Config `yaml:"cache"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(defaultConfig), &doc))

	defaults := cache.DefaultConfig()
	assert.Equal(t, defaults.Memory, doc.Cache.Memory)
	assert.Equal(t, defaults.Result, doc.Cache.Result)
	assert.Equal(t, defaults.Download, doc.Cache.Download)
	assert.Equal(t, defaults.CompressionLevel, doc.Cache.CompressionLevel)
}

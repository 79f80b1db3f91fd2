package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestKey_Fragments(t *testing.T) {
	const uri = "https://example.com/a.png"

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "defaults omitted",
			req:  Request{URI: uri},
			want: uri,
		},
		{
			name: "size",
			req:  Request{URI: uri, Options: Options{Size: Size{Width: 100, Height: 50}}},
			want: uri + "|_size=100x50",
		},
		{
			name: "precision and scale without size are ignored",
			req:  Request{URI: uri, Options: Options{Precision: PrecisionExactly, Scale: ScaleFill}},
			want: uri,
		},
		{
			name: "default precision and scale omitted",
			req: Request{URI: uri, Options: Options{
				Size:      Size{Width: 10, Height: 10},
				Precision: PrecisionLessPixels,
				Scale:     ScaleCenterCrop,
			}},
			want: uri + "|_size=10x10",
		},
		{
			name: "every built-in fragment in schema order",
			req: Request{URI: uri, Options: Options{
				IgnoreExifOrientation: true,
				Decoders:              []string{"svg"},
				Transformations:       []string{"circle", "blur(3)"},
				ColorSpace:            "DISPLAY_P3",
				PixelFormat:           PixelFormatRGB565,
				Scale:                 ScaleStartCrop,
				Precision:             PrecisionExactly,
				Size:                  Size{Width: 10, Height: 20},
			}},
			want: uri +
				"|_size=10x20" +
				"|_precision=EXACTLY" +
				"|_scale=START_CROP" +
				"|_bitmapConfig=RGB_565" +
				"|_colorSpace=DISPLAY_P3" +
				"|_transformations=[circle,blur%283%29]" +
				"|_decoders=[svg]" +
				"|_ignoreExifOrientation=true",
		},
		{
			name: "params after fragments in given order",
			req: Request{URI: uri, Params: []Param{
				{Name: "b", Value: "2"},
				{Name: "a", Value: "1"},
			}},
			want: uri + "|@b=2|@a=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Key())
			assert.Equal(t, tt.req.Key(), tt.req.Key(), "key must be deterministic")
		})
	}
}

func TestRequestKey_Distinct(t *testing.T) {
	const uri = "https://example.com/a.png"

	pairs := []struct {
		name string
		a, b Request
	}{
		{
			name: "param value cannot forge a fragment",
			a:    Request{URI: uri, Params: []Param{{Name: "x", Value: "1|_size=10x10"}}},
			b:    Request{URI: uri, Options: Options{Size: Size{Width: 10, Height: 10}}, Params: []Param{{Name: "x", Value: "1"}}},
		},
		{
			name: "param name cannot shadow a fragment",
			a:    Request{URI: uri, Params: []Param{{Name: "_size", Value: "10x10"}}},
			b:    Request{URI: uri, Options: Options{Size: Size{Width: 10, Height: 10}}},
		},
		{
			name: "transformation order matters",
			a:    Request{URI: uri, Options: Options{Transformations: []string{"a", "b"}}},
			b:    Request{URI: uri, Options: Options{Transformations: []string{"b", "a"}}},
		},
		{
			name: "list items cannot merge",
			a:    Request{URI: uri, Options: Options{Transformations: []string{"a,b"}}},
			b:    Request{URI: uri, Options: Options{Transformations: []string{"a", "b"}}},
		},
		{
			name: "uri cannot forge a fragment",
			a:    Request{URI: "/img/a.png|_size=10x10"},
			b:    Request{URI: "/img/a.png", Options: Options{Size: Size{Width: 10, Height: 10}}},
		},
		{
			name: "different resources",
			a:    Request{URI: uri},
			b:    Request{URI: "https://example.com/b.png"},
		},
	}

	for _, tt := range pairs {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a.Key(), tt.b.Key())
		})
	}
}

func TestRequestKey_Canonical(t *testing.T) {
	a := Request{URI: "HTTPS://Example.COM:443/a.png#top"}
	b := Request{URI: "https://example.com/a.png"}
	assert.Equal(t, b.Key(), a.Key())

	assert.Equal(t, "http://example.com/a.png", CanonicalURI("http://example.com:80/a.png"))
	assert.Equal(t, "http://example.com:8080/a.png", CanonicalURI("http://example.com:8080/a.png"))
	assert.Equal(t, "images/a.png", CanonicalURI(" ./images/x/../a.png "))
	assert.Equal(t, "", CanonicalURI(""))
}

func TestRequestDownloadKey(t *testing.T) {
	a := Request{URI: "https://example.com/a.png", Options: Options{Size: Size{Width: 1, Height: 1}}}
	b := Request{URI: "https://example.com/a.png", Params: []Param{{Name: "x", Value: "y"}}}

	assert.Equal(t, a.DownloadKey(), b.DownloadKey())
	assert.Equal(t, "https://example.com/a.png", a.DownloadKey())
	assert.NotEqual(t, a.Key(), a.DownloadKey())
}

func TestKeyBuilder(t *testing.T) {
	key := NewKeyBuilder("https://example.com/a.png").
		Param("lang", "en us").
		Param("v", "2").
		String()
	assert.Equal(t, "https://example.com/a.png|@lang=en+us|@v=2", key)
}

func TestParseSize(t *testing.T) {
	s, err := ParseSize("640x480")
	require.NoError(t, err)
	assert.Equal(t, Size{Width: 640, Height: 480}, s)

	s, err = ParseSize("10X20")
	require.NoError(t, err)
	assert.Equal(t, "10x20", s.String())

	for _, bad := range []string{"", "640", "ax1", "1xb"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, Size{}.IsZero())
	assert.False(t, Size{Width: 1}.IsZero())
}

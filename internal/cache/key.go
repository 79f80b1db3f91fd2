package cache

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Precision controls how strictly a resize honors the requested size.
type Precision string

const (
	PrecisionLessPixels      Precision = "LESS_PIXELS"
	PrecisionSmallerSize     Precision = "SMALLER_SIZE"
	PrecisionSameAspectRatio Precision = "SAME_ASPECT_RATIO"
	PrecisionExactly         Precision = "EXACTLY"
)

// Scale selects the crop anchor used when aspect ratios differ.
type Scale string

const (
	ScaleStartCrop  Scale = "START_CROP"
	ScaleCenterCrop Scale = "CENTER_CROP"
	ScaleEndCrop    Scale = "END_CROP"
	ScaleFill       Scale = "FILL"
)

// Size is a requested output size. The zero Size means original size.
type Size struct {
	Width  int
	Height int
}

// IsZero reports whether no resize was requested.
func (s Size) IsZero() bool {
	return s.Width <= 0 && s.Height <= 0
}

// String returns WxH.
func (s Size) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// ParseSize parses "WxH".
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return Size{}, fmt.Errorf("invalid size %q: want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, fmt.Errorf("invalid size width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, fmt.Errorf("invalid size height %q: %w", h, err)
	}
	return Size{Width: width, Height: height}, nil
}

// Options holds every parameter that changes the produced artifact.
type Options struct {
	Size                  Size
	Precision             Precision
	Scale                 Scale
	PixelFormat           PixelFormat
	ColorSpace            string
	Transformations       []string // keys of the transformations, in application order
	Decoders              []string // keys of the decode interceptors, in chain order
	IgnoreExifOrientation bool
}

// Param is a caller-defined parameter that contributes to the key.
type Param struct {
	Name  string
	Value string
}

// Request identifies one load: a resource plus everything applied to it.
type Request struct {
	URI     string
	Options Options
	Params  []Param
}

// Key returns the key of the decoded and transformed artifact. It is used
// by the memory store and the result disk store.
func (r Request) Key() string {
	b := NewKeyBuilder(r.URI)
	for _, f := range keySchema {
		v := f.value(&r.Options)
		if v == "" {
			continue
		}
		if !f.escaped {
			v = url.QueryEscape(v)
		}
		b.add(f.name, v)
	}
	for _, p := range r.Params {
		b.Param(p.Name, p.Value)
	}
	return b.String()
}

// DownloadKey returns the key of the raw downloaded bytes, which depend only
// on the resource identity.
func (r Request) DownloadKey() string {
	return NewKeyBuilder(r.URI).String()
}

// keyFragment is one named optional part of a key. value returns "" when
// the option holds its default and the fragment is omitted.
type keyFragment struct {
	name    string
	value   func(*Options) string
	escaped bool // value escapes its own parts
}

// keySchema fixes the order of the built-in fragments.
var keySchema = []keyFragment{
	{name: "_size", value: sizeFragment},
	{name: "_precision", value: precisionFragment},
	{name: "_scale", value: scaleFragment},
	{name: "_bitmapConfig", value: pixelFormatFragment},
	{name: "_colorSpace", value: colorSpaceFragment},
	{name: "_transformations", value: transformationsFragment, escaped: true},
	{name: "_decoders", value: decodersFragment, escaped: true},
	{name: "_ignoreExifOrientation", value: exifFragment},
}

func sizeFragment(o *Options) string {
	if o.Size.IsZero() {
		return ""
	}
	return o.Size.String()
}

// Precision and scale only matter when a resize happens.
func precisionFragment(o *Options) string {
	if o.Size.IsZero() || o.Precision == "" || o.Precision == PrecisionLessPixels {
		return ""
	}
	return string(o.Precision)
}

func scaleFragment(o *Options) string {
	if o.Size.IsZero() || o.Scale == "" || o.Scale == ScaleCenterCrop {
		return ""
	}
	return string(o.Scale)
}

func pixelFormatFragment(o *Options) string {
	return o.PixelFormat.String()
}

func colorSpaceFragment(o *Options) string {
	return o.ColorSpace
}

func transformationsFragment(o *Options) string {
	return listFragment(o.Transformations)
}

func decodersFragment(o *Options) string {
	return listFragment(o.Decoders)
}

func exifFragment(o *Options) string {
	if !o.IgnoreExifOrientation {
		return ""
	}
	return "true"
}

func listFragment(items []string) string {
	if len(items) == 0 {
		return ""
	}
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = url.QueryEscape(item)
	}
	return "[" + strings.Join(escaped, ",") + "]"
}

// KeyBuilder assembles a key from a resource identifier and fragments.
// Every fragment is escaped so that no combination of inputs can imitate
// another.
type KeyBuilder struct {
	sb strings.Builder
}

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// NewKeyBuilder starts a key for the canonical form of uri.
func NewKeyBuilder(uri string) *KeyBuilder {
	b := &KeyBuilder{}
	b.sb.WriteString(keyEscaper.Replace(CanonicalURI(uri)))
	return b
}

// Param appends a caller parameter. Caller names live in their own
// namespace and never collide with built-in fragments.
func (b *KeyBuilder) Param(name, value string) *KeyBuilder {
	return b.add("@"+url.QueryEscape(name), url.QueryEscape(value))
}

// add appends an already escaped fragment.
func (b *KeyBuilder) add(name, escaped string) *KeyBuilder {
	b.sb.WriteByte('|')
	b.sb.WriteString(name)
	b.sb.WriteByte('=')
	b.sb.WriteString(escaped)
	return b
}

// String returns the key.
func (b *KeyBuilder) String() string {
	return b.sb.String()
}

// CanonicalURI normalizes equivalent spellings of the same resource: scheme
// and host are lower-cased, default ports and fragments dropped. Strings
// without a scheme are treated as file paths and cleaned.
func CanonicalURI(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// windows drive letters parse as one-letter schemes
		if raw == "" {
			return ""
		}
		return filepath.ToSlash(filepath.Clean(raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Value is anything the memory store can hold.
type Value interface {
	// SizeBytes reports the memory held by the value.
	SizeBytes() int64
	// IsValid reports false once the value's buffers were released by their
	// owner; such a value must never be handed out again.
	IsValid() bool
}

// PixelFormat is the in-memory layout of decoded pixels.
type PixelFormat int

const (
	PixelFormatUnspecified PixelFormat = iota
	PixelFormatARGB8888
	PixelFormatRGB565
	PixelFormatAlpha8
	PixelFormatRGBAF16
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatUnspecified: "",
	PixelFormatARGB8888:    "ARGB_8888",
	PixelFormatRGB565:      "RGB_565",
	PixelFormatAlpha8:      "ALPHA_8",
	PixelFormatRGBAF16:     "RGBA_F16",
}

// String returns the string representation of the pixel format
func (f PixelFormat) String() string {
	return pixelFormatNames[f]
}

// BytesPerPixel returns the size of one pixel; unspecified formats decode
// to ARGB_8888.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB565:
		return 2
	case PixelFormatAlpha8:
		return 1
	case PixelFormatRGBAF16:
		return 8
	default:
		return 4
	}
}

// ParsePixelFormat parses names such as "ARGB_8888" (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	for f, name := range pixelFormatNames {
		if strings.EqualFold(name, s) {
			return f, nil
		}
	}
	return PixelFormatUnspecified, fmt.Errorf("unknown pixel format %q", s)
}

// Payload is the decoded content of an Image: either a *Bitmap or a
// *Drawable. The set is closed.
type Payload interface {
	isPayload()
}

// Bitmap is a single decoded frame.
type Bitmap struct {
	Width  int
	Height int
	Format PixelFormat
	Pixels []byte

	recycled atomic.Bool
}

// NewBitmap creates a bitmap over pixels.
func NewBitmap(width, height int, format PixelFormat, pixels []byte) *Bitmap {
	return &Bitmap{
		Width:  width,
		Height: height,
		Format: format,
		Pixels: pixels,
	}
}

func (*Bitmap) isPayload() {}

// ByteCount returns the size of the pixel buffer.
func (b *Bitmap) ByteCount() int64 {
	if len(b.Pixels) > 0 {
		return int64(len(b.Pixels))
	}
	return int64(b.Width) * int64(b.Height) * int64(b.Format.BytesPerPixel())
}

// Recycle marks the bitmap as released. Any Image holding it becomes invalid.
func (b *Bitmap) Recycle() {
	b.recycled.Store(true)
}

// IsRecycled reports whether Recycle was called.
func (b *Bitmap) IsRecycled() bool {
	return b.recycled.Load()
}

// Frame is one frame of an animated image.
type Frame struct {
	Bitmap *Bitmap
	Delay  time.Duration
}

// Drawable is a multi-frame payload such as an animated GIF.
type Drawable struct {
	Frames    []Frame
	LoopCount int
}

func (*Drawable) isPayload() {}

// payloadSize computes the memory held by p.
func payloadSize(p Payload) int64 {
	switch p := p.(type) {
	case *Bitmap:
		return p.ByteCount()
	case *Drawable:
		var total int64
		for _, f := range p.Frames {
			if f.Bitmap != nil {
				total += f.Bitmap.ByteCount()
			}
		}
		return total
	default:
		return 0
	}
}

func payloadValid(p Payload) bool {
	switch p := p.(type) {
	case *Bitmap:
		return p != nil && !p.IsRecycled()
	case *Drawable:
		if p == nil || len(p.Frames) == 0 {
			return false
		}
		for _, f := range p.Frames {
			if f.Bitmap == nil || f.Bitmap.IsRecycled() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ImageInfo describes the source image before decoding.
type ImageInfo struct {
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	MimeType        string `json:"mime_type"`
	ExifOrientation int    `json:"exif_orientation,omitempty"`
}

// Image is the value held by the memory store and serialized into the
// result disk store.
type Image struct {
	Payload         Payload
	Info            ImageInfo
	Transformations []string
	Extras          map[string]string
}

// SizeBytes implements Value.
func (img *Image) SizeBytes() int64 {
	if img == nil || img.Payload == nil {
		return 0
	}
	return payloadSize(img.Payload)
}

// IsValid implements Value.
func (img *Image) IsValid() bool {
	return img != nil && img.Payload != nil && payloadValid(img.Payload)
}

package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Result entries hold two values.
const (
	resultPixelsIndex = iota
	resultMetaIndex
	resultValueCount
)

const (
	kindBitmap   = "bitmap"
	kindDrawable = "drawable"

	compressionNone = "none"
	compressionZstd = "zstd"
)

// imageRecord is the metadata value of a result entry.
type imageRecord struct {
	Kind            string            `json:"kind"`
	Key             string            `json:"key"`
	Compression     string            `json:"compression"`
	Frames          []frameRecord     `json:"frames"`
	LoopCount       int               `json:"loop_count,omitempty"`
	Info            ImageInfo         `json:"info"`
	Transformations []string          `json:"transformations,omitempty"`
	Extras          map[string]string `json:"extras,omitempty"`
}

type frameRecord struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Delay  int64  `json:"delay_ms,omitempty"`
}

// Codec converts images to and from the values of a result entry: the
// concatenated pixel buffers, optionally zstd compressed, and a JSON
// description of the frames.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec. A level of 0 or less stores pixels
// uncompressed; reading compressed entries works either way.
func NewCodec(level int) (*Codec, error) {
	c := &Codec{}

	var err error
	if level > 0 {
		c.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return c, nil
}

// Encode serializes img stored under key.
func (c *Codec) Encode(key string, img *Image) ([][]byte, error) {
	if !img.IsValid() {
		return nil, fmt.Errorf("encode %q: %w", key, ErrInvalidValue)
	}

	rec := imageRecord{
		Key:             key,
		Compression:     compressionNone,
		Info:            img.Info,
		Transformations: img.Transformations,
		Extras:          img.Extras,
	}

	var pixels bytes.Buffer
	switch p := img.Payload.(type) {
	case *Bitmap:
		rec.Kind = kindBitmap
		rec.Frames = []frameRecord{bitmapRecord(p, 0)}
		pixels.Write(p.Pixels)
	case *Drawable:
		rec.Kind = kindDrawable
		rec.LoopCount = p.LoopCount
		for _, f := range p.Frames {
			rec.Frames = append(rec.Frames, bitmapRecord(f.Bitmap, f.Delay))
			pixels.Write(f.Bitmap.Pixels)
		}
	default:
		return nil, fmt.Errorf("encode %q: unsupported payload %T", key, p)
	}

	data := pixels.Bytes()
	if c.encoder != nil {
		data = c.encoder.EncodeAll(data, nil)
		rec.Compression = compressionZstd
	}

	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", key, err)
	}

	values := make([][]byte, resultValueCount)
	values[resultPixelsIndex] = data
	values[resultMetaIndex] = meta
	return values, nil
}

func bitmapRecord(b *Bitmap, delay time.Duration) frameRecord {
	return frameRecord{
		Width:  b.Width,
		Height: b.Height,
		Format: b.Format.String(),
		Size:   int64(len(b.Pixels)),
		Delay:  delay.Milliseconds(),
	}
}

// Decode rebuilds an image and returns the key it was stored under.
func (c *Codec) Decode(values [][]byte) (*Image, string, error) {
	if len(values) != resultValueCount {
		return nil, "", fmt.Errorf("decode: want %d values, got %d", resultValueCount, len(values))
	}

	var rec imageRecord
	if err := json.Unmarshal(values[resultMetaIndex], &rec); err != nil {
		return nil, "", fmt.Errorf("decode metadata: %w", err)
	}

	data := values[resultPixelsIndex]
	switch rec.Compression {
	case compressionZstd:
		var err error
		if data, err = c.decoder.DecodeAll(data, nil); err != nil {
			return nil, rec.Key, fmt.Errorf("decode pixels: %w", err)
		}
	case compressionNone:
	default:
		return nil, rec.Key, fmt.Errorf("decode: unknown compression %q", rec.Compression)
	}

	var total int64
	for i, f := range rec.Frames {
		if f.Size < 0 {
			return nil, rec.Key, fmt.Errorf("decode frame %d: negative size %d", i, f.Size)
		}
		total += f.Size
	}
	if total != int64(len(data)) {
		return nil, rec.Key, fmt.Errorf("decode: frames describe %d bytes, got %d", total, len(data))
	}

	bitmaps := make([]*Bitmap, len(rec.Frames))
	offset := int64(0)
	for i, f := range rec.Frames {
		format, err := ParsePixelFormat(f.Format)
		if err != nil {
			return nil, rec.Key, fmt.Errorf("decode frame %d: %w", i, err)
		}
		// Each bitmap owns its pixels.
		pixels := make([]byte, f.Size)
		copy(pixels, data[offset:offset+f.Size])
		offset += f.Size
		bitmaps[i] = NewBitmap(f.Width, f.Height, format, pixels)
	}

	img := &Image{
		Info:            rec.Info,
		Transformations: rec.Transformations,
		Extras:          rec.Extras,
	}
	switch rec.Kind {
	case kindBitmap:
		if len(bitmaps) != 1 {
			return nil, rec.Key, fmt.Errorf("decode: bitmap with %d frames", len(bitmaps))
		}
		img.Payload = bitmaps[0]
	case kindDrawable:
		if len(bitmaps) == 0 {
			return nil, rec.Key, fmt.Errorf("decode: drawable without frames")
		}
		d := &Drawable{LoopCount: rec.LoopCount, Frames: make([]Frame, len(bitmaps))}
		for i, b := range bitmaps {
			d.Frames[i] = Frame{Bitmap: b, Delay: time.Duration(rec.Frames[i].Delay) * time.Millisecond}
		}
		img.Payload = d
	default:
		return nil, rec.Key, fmt.Errorf("decode: unknown kind %q", rec.Kind)
	}
	return img, rec.Key, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}

// Package decode turns encoded image bytes into cache images using the
// standard library decoders. GIF animations become multi-frame drawables.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg" // register JPEG
	_ "image/png"  // register PNG
	"net/http"
	"time"

	"github.com/dgnsrekt/imgcache/internal/cache"
)

// ErrUnsupported is returned for data no registered decoder understands.
var ErrUnsupported = errors.New("unsupported image format")

// gifDelayUnit is the unit of GIF frame delays.
const gifDelayUnit = 10 * time.Millisecond

// Decode decodes data into an Image. Pixels are stored as 8-bit RGBA rows
// and tagged ARGB_8888. The requested transformations are recorded on the
// image but not applied.
func Decode(ctx context.Context, req cache.Request, data []byte) (*cache.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, req.URI, err)
	}

	info := cache.ImageInfo{
		Width:    cfg.Width,
		Height:   cfg.Height,
		MimeType: http.DetectContentType(data),
	}

	var payload cache.Payload
	if format == "gif" {
		payload, err = decodeGIF(ctx, data)
	} else {
		payload, err = decodeStill(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", req.URI, err)
	}

	return &cache.Image{
		Payload:         payload,
		Info:            info,
		Transformations: append([]string(nil), req.Options.Transformations...),
		Extras:          map[string]string{"format": format},
	}, nil
}

func decodeStill(data []byte) (*cache.Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return toBitmap(img), nil
}

// decodeGIF composes every frame onto a canvas so each frame is complete.
func decodeGIF(ctx context.Context, data []byte) (cache.Payload, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if len(g.Image) == 1 {
		return toBitmap(g.Image[0]), nil
	}

	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	canvas := image.NewRGBA(bounds)
	frames := make([]cache.Frame, 0, len(g.Image))

	for i, frame := range g.Image {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var previous *image.RGBA
		disposal := disposalOf(g, i)
		if disposal == gif.DisposalPrevious {
			previous = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		frames = append(frames, cache.Frame{
			Bitmap: toBitmap(canvas),
			Delay:  time.Duration(g.Delay[i]) * gifDelayUnit,
		})

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}

	return &cache.Drawable{Frames: frames, LoopCount: g.LoopCount}, nil
}

func disposalOf(g *gif.GIF, i int) byte {
	if i < len(g.Disposal) {
		return g.Disposal[i]
	}
	return gif.DisposalNone
}

// toBitmap copies img into a tightly packed RGBA buffer.
func toBitmap(img image.Image) *cache.Bitmap {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return cache.NewBitmap(b.Dx(), b.Dy(), cache.PixelFormatARGB8888, rgba.Pix)
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

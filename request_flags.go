package main

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/spf13/cobra"
)

// requestFlags are the flags shared by every command that names an image.
type requestFlags struct {
	size        string
	precision   string
	scale       string
	pixelFormat string
	colorSpace  string
	transforms  []string
	decoders    []string
	params      []string
	ignoreExif  bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.size, "size", "s", "", "requested size as WxH")
	flags.StringVar(&f.precision, "precision", "", "resize precision: less_pixels, smaller_size, same_aspect_ratio, exactly")
	flags.StringVar(&f.scale, "scale", "", "crop anchor: start_crop, center_crop, end_crop, fill")
	flags.StringVar(&f.pixelFormat, "pixel-format", "", "decoded pixel format, e.g. ARGB_8888 or RGB_565")
	flags.StringVar(&f.colorSpace, "color-space", "", "target color space")
	flags.StringArrayVarP(&f.transforms, "transform", "t", nil, "transformation key, repeatable and applied in order")
	flags.StringArrayVar(&f.decoders, "decoder", nil, "decode interceptor key, repeatable")
	flags.StringArrayVarP(&f.params, "param", "p", nil, "extra key parameter as name=value, repeatable")
	flags.BoolVar(&f.ignoreExif, "ignore-exif", false, "ignore EXIF orientation")
}

// request builds the cache request for uri.
func (f *requestFlags) request(uri string) (cache.Request, error) {
	req := cache.Request{URI: uri}
	opts := &req.Options

	if f.size != "" {
		size, err := cache.ParseSize(f.size)
		if err != nil {
			return req, err
		}
		opts.Size = size
	}
	if f.pixelFormat != "" {
		format, err := cache.ParsePixelFormat(f.pixelFormat)
		if err != nil {
			return req, err
		}
		opts.PixelFormat = format
	}
	opts.Precision = cache.Precision(strings.ToUpper(f.precision))
	opts.Scale = cache.Scale(strings.ToUpper(f.scale))
	opts.ColorSpace = f.colorSpace
	opts.Transformations = f.transforms
	opts.Decoders = f.decoders
	opts.IgnoreExifOrientation = f.ignoreExif

	for _, p := range f.params {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return req, fmt.Errorf("invalid param %q: want name=value", p)
		}
		req.Params = append(req.Params, cache.Param{Name: name, Value: value})
	}
	return req, nil
}

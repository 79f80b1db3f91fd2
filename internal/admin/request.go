package admin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgnsrekt/imgcache/internal/cache"
)

// RequestFromQuery builds a request from uri, size, precision, scale,
// pixel_format, transform and param=name:value query values.
func RequestFromQuery(q url.Values) (cache.Request, error) {
	req := cache.Request{URI: q.Get("uri")}
	if req.URI == "" {
		return req, errors.New("missing uri")
	}

	if s := q.Get("size"); s != "" {
		size, err := cache.ParseSize(s)
		if err != nil {
			return req, err
		}
		req.Options.Size = size
	}
	req.Options.Precision = cache.Precision(strings.ToUpper(q.Get("precision")))
	req.Options.Scale = cache.Scale(strings.ToUpper(q.Get("scale")))

	if f := q.Get("pixel_format"); f != "" {
		format, err := cache.ParsePixelFormat(f)
		if err != nil {
			return req, err
		}
		req.Options.PixelFormat = format
	}
	req.Options.Transformations = q["transform"]

	for _, p := range q["param"] {
		name, value, ok := strings.Cut(p, ":")
		if !ok {
			return req, fmt.Errorf("invalid param %q: want name:value", p)
		}
		req.Params = append(req.Params, cache.Param{Name: name, Value: value})
	}
	return req, nil
}

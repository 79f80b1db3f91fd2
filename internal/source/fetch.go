// Package source downloads the raw bytes of an image request.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned when a body exceeds Config.MaxBytes.
var ErrTooLarge = errors.New("response body too large")

// Config holds fetcher settings.
type Config struct {
	// Timeout of one HTTP request, defaults to 30s
	Timeout time.Duration

	// MaxBytes caps a downloaded body, defaults to 32MiB
	MaxBytes int64

	// Rate limit of network requests per second, 0 disables limiting
	RequestsPerSecond float64

	// UserAgent sent with HTTP requests
	UserAgent string
}

// Fetcher reads http(s) URLs, file URLs and local paths.
type Fetcher struct {
	client      *http.Client
	maxBytes    int64
	userAgent   string
	rateLimiter *rate.Limiter
	logger      *log.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config, logger *log.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 32 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "imgcache"
	}
	if logger == nil {
		logger = log.Default()
	}

	f := &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
	if cfg.RequestsPerSecond > 0 {
		f.rateLimiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return f
}

// Fetch implements cache.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req cache.Request) ([]byte, error) {
	u, err := url.Parse(req.URI)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return f.readFile(req.URI)
	}

	switch u.Scheme {
	case "file":
		return f.readFile(u.Path)
	case "http", "https":
		return f.get(ctx, u.String())
	default:
		return nil, fmt.Errorf("%s is not a supported protocol", u.Scheme)
	}
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if f.rateLimiter != nil {
		if err := f.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("unable to get url: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, humanize.IBytes(uint64(resp.ContentLength)))
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("fetched", "url", rawURL, "size", humanize.IBytes(uint64(len(data))), "elapsed", time.Since(start))
	return data, nil
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %w", err)
	}
	defer file.Close() //nolint:errcheck
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %s", ErrTooLarge, humanize.IBytes(uint64(f.maxBytes)))
	}
	return data, nil
}

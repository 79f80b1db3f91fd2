package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Source tells which level answered a load.
type Source int

const (
	SourceMemory Source = iota
	SourceResultDisk
	SourceDownloadDisk
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceResultDisk:
		return "result_disk"
	case SourceDownloadDisk:
		return "download_disk"
	case SourceNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Result is the outcome of Manager.Load.
type Result struct {
	Image  *Image
	Key    string
	Source Source
}

// Fetcher downloads the raw bytes of a request.
type Fetcher func(ctx context.Context, req Request) ([]byte, error)

// Decoder turns downloaded bytes into a decoded and transformed image.
type Decoder func(ctx context.Context, req Request, data []byte) (*Image, error)

// Stats is a snapshot of every level.
type Stats struct {
	Memory   CacheStats `json:"memory" yaml:"memory"`
	Result   CacheStats `json:"result" yaml:"result"`
	Download CacheStats `json:"download" yaml:"download"`
}

// Manager coordinates the memory store and both disk stores. Loads go
// memory, then result disk, then download disk, then the network; every
// level is guarded by its own per-key lock, always taken in that order.
type Manager struct {
	// Cache levels
	memory      *MemoryStore
	memoryLocks *LockRegistry
	result      *DiskStore
	download    *DiskStore

	codec *Codec

	// Configuration
	mu     sync.RWMutex
	config Config

	logger  *log.Logger
	metrics *Metrics
	reg     prometheus.Registerer

	// Flush goroutine control
	flushInterval time.Duration
	flushStop     chan struct{}
	flushWg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger of the manager and its stores.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records into metrics and registers the size gauges with reg.
func WithMetrics(metrics *Metrics, reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = metrics
		m.reg = reg
	}
}

// WithFlushInterval flushes both journals every d in the background.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.flushInterval = d
	}
}

// NewManager opens the disk stores under cfg.Dir and creates the memory store.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}

	m := &Manager{
		config:      cfg,
		memoryLocks: NewLockRegistry(),
		logger:      log.Default().WithPrefix("cache"),
		flushStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	m.download, err = OpenDiskStore(cfg.DownloadDir(), cfg.AppVersion, 1, int64(cfg.Download.MaxSize),
		WithDiskLogger(m.logger),
		WithDiskLevel(CacheLevelDownload),
		WithDiskEvictionHook(func(string, int64) { m.metrics.evicted(CacheLevelDownload) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open download cache: %w", err)
	}

	m.result, err = OpenDiskStore(cfg.ResultDir(), cfg.AppVersion, resultValueCount, int64(cfg.Result.MaxSize),
		WithDiskLogger(m.logger),
		WithDiskLevel(CacheLevelResult),
		WithDiskEvictionHook(func(string, int64) { m.metrics.evicted(CacheLevelResult) }),
	)
	if err != nil {
		m.download.Close()
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}

	m.memory = NewMemoryStore(int64(cfg.Memory.MaxSize),
		WithEntrySizeRatio(cfg.Memory.EntrySizeRatio),
		WithEvictionHook(func(string, int64) { m.metrics.evicted(CacheLevelMemory) }),
	)

	m.codec, err = NewCodec(cfg.CompressionLevel)
	if err != nil {
		m.result.Close()
		m.download.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	m.metrics.registerSizes(m.reg, m)

	if m.flushInterval > 0 {
		m.startFlushRoutine()
	}
	return m, nil
}

// Load returns the image of req from the first level that has it. Missing
// levels are filled on the way back. Only producer failures and context
// cancellation fail a load.
func (m *Manager) Load(ctx context.Context, req Request, fetch Fetcher, decode Decoder) (*Result, error) {
	start := time.Now()
	key := req.Key()
	cfg := m.Config()

	source := SourceMemory
	stage := MemoryStage{
		Store:  m.memory,
		Locks:  m.memoryLocks,
		Policy: cfg.Memory.Policy,
		Logger: m.logger,
		Debug:  cfg.Debug,
	}
	value, hit, err := stage.Load(ctx, key, func(ctx context.Context) (Value, error) {
		img, src, err := m.loadResult(ctx, cfg, req, key, fetch, decode)
		if err != nil {
			return nil, err
		}
		source = src
		return img, nil
	})
	if cfg.Memory.Policy.ReadEnabled() && err == nil {
		m.metrics.lookup(CacheLevelMemory, hit)
	}
	if err != nil {
		return nil, err
	}

	img, ok := value.(*Image)
	if !ok {
		return nil, fmt.Errorf("memory cache %q holds %T: %w", key, value, ErrInvalidValue)
	}

	m.metrics.observeLoad(source, time.Since(start).Seconds())
	m.logger.Debug("loaded", "key", key, "source", source, "elapsed", time.Since(start))
	return &Result{Image: img, Key: key, Source: source}, nil
}

// loadResult reads the decoded image from the result store, producing and
// storing it on a miss. An entry that fails to decode is removed and
// produced again once.
func (m *Manager) loadResult(ctx context.Context, cfg Config, req Request, key string, fetch Fetcher, decode Decoder) (*Image, Source, error) {
	stage := DiskStage{
		Store:  m.result,
		Policy: cfg.Result.Policy,
		Logger: m.logger,
	}

	for attempt := 0; ; attempt++ {
		var (
			produced *Image
			source   Source
		)
		values, hit, err := stage.Load(ctx, key, func(ctx context.Context) ([][]byte, error) {
			img, src, err := m.loadImage(ctx, cfg, req, fetch, decode)
			if err != nil {
				return nil, err
			}
			produced, source = img, src

			values, err := m.codec.Encode(key, img)
			if err != nil {
				m.logger.Warn("failed to encode result", "key", key, "err", err)
				return nil, nil
			}
			return values, nil
		})
		if cfg.Result.Policy.ReadEnabled() && err == nil {
			m.metrics.lookup(CacheLevelResult, hit)
		}
		if err != nil {
			return nil, source, err
		}
		if !hit {
			return produced, source, nil
		}

		img, storedKey, err := m.codec.Decode(values)
		if err == nil && storedKey != key {
			err = fmt.Errorf("entry belongs to %q: %w", storedKey, ErrInvalidValue)
		}
		if err == nil {
			return img, SourceResultDisk, nil
		}

		m.logger.Warn("discarding unreadable result entry", "key", key, "err", err)
		if _, rmErr := m.result.Remove(key); rmErr != nil {
			m.logger.Warn("failed to remove result entry", "key", key, "err", rmErr)
		}
		if attempt > 0 {
			// Still unreadable after producing it again, skip the store.
			img, src, err := m.loadImage(ctx, cfg, req, fetch, decode)
			return img, src, err
		}
	}
}

// loadImage reads the raw bytes from the download store, fetching them on
// a miss, and decodes them.
func (m *Manager) loadImage(ctx context.Context, cfg Config, req Request, fetch Fetcher, decode Decoder) (*Image, Source, error) {
	stage := DiskStage{
		Store:  m.download,
		Policy: cfg.Download.Policy,
		Logger: m.logger,
	}

	downloadKey := req.DownloadKey()
	values, hit, err := stage.Load(ctx, downloadKey, func(ctx context.Context) ([][]byte, error) {
		data, err := fetch(ctx, req)
		m.metrics.produced("fetch", err)
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	})
	if cfg.Download.Policy.ReadEnabled() && err == nil {
		m.metrics.lookup(CacheLevelDownload, hit)
	}
	if err != nil {
		return nil, SourceNetwork, err
	}

	source := SourceNetwork
	if hit {
		source = SourceDownloadDisk
	}

	img, err := decode(ctx, req, values[0])
	m.metrics.produced("decode", err)
	if err != nil {
		return nil, source, err
	}
	if img == nil || !img.IsValid() {
		return nil, source, fmt.Errorf("decoder returned an unusable image for %q: %w", req.URI, ErrInvalidValue)
	}
	return img, source, nil
}

// Remove drops req from every level. It reports whether any level held it.
func (m *Manager) Remove(req Request) (bool, error) {
	key := req.Key()
	removed := m.memory.Remove(key) != nil

	var errs []error
	ok, err := m.result.Remove(key)
	if err != nil {
		errs = append(errs, fmt.Errorf("result remove: %w", err))
	}
	removed = removed || ok

	ok, err = m.download.Remove(req.DownloadKey())
	if err != nil {
		errs = append(errs, fmt.Errorf("download remove: %w", err))
	}
	removed = removed || ok

	return removed, errors.Join(errs...)
}

// Clear removes every entry from every level.
func (m *Manager) Clear() error {
	m.memory.Clear()

	var errs []error
	if err := m.result.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("result clear: %w", err))
	}
	if err := m.download.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("download clear: %w", err))
	}
	return errors.Join(errs...)
}

// TrimMemory releases memory under pressure and returns the number of
// evicted entries.
func (m *Manager) TrimMemory(level TrimLevel) int {
	n := m.memory.TrimLevel(level)
	if n > 0 {
		m.logger.Debug("trimmed memory cache", "level", level, "evicted", n, "size", m.memory.Size())
	}
	return n
}

// Stats returns the statistics of every level.
func (m *Manager) Stats() Stats {
	return Stats{
		Memory:   m.memory.Stats(),
		Result:   m.result.Stats(),
		Download: m.download.Stats(),
	}
}

// Keys returns the keys held by level.
func (m *Manager) Keys(level CacheLevel) []string {
	switch level {
	case CacheLevelMemory:
		return m.memory.Keys()
	case CacheLevelResult:
		return m.result.Keys()
	case CacheLevelDownload:
		return m.download.Keys()
	default:
		return nil
	}
}

// Entries returns up to n of the least recently used entries of level.
func (m *Manager) Entries(level CacheLevel, n int) []CacheMetadata {
	switch level {
	case CacheLevelMemory:
		return m.memory.LRUEntries(n)
	case CacheLevelResult:
		return m.result.LRUEntries(n)
	case CacheLevelDownload:
		return m.download.LRUEntries(n)
	default:
		return nil
	}
}

// Config returns the configuration in effect.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Reconfigure applies new sizes and policies. The directory, app version and
// compression level are fixed for the life of the manager; changes to them
// are ignored with a warning.
func (m *Manager) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid cache configuration: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Dir != m.config.Dir || cfg.AppVersion != m.config.AppVersion || cfg.CompressionLevel != m.config.CompressionLevel {
		m.logger.Warn("cache dir, app version and compression level need a restart to change")
		cfg.Dir = m.config.Dir
		cfg.AppVersion = m.config.AppVersion
		cfg.CompressionLevel = m.config.CompressionLevel
	}
	if cfg.Memory.EntrySizeRatio != m.config.Memory.EntrySizeRatio {
		m.logger.Warn("memory entry size ratio needs a restart to change")
		cfg.Memory.EntrySizeRatio = m.config.Memory.EntrySizeRatio
	}

	m.memory.Resize(int64(cfg.Memory.MaxSize))
	m.result.SetMaxSize(int64(cfg.Result.MaxSize))
	m.download.SetMaxSize(int64(cfg.Download.MaxSize))
	m.config = cfg

	m.logger.Info("cache reconfigured",
		"memory", cfg.Memory.MaxSize, "result", cfg.Result.MaxSize, "download", cfg.Download.MaxSize)
	return nil
}

// Flush writes pending journal records of both disk stores.
func (m *Manager) Flush() error {
	return errors.Join(m.result.Flush(), m.download.Flush())
}

// Close stops background work and closes the disk stores. The manager must
// not be used afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.flushStop)
		m.flushWg.Wait()

		var errs []error
		if err := m.result.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close result cache: %w", err))
		}
		if err := m.download.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close download cache: %w", err))
		}
		m.codec.Close()
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

// startFlushRoutine starts the background flush goroutine.
func (m *Manager) startFlushRoutine() {
	ticker := time.NewTicker(m.flushInterval)
	m.flushWg.Add(1)

	go func() {
		defer m.flushWg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					m.logger.Warn("failed to flush cache journals", "err", err)
				}
			case <-m.flushStop:
				return
			}
		}
	}()
}

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLoader counts producer calls of a Manager.
type testLoader struct {
	fetches atomic.Int32
	decodes atomic.Int32
	delay   time.Duration
	failing atomic.Bool
}

func (l *testLoader) fetch(ctx context.Context, req Request) ([]byte, error) {
	l.fetches.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.failing.Load() {
		return nil, errors.New("connection refused")
	}
	return []byte("body:" + req.URI), nil
}

func (l *testLoader) decode(_ context.Context, req Request, data []byte) (*Image, error) {
	l.decodes.Add(1)
	pixels := make([]byte, 4*4*4)
	copy(pixels, data)
	return &Image{
		Payload:         NewBitmap(4, 4, PixelFormatARGB8888, pixels),
		Info:            ImageInfo{Width: 4, Height: 4, MimeType: "image/png"},
		Transformations: req.Options.Transformations,
	}, nil
}

func newTestManager(t *testing.T, dir string, mutate func(*Config)) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Memory.MaxSize = 1 << 20
	cfg.Result.MaxSize = 1 << 20
	cfg.Download.MaxSize = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func mustLoad(t *testing.T, m *Manager, req Request, l *testLoader) *Result {
	t.Helper()
	res, err := m.Load(context.Background(), req, l.fetch, l.decode)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !res.Image.IsValid() {
		t.Fatal("Load returned an invalid image")
	}
	return res
}

func TestManager_BasicOperations(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/a.png"}

	res := mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("First load source = %s, want network", res.Source)
	}
	if res.Key != req.Key() {
		t.Errorf("Key = %q, want %q", res.Key, req.Key())
	}

	res = mustLoad(t, m, req, l)
	if res.Source != SourceMemory {
		t.Errorf("Second load source = %s, want memory", res.Source)
	}
	if got := l.fetches.Load(); got != 1 {
		t.Errorf("Fetches = %d, want 1", got)
	}
	if got := l.decodes.Load(); got != 1 {
		t.Errorf("Decodes = %d, want 1", got)
	}
}

func TestManager_CacheHierarchy(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/b.png", Options: Options{Size: Size{Width: 4, Height: 4}}}

	first := mustLoad(t, m, req, l)

	// Memory gone: the result store answers without decoding.
	m.memory.Clear()
	res := mustLoad(t, m, req, l)
	if res.Source != SourceResultDisk {
		t.Errorf("Source = %s, want result_disk", res.Source)
	}
	if got := l.decodes.Load(); got != 1 {
		t.Errorf("Decodes = %d, want 1", got)
	}
	want := first.Image.Payload.(*Bitmap).Pixels
	if got := res.Image.Payload.(*Bitmap).Pixels; string(got) != string(want) {
		t.Error("Result store returned different pixels")
	}

	// Result gone too: the download store answers and the image is decoded again.
	m.memory.Clear()
	if _, err := m.result.Remove(req.Key()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	res = mustLoad(t, m, req, l)
	if res.Source != SourceDownloadDisk {
		t.Errorf("Source = %s, want download_disk", res.Source)
	}
	if got := l.fetches.Load(); got != 1 {
		t.Errorf("Fetches = %d, want 1", got)
	}
	if got := l.decodes.Load(); got != 2 {
		t.Errorf("Decodes = %d, want 2", got)
	}
}

func TestManager_SharedDownload(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}

	small := Request{URI: "https://example.com/c.png", Options: Options{Size: Size{Width: 50, Height: 50}}}
	large := Request{URI: "https://example.com/c.png", Options: Options{Size: Size{Width: 100, Height: 100}}}

	mustLoad(t, m, small, l)
	res := mustLoad(t, m, large, l)

	if res.Source != SourceDownloadDisk {
		t.Errorf("Source = %s, want download_disk", res.Source)
	}
	if got := l.fetches.Load(); got != 1 {
		t.Errorf("Fetches = %d, want 1", got)
	}
	if got := l.decodes.Load(); got != 2 {
		t.Errorf("Decodes = %d, want 2", got)
	}
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	l := &testLoader{}
	req := Request{URI: "https://example.com/d.png"}

	m := newTestManager(t, dir, nil)
	mustLoad(t, m, req, l)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	m = newTestManager(t, dir, nil)
	res := mustLoad(t, m, req, l)
	if res.Source != SourceResultDisk {
		t.Errorf("Source after restart = %s, want result_disk", res.Source)
	}

	// A new app version discards everything.
	m.Close()
	m = newTestManager(t, dir, func(c *Config) { c.AppVersion = 2 })
	res = mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("Source after version bump = %s, want network", res.Source)
	}
}

func TestManager_ConcurrentLoads(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{delay: 50 * time.Millisecond}
	req := Request{URI: "https://example.com/e.png"}

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Load(context.Background(), req, l.fetch, l.decode); err != nil {
				errs <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for concurrent loads")
	}
	close(errs)
	for err := range errs {
		t.Errorf("Load failed: %v", err)
	}

	if got := l.fetches.Load(); got != 1 {
		t.Errorf("Fetches = %d, want 1", got)
	}
	if got := l.decodes.Load(); got != 1 {
		t.Errorf("Decodes = %d, want 1", got)
	}
}

func TestManager_FetchErrorNotCached(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	l.failing.Store(true)
	req := Request{URI: "https://example.com/f.png"}

	if _, err := m.Load(context.Background(), req, l.fetch, l.decode); err == nil {
		t.Fatal("Expected fetch error")
	}
	if m.download.Exists(req.DownloadKey()) || m.result.Exists(req.Key()) {
		t.Error("Failed load left a disk entry")
	}

	l.failing.Store(false)
	res := mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}
	if got := l.fetches.Load(); got != 2 {
		t.Errorf("Fetches = %d, want 2", got)
	}
}

func TestManager_DecoderErrors(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/g.png"}

	decodeErr := errors.New("unsupported format")
	_, err := m.Load(context.Background(), req, l.fetch, func(context.Context, Request, []byte) (*Image, error) {
		return nil, decodeErr
	})
	if !errors.Is(err, decodeErr) {
		t.Errorf("Load error = %v, want %v", err, decodeErr)
	}

	_, err = m.Load(context.Background(), req, l.fetch, func(context.Context, Request, []byte) (*Image, error) {
		return &Image{}, nil
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Load error = %v, want ErrInvalidValue", err)
	}

	// The download was cached although decoding failed.
	if got := l.fetches.Load(); got != 1 {
		t.Errorf("Fetches = %d, want 1", got)
	}
}

func TestManager_Policies(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantSource  Source
		wantFetches int32
	}{
		{
			name:        "memory disabled",
			mutate:      func(c *Config) { c.Memory.Policy = PolicyDisabled },
			wantSource:  SourceResultDisk,
			wantFetches: 1,
		},
		{
			name: "memory and result disabled",
			mutate: func(c *Config) {
				c.Memory.Policy = PolicyDisabled
				c.Result.Policy = PolicyDisabled
			},
			wantSource:  SourceDownloadDisk,
			wantFetches: 1,
		},
		{
			name: "all disabled",
			mutate: func(c *Config) {
				c.Memory.Policy = PolicyDisabled
				c.Result.Policy = PolicyDisabled
				c.Download.Policy = PolicyDisabled
			},
			wantSource:  SourceNetwork,
			wantFetches: 2,
		},
		{
			name: "write only",
			mutate: func(c *Config) {
				c.Memory.Policy = PolicyWriteOnly
				c.Result.Policy = PolicyWriteOnly
				c.Download.Policy = PolicyWriteOnly
			},
			wantSource:  SourceNetwork,
			wantFetches: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, t.TempDir(), tt.mutate)
			l := &testLoader{}
			req := Request{URI: "https://example.com/h.png"}

			mustLoad(t, m, req, l)
			res := mustLoad(t, m, req, l)
			if res.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", res.Source, tt.wantSource)
			}
			if got := l.fetches.Load(); got != tt.wantFetches {
				t.Errorf("Fetches = %d, want %d", got, tt.wantFetches)
			}
		})
	}
}

func TestManager_ReadOnlyNeverWrites(t *testing.T) {
	m := newTestManager(t, t.TempDir(), func(c *Config) {
		c.Memory.Policy = PolicyReadOnly
		c.Result.Policy = PolicyReadOnly
		c.Download.Policy = PolicyReadOnly
	})
	l := &testLoader{}
	req := Request{URI: "https://example.com/i.png"}

	mustLoad(t, m, req, l)

	if m.memory.Exists(req.Key()) {
		t.Error("Read-only memory stage stored a value")
	}
	if len(m.Keys(CacheLevelResult)) != 0 || len(m.Keys(CacheLevelDownload)) != 0 {
		t.Error("Read-only disk stages stored an entry")
	}
}

func TestManager_CorruptResultEntry(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/j.png"}

	writeEntry(t, m.result, req.Key(), "garbage", "{not json")

	res := mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}

	// The entry was replaced by a readable one.
	m.memory.Clear()
	res = mustLoad(t, m, req, l)
	if res.Source != SourceResultDisk {
		t.Errorf("Source = %s, want result_disk", res.Source)
	}
}

func TestManager_ForeignResultEntry(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/k.png"}
	other := Request{URI: "https://example.com/other.png"}

	values, err := m.codec.Encode(other.Key(), &Image{Payload: testBitmap(4, 4, 1)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	writeEntry(t, m.result, req.Key(), string(values[0]), string(values[1]))

	res := mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}
}

func TestManager_Remove(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}
	req := Request{URI: "https://example.com/l.png"}

	mustLoad(t, m, req, l)

	removed, err := m.Remove(req)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("Remove reported nothing removed")
	}

	removed, err = m.Remove(req)
	if err != nil || removed {
		t.Errorf("Second remove = %v, %v; want false, nil", removed, err)
	}

	res := mustLoad(t, m, req, l)
	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}
}

func TestManager_ClearAndTrim(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	l := &testLoader{}

	for _, uri := range []string{"a", "b", "c", "d"} {
		mustLoad(t, m, Request{URI: "https://example.com/" + uri}, l)
	}

	stats := m.Stats()
	if stats.Memory.ItemCount != 4 || stats.Result.ItemCount != 4 || stats.Download.ItemCount != 4 {
		t.Errorf("Item counts = %d/%d/%d, want 4/4/4",
			stats.Memory.ItemCount, stats.Result.ItemCount, stats.Download.ItemCount)
	}

	if n := m.TrimMemory(TrimModerate); n != 0 {
		t.Errorf("Moderate trim of a small store evicted %d entries", n)
	}
	if n := m.TrimMemory(TrimComplete); n != 4 {
		t.Errorf("Complete trim evicted %d entries, want 4", n)
	}
	if m.memory.Size() != 0 {
		t.Errorf("Memory size after complete trim = %d", m.memory.Size())
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	for _, level := range []CacheLevel{CacheLevelMemory, CacheLevelResult, CacheLevelDownload} {
		if keys := m.Keys(level); len(keys) != 0 {
			t.Errorf("%s still holds %v", level, keys)
		}
	}
}

func TestManager_Reconfigure(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, nil)
	l := &testLoader{}

	for _, uri := range []string{"a", "b", "c"} {
		mustLoad(t, m, Request{URI: "https://example.com/" + uri}, l)
	}

	cfg := m.Config()
	cfg.Memory.MaxSize = 128
	cfg.Memory.Policy = PolicyReadOnly
	cfg.Dir = t.TempDir()
	if err := m.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}

	got := m.Config()
	if got.Dir != dir {
		t.Errorf("Dir changed to %q", got.Dir)
	}
	if got.Memory.Policy != PolicyReadOnly {
		t.Errorf("Memory policy = %s, want read-only", got.Memory.Policy)
	}
	if m.memory.MaxSize() != 128 {
		t.Errorf("Memory max size = %d, want 128", m.memory.MaxSize())
	}
	if m.memory.Size() > 128 {
		t.Errorf("Memory size %d exceeds new limit", m.memory.Size())
	}

	cfg.Memory.MaxSize = 0
	if err := m.Reconfigure(cfg); err == nil {
		t.Error("Expected error for zero memory size")
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = ""
	if _, err := NewManager(cfg); err == nil {
		t.Error("Expected error for empty cache dir")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	m, err := NewManager(cfg, WithFlushInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	mustLoad(t, m, Request{URI: "https://example.com/m.png"}, &testLoader{})
	time.Sleep(30 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

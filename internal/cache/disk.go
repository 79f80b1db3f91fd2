package cache

import (
	"bufio"
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MaxAppVersion is the largest app version a DiskStore accepts.
const MaxAppVersion = 32767

// DiskStore is a journaled, size-bounded disk cache. Each entry holds a
// fixed number of values stored in one file each; writes go through an
// Editor and reads through a Snapshot.
//
// All journal and index state is guarded by one mutex. Value bytes are
// written and read outside of it.
type DiskStore struct {
	dir        string
	appVersion int
	valueCount int
	maxSize    int64 // Maximum size in bytes
	size       int64 // Current size in bytes

	// Index in LRU order, front is least recently used
	entries map[string]*diskEntry
	lru     *list.List

	// Journal
	journal      *os.File
	journalW     *bufio.Writer
	redundantOps int
	needsRebuild bool
	nextSequence int64

	locks   *LockRegistry
	logger  *log.Logger
	level   CacheLevel
	onEvict func(key string, size int64)

	// Synchronization
	mu     sync.Mutex
	closed bool

	// Metrics
	stats CacheStats
}

// diskEntry is the index record of one key.
type diskEntry struct {
	key      string
	hash     string
	lengths  []int64
	sums     []uint32
	readable bool // a committed version exists

	editor   *Editor // non-nil while an edit is open
	sequence int64   // changes on every commit

	snapshots int  // unreleased snapshots
	detached  bool // left the index while snapshots were open
	dangling  bool // DIRTY without CLEAN in the journal being replayed

	hits       int64
	lastAccess time.Time
	elem       *list.Element
}

func (e *diskEntry) size() int64 {
	var total int64
	for _, n := range e.lengths {
		total += n
	}
	return total
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithDiskLogger sets the logger used for recovered failures.
func WithDiskLogger(logger *log.Logger) DiskOption {
	return func(s *DiskStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDiskLevel tags the store with the tier it serves.
func WithDiskLevel(level CacheLevel) DiskOption {
	return func(s *DiskStore) {
		s.level = level
	}
}

// WithDiskEvictionHook registers fn to run for every size eviction.
func WithDiskEvictionHook(fn func(key string, size int64)) DiskOption {
	return func(s *DiskStore) {
		s.onEvict = fn
	}
}

// OpenDiskStore opens the cache in dir, creating it when needed. A journal
// written with another appVersion or valueCount, or one that cannot be
// parsed, resets the directory.
func OpenDiskStore(dir string, appVersion, valueCount int, maxSize int64, opts ...DiskOption) (*DiskStore, error) {
	if appVersion < 1 || appVersion > MaxAppVersion {
		return nil, fmt.Errorf("app version %d out of range 1..%d", appVersion, MaxAppVersion)
	}
	if valueCount < 1 {
		return nil, fmt.Errorf("value count must be positive, got %d", valueCount)
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}

	s := &DiskStore{
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		entries:    make(map[string]*diskEntry),
		lru:        list.New(),
		locks:      NewLockRegistry(),
		logger:     log.Default(),
		level:      CacheLevelResult,
		stats: CacheStats{
			Capacity: maxSize,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("cache", s.level.String())

	// Create cache directory if it doesn't exist
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioError("open", "", fmt.Errorf("failed to create cache directory: %w", err))
	}
	if err := s.restoreBackup(); err != nil {
		return nil, ioError("open", "", err)
	}

	err := s.readJournal()
	switch {
	case err == nil:
		if err := s.processJournal(); err != nil {
			return nil, ioError("open", "", err)
		}
	case errors.Is(err, os.ErrNotExist):
		s.needsRebuild = true
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrCorruptJournal):
		s.logger.Warn("resetting disk cache", "dir", dir, "err", err)
		if err := s.wipe(); err != nil {
			return nil, ioError("open", "", err)
		}
	default:
		return nil, ioError("open", "", err)
	}

	if s.needsRebuild {
		if err := s.rebuildJournal(); err != nil {
			return nil, ioError("open", "", err)
		}
	} else if err := s.openJournalForAppend(); err != nil {
		return nil, ioError("open", "", err)
	}

	s.logger.Debug("disk cache opened", "dir", dir, "entries", len(s.entries), "size", s.size)
	return s, nil
}

// wipe deletes everything in the directory and starts an empty index.
func (s *DiskStore) wipe() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	s.entries = make(map[string]*diskEntry)
	s.lru.Init()
	s.size = 0
	s.redundantOps = 0
	s.needsRebuild = true
	return nil
}

// Get returns a snapshot of the committed values of key, or nil on a miss.
// The snapshot must be released.
func (s *DiskStore) Get(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ioError("get", key, ErrClosed)
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		s.stats.Misses++
		return nil, nil
	}

	files := make([]*os.File, s.valueCount)
	for i := range files {
		f, err := os.Open(s.cleanPath(e.hash, i))
		if err != nil {
			closeFiles(files)
			if errors.Is(err, os.ErrNotExist) {
				// Files deleted behind our back: the entry is gone.
				s.logger.Warn("disk cache entry lost its files", "key", key, "err", err)
				s.dropVersion(e)
				s.stats.Misses++
				return nil, nil
			}
			return nil, ioError("get", key, err)
		}
		files[i] = f
	}

	s.touch(e)
	e.hits++
	e.lastAccess = time.Now()
	e.snapshots++
	s.stats.Hits++
	s.stats.LastAccess = e.lastAccess

	s.redundantOps++
	if err := s.appendJournal(opRead, key); err != nil {
		s.logger.Warn("failed to journal read", "key", key, "err", err)
	}
	s.maybeRebuild()

	return &Snapshot{
		store:    s,
		entry:    e,
		key:      key,
		sequence: e.sequence,
		files:    files,
		lengths:  append([]int64(nil), e.lengths...),
		sums:     append([]uint32(nil), e.sums...),
	}, nil
}

// Edit opens an editor for key. It returns (nil, nil) when another edit of
// the same key is in progress.
func (s *DiskStore) Edit(key string) (*Editor, error) {
	return s.edit(key, anySequence)
}

const anySequence = -1

func (s *DiskStore) edit(key string, sequence int64) (*Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ioError("edit", key, ErrClosed)
	}

	e, ok := s.entries[key]
	if sequence != anySequence && (!ok || e.sequence != sequence) {
		// The snapshot is stale.
		return nil, nil
	}
	if ok && e.editor != nil {
		return nil, nil
	}

	// DIRTY must be durable before any file is written so that recovery
	// can find and delete half-written files.
	if err := s.appendJournal(opDirty, key); err != nil {
		return nil, ioError("edit", key, err)
	}
	if err := s.syncJournal(); err != nil {
		return nil, ioError("edit", key, err)
	}

	if !ok {
		e = s.newEntry(key)
	}
	ed := &Editor{
		store:   s,
		entry:   e,
		written: make([]bool, s.valueCount),
		writers: make([]*entryWriter, s.valueCount),
	}
	e.editor = ed
	return ed, nil
}

// Remove drops key from the cache. It returns false when the key is absent
// or being edited. Files held by unreleased snapshots are deleted when the
// last of them is released.
func (s *DiskStore) Remove(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ioError("remove", key, ErrClosed)
	}

	e, ok := s.entries[key]
	if !ok || e.editor != nil {
		return false, nil
	}
	if err := s.removeEntry(e); err != nil {
		return true, ioError("remove", key, err)
	}
	s.maybeRebuild()
	return true, nil
}

// Exists reports whether key has a committed entry.
func (s *DiskStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && e.readable
}

// Keys returns the committed keys, least recently used first.
func (s *DiskStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		if e := elem.Value.(*diskEntry); e.readable {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// LRUEntries returns the n least recently used committed entries.
func (s *DiskStore) LRUEntries(n int) []CacheMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]CacheMetadata, 0, n)
	for elem := s.lru.Front(); elem != nil && len(entries) < n; elem = elem.Next() {
		e := elem.Value.(*diskEntry)
		if !e.readable {
			continue
		}
		entries = append(entries, CacheMetadata{
			Key:        e.key,
			Size:       e.size(),
			LastAccess: e.lastAccess,
			Hits:       e.hits,
			Level:      s.level,
		})
	}
	return entries
}

// EditLock returns the caller-level lock for key. The store never takes it
// itself.
func (s *DiskStore) EditLock(key string) *EditLock {
	return s.locks.EditLock(key)
}

// Size returns the bytes held by committed entries.
func (s *DiskStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// MaxSize returns the capacity in bytes.
func (s *DiskStore) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxSize
}

// SetMaxSize changes the capacity, evicting as needed.
func (s *DiskStore) SetMaxSize(maxSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxSize = maxSize
	s.stats.Capacity = maxSize
	s.trimToSize()
}

// Dir returns the cache directory.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Level returns the tier the store serves.
func (s *DiskStore) Level() CacheLevel {
	return s.level
}

// Stats returns cache statistics.
func (s *DiskStore) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Size = s.size
	for _, e := range s.entries {
		if e.readable {
			stats.ItemCount++
		}
	}
	stats.computeHitRate()
	return stats
}

// Clear removes every entry that is not being edited.
func (s *DiskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ioError("clear", "", ErrClosed)
	}

	var firstErr error
	for elem := s.lru.Front(); elem != nil; {
		next := elem.Next()
		if e := elem.Value.(*diskEntry); e.editor == nil {
			if err := s.removeEntry(e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		elem = next
	}
	if err := s.rebuildJournal(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return ioError("clear", "", firstErr)
	}
	return nil
}

// Flush writes buffered journal lines to disk.
func (s *DiskStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ioError("flush", "", ErrClosed)
	}
	s.trimToSize()
	if err := s.syncJournal(); err != nil {
		return ioError("flush", "", err)
	}
	return nil
}

// Close flushes and closes the journal. Open editors fail on commit.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.trimToSize()
	err := s.syncJournal()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.closed = true
	if err != nil {
		return ioError("close", "", err)
	}
	return nil
}

// newEntry must be called with lock held.
func (s *DiskStore) newEntry(key string) *diskEntry {
	e := &diskEntry{
		key:     key,
		hash:    fileHash(key),
		lengths: make([]int64, s.valueCount),
		sums:    make([]uint32, s.valueCount),
	}
	e.elem = s.lru.PushBack(e)
	s.entries[key] = e
	return e
}

// touch marks e most recently used (must be called with lock held).
func (s *DiskStore) touch(e *diskEntry) {
	s.lru.MoveToBack(e.elem)
}

// unlink drops e from the index without touching files or the journal.
func (s *DiskStore) unlink(e *diskEntry) {
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)
	if e.readable {
		s.size -= e.size()
	}
}

// dropVersion discards the committed version of e. An entry with an open
// editor stays indexed as unreadable so its commit lands in the index (must
// be called with lock held).
func (s *DiskStore) dropVersion(e *diskEntry) {
	if e.editor == nil {
		s.removeEntry(e)
		return
	}
	if e.readable {
		s.size -= e.size()
		e.readable = false
	}
}

// removeEntry unlinks e, journals the removal and deletes its files unless
// snapshots still hold them (must be called with lock held).
func (s *DiskStore) removeEntry(e *diskEntry) error {
	s.unlink(e)
	s.redundantOps++

	var err error
	if e.snapshots > 0 {
		e.detached = true
	} else {
		err = s.deleteCleanFiles(e.hash)
	}
	if jerr := s.appendJournal(opRemove, e.key); err == nil {
		err = jerr
	}
	if ferr := s.journalW.Flush(); err == nil {
		err = ferr
	}
	return err
}

// trimToSize evicts least recently used entries that are not being edited
// until the store fits (must be called with lock held).
func (s *DiskStore) trimToSize() {
	elem := s.lru.Front()
	for s.size > s.maxSize && elem != nil {
		next := elem.Next()
		e := elem.Value.(*diskEntry)
		if e.editor == nil && e.readable {
			size := e.size()
			if err := s.removeEntry(e); err != nil {
				s.logger.Warn("failed to evict disk cache entry", "key", e.key, "err", err)
			}
			s.stats.Evictions++
			s.stats.LastEvict = time.Now()
			if s.onEvict != nil {
				s.onEvict(e.key, size)
			}
		}
		elem = next
	}
}

// releaseSnapshot must be called with lock held.
func (s *DiskStore) releaseSnapshot(e *diskEntry) {
	e.snapshots--
	if e.snapshots > 0 || !e.detached {
		return
	}
	// A newer committed entry for the same key owns the file names now.
	if live, ok := s.entries[e.key]; ok && live.readable {
		return
	}
	if err := s.deleteCleanFiles(e.hash); err != nil {
		s.logger.Warn("failed to delete released disk cache files", "key", e.key, "err", err)
	}
}

func (s *DiskStore) deleteCleanFiles(hash string) error {
	var firstErr error
	for i := 0; i < s.valueCount; i++ {
		if err := os.Remove(s.cleanPath(hash, i)); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *DiskStore) deleteDirtyFiles(hash string) {
	for i := 0; i < s.valueCount; i++ {
		if err := os.Remove(s.dirtyPath(hash, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to delete dirty file", "path", s.dirtyPath(hash, i), "err", err)
		}
	}
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *DiskStore) cleanPath(hash string, index int) string {
	return filepath.Join(s.dir, hash+"."+strconv.Itoa(index))
}

func (s *DiskStore) dirtyPath(hash string, index int) string {
	return s.cleanPath(hash, index) + ".tmp"
}

// fileHash derives the file name stem of a key.
func fileHash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:16])
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

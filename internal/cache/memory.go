package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultEntrySizeRatio is the largest share of the memory store a single
// value may take.
const DefaultEntrySizeRatio = 0.3

// PutStatus is the outcome of MemoryStore.Put.
type PutStatus int

const (
	PutSuccess PutStatus = iota
	PutAlreadyExists
	PutExceedsSingleEntryLimit
	PutFailed
)

// String returns the string representation of the put status
func (s PutStatus) String() string {
	switch s {
	case PutSuccess:
		return "success"
	case PutAlreadyExists:
		return "already_exists"
	case PutExceedsSingleEntryLimit:
		return "exceeds_single_entry_limit"
	case PutFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Err returns nil for statuses that leave the value cached or already
// present, ErrCapacityExceeded for an oversized value and an error naming
// the status otherwise.
func (s PutStatus) Err() error {
	switch s {
	case PutSuccess, PutAlreadyExists:
		return nil
	case PutExceedsSingleEntryLimit:
		return ErrCapacityExceeded
	default:
		return fmt.Errorf("memory cache put %s", s)
	}
}

// TrimLevel is the severity of a memory pressure signal.
type TrimLevel int

const (
	// TrimModerate drops half of the store.
	TrimModerate TrimLevel = iota
	// TrimComplete empties the store.
	TrimComplete
)

func (l TrimLevel) String() string {
	if l == TrimComplete {
		return "complete"
	}
	return "moderate"
}

// ParseTrimLevel parses "moderate" or "complete".
func ParseTrimLevel(s string) (TrimLevel, error) {
	switch strings.ToLower(s) {
	case "", "moderate":
		return TrimModerate, nil
	case "complete":
		return TrimComplete, nil
	default:
		return TrimModerate, fmt.Errorf("unknown trim level %q", s)
	}
}

// MemoryStore implements the L1 in-memory store with LRU eviction.
// It holds decoded images within a configurable size limit.
type MemoryStore struct {
	maxSize    int64 // Maximum size in bytes
	size       int64 // Current size in bytes
	entryRatio float64

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	// Synchronization
	mu sync.Mutex

	// Metrics
	stats   CacheStats
	onEvict func(key string, size int64)
}

// memoryEntry represents an entry in the memory store
type memoryEntry struct {
	key       string
	value     Value
	size      int64
	timestamp time.Time
	hits      int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithEntrySizeRatio overrides DefaultEntrySizeRatio.
func WithEntrySizeRatio(ratio float64) MemoryOption {
	return func(m *MemoryStore) {
		if ratio > 0 && ratio <= 1 {
			m.entryRatio = ratio
		}
	}
}

// WithEvictionHook registers fn to run for every LRU eviction.
func WithEvictionHook(fn func(key string, size int64)) MemoryOption {
	return func(m *MemoryStore) {
		m.onEvict = fn
	}
}

// NewMemoryStore creates a new memory store with the specified capacity in bytes.
func NewMemoryStore(maxSize int64, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		maxSize:    maxSize,
		entryRatio: DefaultEntrySizeRatio,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stats: CacheStats{
			Capacity: maxSize,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// accountedSize never lets an entry be free, otherwise it would be invisible
// to eviction.
func accountedSize(v Value) int64 {
	if size := v.SizeBytes(); size > 0 {
		return size
	}
	return 1
}

// Get retrieves a value and marks it most recently used. It returns
// (nil, nil) on a miss and ErrInvalidValue when the stored value was
// invalidated by its owner.
func (c *MemoryStore) Get(key string) (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}

	// Move to front (most recently used)
	c.eviction.MoveToFront(elem)
	entry := elem.Value.(*memoryEntry)
	if !entry.value.IsValid() {
		return nil, fmt.Errorf("memory cache %q: %w", key, ErrInvalidValue)
	}
	entry.hits++

	c.stats.Hits++
	c.stats.LastAccess = time.Now()
	return entry.value, nil
}

// Put stores a value. Existing keys are never overwritten and values above
// the single entry limit are refused without evicting anything.
func (c *MemoryStore) Put(key string, value Value) PutStatus {
	if value == nil || !value.IsValid() {
		return PutFailed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		return PutAlreadyExists
	}

	valueSize := accountedSize(value)
	if float64(valueSize) > float64(c.maxSize)*c.entryRatio {
		c.stats.Rejected++
		return PutExceedsSingleEntryLimit
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		size:      valueSize,
		timestamp: time.Now(),
	}

	elem := c.eviction.PushFront(entry)
	c.items[key] = elem
	c.size += valueSize

	// The new entry sits at the front and is evicted last.
	c.trimLocked(c.maxSize)

	c.stats.Size = c.size
	return PutSuccess
}

// Remove deletes an entry and returns its value, or nil if absent.
func (c *MemoryStore) Remove(key string) Value {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil
	}

	entry := c.removeElement(elem)
	return entry.value
}

// Exists checks if a key exists in the store without updating LRU.
func (c *MemoryStore) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Keys returns all keys in the store, most recently used first.
func (c *MemoryStore) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.eviction.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*memoryEntry).key)
	}
	return keys
}

// Clear removes all entries from the store.
func (c *MemoryStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
	c.stats.Size = 0
}

// Trim evicts least recently used entries until the store holds at most
// targetBytes.
func (c *MemoryStore) Trim(targetBytes int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.trimLocked(targetBytes)
}

// TrimLevel reacts to a memory pressure signal.
func (c *MemoryStore) TrimLevel(level TrimLevel) int {
	switch level {
	case TrimComplete:
		return c.Trim(0)
	default:
		return c.Trim(c.MaxSize() / 2)
	}
}

// Size returns the current store size in bytes.
func (c *MemoryStore) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// MaxSize returns the capacity in bytes.
func (c *MemoryStore) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxSize
}

// Stats returns cache statistics.
func (c *MemoryStore) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.ItemCount = int64(len(c.items))
	stats.computeHitRate()
	return stats
}

// LRUEntries returns the n least recently used entries, oldest first.
func (c *MemoryStore) LRUEntries(n int) []CacheMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]CacheMetadata, 0, n)

	// Start from the back (least recently used)
	elem := c.eviction.Back()
	for i := 0; i < n && elem != nil; i++ {
		entry := elem.Value.(*memoryEntry)
		entries = append(entries, CacheMetadata{
			Key:       entry.key,
			Size:      entry.size,
			Timestamp: entry.timestamp,
			Hits:      entry.hits,
			Level:     CacheLevelMemory,
		})
		elem = elem.Prev()
	}

	return entries
}

// Resize changes the store capacity, evicting as needed.
func (c *MemoryStore) Resize(maxSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxSize = maxSize
	c.stats.Capacity = maxSize
	c.trimLocked(maxSize)
}

// trimLocked must be called with lock held.
func (c *MemoryStore) trimLocked(target int64) int {
	evicted := 0
	for c.size > target && c.eviction.Len() > 0 {
		entry := c.removeElement(c.eviction.Back())
		c.stats.Evictions++
		c.stats.LastEvict = time.Now()
		evicted++
		if c.onEvict != nil {
			c.onEvict(entry.key, entry.size)
		}
	}
	c.stats.Size = c.size
	return evicted
}

// removeElement removes an element from the store (must be called with lock held).
func (c *MemoryStore) removeElement(elem *list.Element) *memoryEntry {
	c.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(c.items, entry.key)
	c.size -= entry.size
	c.stats.Size = c.size
	return entry
}

package cache

import (
	"fmt"
	"strings"
	"time"
)

// CacheLevel represents the cache tier
type CacheLevel int

const (
	// CacheLevelMemory represents the decoded image store (fastest)
	CacheLevelMemory CacheLevel = iota

	// CacheLevelResult represents the disk store of decoded and transformed results
	CacheLevelResult

	// CacheLevelDownload represents the disk store of raw downloads
	CacheLevelDownload
)

// String returns the string representation of the cache level
func (l CacheLevel) String() string {
	switch l {
	case CacheLevelMemory:
		return "memory"
	case CacheLevelResult:
		return "result"
	case CacheLevelDownload:
		return "download"
	default:
		return "unknown"
	}
}

// ParseCacheLevel parses the names returned by String.
func ParseCacheLevel(s string) (CacheLevel, error) {
	for _, l := range []CacheLevel{CacheLevelMemory, CacheLevelResult, CacheLevelDownload} {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown cache level %q", s)
}

// CacheStats holds cache performance metrics
type CacheStats struct {
	// Configuration
	Capacity int64 `json:"capacity" yaml:"capacity"` // Maximum capacity in bytes

	// Current state
	Size      int64 `json:"size" yaml:"size"`             // Current size in bytes
	ItemCount int64 `json:"item_count" yaml:"item_count"` // Number of items in cache

	// Performance metrics
	Hits      int64   `json:"hits" yaml:"hits"`
	Misses    int64   `json:"misses" yaml:"misses"`
	Evictions int64   `json:"evictions" yaml:"evictions"`
	Rejected  int64   `json:"rejected" yaml:"rejected"` // Puts refused by the single entry limit
	HitRate   float64 `json:"hit_rate" yaml:"hit_rate"` // hits / (hits + misses)

	// Timing
	LastAccess time.Time `json:"last_access" yaml:"last_access"`
	LastEvict  time.Time `json:"last_evict" yaml:"last_evict"`
}

func (s *CacheStats) computeHitRate() {
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
}

// CacheMetadata contains metadata about a cached item
type CacheMetadata struct {
	Key        string     // Cache key
	Size       int64      // Accounted size in bytes
	Timestamp  time.Time  // When item was cached
	LastAccess time.Time  // Last access time
	Hits       int64      // Number of times accessed
	Level      CacheLevel // Which cache level this is from
}

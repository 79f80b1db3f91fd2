package cache

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
)

// ByteSize is a byte count written in config files as "64MiB" or "1GB".
type ByteSize int64

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// ParseByteSize parses sizes such as "512MiB", "1 GB" or "4096".
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Config contains all cache configuration options.
type Config struct {
	// Root directory; the disk stores live in subdirectories
	Dir string `yaml:"dir"`

	// Bumping the version discards every disk entry written before
	AppVersion int `yaml:"app_version"`

	// Debug turns invalid memory values into panics
	Debug bool `yaml:"debug"`

	// zstd level for result pixels, 0 disables compression
	CompressionLevel int `yaml:"compression_level"`

	Memory   MemoryConfig `yaml:"memory"`
	Result   DiskConfig   `yaml:"result"`
	Download DiskConfig   `yaml:"download"`
}

// MemoryConfig configures the decoded image store.
type MemoryConfig struct {
	MaxSize        ByteSize `yaml:"max_size"`
	EntrySizeRatio float64  `yaml:"entry_size_ratio"`
	Policy         Policy   `yaml:"policy"`
}

// DiskConfig configures one disk store.
type DiskConfig struct {
	MaxSize ByteSize `yaml:"max_size"`
	Policy  Policy   `yaml:"policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dir:              DefaultDir(),
		AppVersion:       1,
		CompressionLevel: 3,
		Memory: MemoryConfig{
			MaxSize:        64 << 20,
			EntrySizeRatio: DefaultEntrySizeRatio,
			Policy:         PolicyEnabled,
		},
		Result: DiskConfig{
			MaxSize: 256 << 20,
			Policy:  PolicyEnabled,
		},
		Download: DiskConfig{
			MaxSize: 512 << 20,
			Policy:  PolicyEnabled,
		},
	}
}

// DefaultDir returns the per-user cache directory.
func DefaultDir() string {
	scope := gap.NewScope(gap.User, "imgcache")
	dir, err := scope.CacheDir()
	if err != nil {
		return filepath.Join(".cache", "imgcache")
	}
	return dir
}

// ResultDir is the directory of the result disk store.
func (c *Config) ResultDir() string {
	return filepath.Join(c.Dir, "result")
}

// DownloadDir is the directory of the download disk store.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.Dir, "download")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}
	if c.AppVersion < 1 || c.AppVersion > MaxAppVersion {
		return fmt.Errorf("app version must be between 1 and %d, got %d", MaxAppVersion, c.AppVersion)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("compression level must be between 0 and 22, got %d", c.CompressionLevel)
	}

	if c.Memory.MaxSize <= 0 {
		return fmt.Errorf("memory max size must be positive, got %d", c.Memory.MaxSize)
	}
	if c.Memory.EntrySizeRatio <= 0 || c.Memory.EntrySizeRatio > 1 {
		return fmt.Errorf("memory entry size ratio must be in (0, 1], got %f", c.Memory.EntrySizeRatio)
	}

	for name, d := range map[string]DiskConfig{"result": c.Result, "download": c.Download} {
		if d.MaxSize <= 0 {
			return fmt.Errorf("%s max size must be positive, got %d", name, d.MaxSize)
		}
	}
	return nil
}

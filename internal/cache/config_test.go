package cache

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// TestDefaultConfig tests that default configuration is valid.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if cfg.Memory.EntrySizeRatio != DefaultEntrySizeRatio {
		t.Errorf("Default entry size ratio = %v, want %v", cfg.Memory.EntrySizeRatio, DefaultEntrySizeRatio)
	}
	if cfg.Result.Policy != PolicyEnabled || cfg.Download.Policy != PolicyEnabled {
		t.Error("Disk stages should be enabled by default")
	}
	if !strings.HasSuffix(cfg.Dir, "imgcache") {
		t.Errorf("Default dir %q should end in imgcache", cfg.Dir)
	}
	if cfg.ResultDir() != filepath.Join(cfg.Dir, "result") {
		t.Errorf("ResultDir = %q", cfg.ResultDir())
	}
	if cfg.DownloadDir() != filepath.Join(cfg.Dir, "download") {
		t.Errorf("DownloadDir = %q", cfg.DownloadDir())
	}
}

// TestConfigValidation tests configuration validation.
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"empty dir", func(c *Config) { c.Dir = "" }, true},
		{"zero app version", func(c *Config) { c.AppVersion = 0 }, true},
		{"app version too large", func(c *Config) { c.AppVersion = MaxAppVersion + 1 }, true},
		{"negative compression", func(c *Config) { c.CompressionLevel = -1 }, true},
		{"compression too high", func(c *Config) { c.CompressionLevel = 23 }, true},
		{"compression off", func(c *Config) { c.CompressionLevel = 0 }, false},
		{"zero memory size", func(c *Config) { c.Memory.MaxSize = 0 }, true},
		{"zero ratio", func(c *Config) { c.Memory.EntrySizeRatio = 0 }, true},
		{"ratio above one", func(c *Config) { c.Memory.EntrySizeRatio = 1.5 }, true},
		{"ratio one", func(c *Config) { c.Memory.EntrySizeRatio = 1 }, false},
		{"zero result size", func(c *Config) { c.Result.MaxSize = 0 }, true},
		{"negative download size", func(c *Config) { c.Download.MaxSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"4096", 4096},
		{"64MiB", 64 << 20},
		{"64 MiB", 64 << 20},
		{"1GB", 1000 * 1000 * 1000},
		{"512kib", 512 << 10},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if _, err := ParseByteSize("lots"); err == nil {
		t.Error("ParseByteSize should reject garbage")
	}

	var b ByteSize
	if err := b.UnmarshalText([]byte("256MiB")); err != nil {
		t.Fatalf("UnmarshalText error = %v", err)
	}
	text, _ := b.MarshalText()
	if string(text) != "256 MiB" {
		t.Errorf("MarshalText = %q, want 256 MiB", text)
	}
}

// withViper runs fn against a clean global viper.
func withViper(t *testing.T, settings map[string]any, fn func()) {
	t.Helper()
	viper.Reset()
	defer viper.Reset()
	for key, value := range settings {
		viper.Set(key, value)
	}
	fn()
}

// TestLoadConfigFromViper tests loading configuration from Viper.
func TestLoadConfigFromViper(t *testing.T) {
	withViper(t, map[string]any{
		"cache.dir":                     "~/imgcache-test",
		"cache.app_version":             7,
		"cache.debug":                   true,
		"cache.compression_level":       0,
		"cache.memory.max_size":         "32MiB",
		"cache.memory.entry_size_ratio": 0.5,
		"cache.memory.policy":           "read-only",
		"cache.result.max_size":         "1GiB",
		"cache.download.policy":         "disabled",
	}, func() {
		cfg, err := LoadConfigFromViper()
		if err != nil {
			t.Fatalf("LoadConfigFromViper() error = %v", err)
		}

		home, err := homedir.Dir()
		if err != nil {
			t.Fatalf("homedir.Dir() error = %v", err)
		}
		if want := filepath.Join(home, "imgcache-test"); cfg.Dir != want {
			t.Errorf("Dir = %q, want %q", cfg.Dir, want)
		}
		if cfg.AppVersion != 7 {
			t.Errorf("AppVersion = %d, want 7", cfg.AppVersion)
		}
		if !cfg.Debug {
			t.Error("Debug should be set")
		}
		if cfg.CompressionLevel != 0 {
			t.Errorf("CompressionLevel = %d, want 0", cfg.CompressionLevel)
		}
		if cfg.Memory.MaxSize != 32<<20 {
			t.Errorf("Memory.MaxSize = %d, want 32MiB", cfg.Memory.MaxSize)
		}
		if cfg.Memory.EntrySizeRatio != 0.5 {
			t.Errorf("Memory.EntrySizeRatio = %v, want 0.5", cfg.Memory.EntrySizeRatio)
		}
		if cfg.Memory.Policy != PolicyReadOnly {
			t.Errorf("Memory.Policy = %s, want read_only", cfg.Memory.Policy)
		}
		if cfg.Result.MaxSize != 1<<30 {
			t.Errorf("Result.MaxSize = %d, want 1GiB", cfg.Result.MaxSize)
		}
		if cfg.Result.Policy != PolicyEnabled {
			t.Errorf("Result.Policy = %s, want enabled", cfg.Result.Policy)
		}
		if cfg.Download.Policy != PolicyDisabled {
			t.Errorf("Download.Policy = %s, want disabled", cfg.Download.Policy)
		}
		if cfg.Download.MaxSize != DefaultConfig().Download.MaxSize {
			t.Errorf("Download.MaxSize = %d, want default", cfg.Download.MaxSize)
		}
	})
}

func TestLoadConfigFromViper_Defaults(t *testing.T) {
	withViper(t, nil, func() {
		SetDefaults()

		cfg, err := LoadConfigFromViper()
		if err != nil {
			t.Fatalf("LoadConfigFromViper() error = %v", err)
		}
		want := DefaultConfig()
		if cfg != want {
			t.Errorf("Config from defaults = %+v, want %+v", cfg, want)
		}
	})
}

func TestLoadConfigFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"bad size", "cache.memory.max_size", "huge"},
		{"bad policy", "cache.result.policy", "sometimes"},
		{"bad ratio", "cache.memory.entry_size_ratio", 2.0},
		{"bad version", "cache.app_version", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withViper(t, map[string]any{tt.key: tt.val}, func() {
				if _, err := LoadConfigFromViper(); err == nil {
					t.Errorf("LoadConfigFromViper() with %s = %v should fail", tt.key, tt.val)
				}
			})
		})
	}
}

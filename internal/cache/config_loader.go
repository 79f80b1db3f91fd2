package cache

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LoadConfigFromViper loads cache configuration from Viper.
func LoadConfigFromViper() (Config, error) {
	cfg := DefaultConfig()

	if viper.IsSet("cache.dir") && viper.GetString("cache.dir") != "" {
		dir, err := homedir.Expand(viper.GetString("cache.dir"))
		if err != nil {
			return cfg, fmt.Errorf("invalid cache directory: %w", err)
		}
		cfg.Dir = dir
	}
	if viper.IsSet("cache.app_version") {
		cfg.AppVersion = viper.GetInt("cache.app_version")
	}
	if viper.IsSet("cache.debug") {
		cfg.Debug = viper.GetBool("cache.debug")
	}
	if viper.IsSet("cache.compression_level") {
		cfg.CompressionLevel = viper.GetInt("cache.compression_level")
	}

	// Memory settings
	if err := loadSize("cache.memory.max_size", &cfg.Memory.MaxSize); err != nil {
		return cfg, err
	}
	if viper.IsSet("cache.memory.entry_size_ratio") {
		cfg.Memory.EntrySizeRatio = viper.GetFloat64("cache.memory.entry_size_ratio")
	}
	if err := loadPolicy("cache.memory.policy", &cfg.Memory.Policy); err != nil {
		return cfg, err
	}

	// Disk settings
	for prefix, d := range map[string]*DiskConfig{
		"cache.result":   &cfg.Result,
		"cache.download": &cfg.Download,
	} {
		if err := loadSize(prefix+".max_size", &d.MaxSize); err != nil {
			return cfg, err
		}
		if err := loadPolicy(prefix+".policy", &d.Policy); err != nil {
			return cfg, err
		}
	}

	// Validate the loaded configuration
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

func loadSize(key string, dst *ByteSize) error {
	if !viper.IsSet(key) {
		return nil
	}
	size, err := ParseByteSize(viper.GetString(key))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = size
	return nil
}

func loadPolicy(key string, dst *Policy) error {
	if !viper.IsSet(key) {
		return nil
	}
	policy, err := ParsePolicy(viper.GetString(key))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = policy
	return nil
}

// SetDefaults sets default values in Viper for cache configuration.
func SetDefaults() {
	defaults := DefaultConfig()

	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.app_version", defaults.AppVersion)
	viper.SetDefault("cache.debug", defaults.Debug)
	viper.SetDefault("cache.compression_level", defaults.CompressionLevel)

	viper.SetDefault("cache.memory.max_size", defaults.Memory.MaxSize.String())
	viper.SetDefault("cache.memory.entry_size_ratio", defaults.Memory.EntrySizeRatio)
	viper.SetDefault("cache.memory.policy", defaults.Memory.Policy.String())

	viper.SetDefault("cache.result.max_size", defaults.Result.MaxSize.String())
	viper.SetDefault("cache.result.policy", defaults.Result.Policy.String())

	viper.SetDefault("cache.download.max_size", defaults.Download.MaxSize.String())
	viper.SetDefault("cache.download.policy", defaults.Download.Policy.String())
}

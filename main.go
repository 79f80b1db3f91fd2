// Package main provides the entry point for the imgcache CLI application.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dgnsrekt/imgcache/internal/decode"
	"github.com/dgnsrekt/imgcache/internal/source"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	// IMGCACHE_CACHE_MEMORY_MAX_SIZE sets cache.memory.max_size
	envKeyReplacer = strings.NewReplacer(".", "_")

	rootCmd = &cobra.Command{
		Use:   "imgcache",
		Short: "Drive and inspect a two-tier image cache",
		Long: paragraph(
			fmt.Sprintf("\nLoad images through a %s and look inside it.", keyword("memory and disk cache")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readConfigFlag(cmd)
		},
	}
)

// readConfigFlag loads the file named by --config over the default one.
func readConfigFlag(cmd *cobra.Command) error {
	if !cmd.Flags().Changed("config") {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}
	log.Debug("Using configuration file", "path", configFile)
	return nil
}

// loadConfig reads the cache configuration from viper.
func loadConfig() (cache.Config, error) {
	cfg, err := cache.LoadConfigFromViper()
	if err != nil {
		return cfg, fmt.Errorf("unable to load configuration: %w", err)
	}
	return cfg, nil
}

// openManager opens the cache described by the configuration.
func openManager(opts ...cache.Option) (*cache.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]cache.Option{cache.WithLogger(log.Default().WithPrefix("cache"))}, opts...)
	mgr, err := cache.NewManager(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}
	return mgr, nil
}

// newFetcher creates the network and file producer.
func newFetcher() *source.Fetcher {
	return source.NewFetcher(source.Config{
		Timeout:           viper.GetDuration("fetch.timeout"),
		MaxBytes:          int64(fetchMaxBytes()),
		RequestsPerSecond: viper.GetFloat64("fetch.rate"),
		UserAgent:         "imgcache/" + Version,
	}, log.Default().WithPrefix("fetch"))
}

func fetchMaxBytes() cache.ByteSize {
	size, err := cache.ParseByteSize(viper.GetString("fetch.max_size"))
	if err != nil {
		log.Warn("Ignoring invalid fetch.max_size", "err", err)
		return 0
	}
	return size
}

// producers returns the fetcher and decoder used by load, warm and serve.
func producers() (cache.Fetcher, cache.Decoder) {
	return newFetcher().Fetch, decode.Decode
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().String("cache-dir", "", "cache directory (default is the user cache dir)")
	rootCmd.PersistentFlags().Bool("debug", false, "panic on invalid memory values")

	// Config bindings
	_ = viper.BindPFlag("cache.dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("cache.debug", rootCmd.PersistentFlags().Lookup("debug"))

	cache.SetDefaults()
	viper.SetDefault("fetch.timeout", "30s")
	viper.SetDefault("fetch.max_size", "32MiB")
	viper.SetDefault("fetch.rate", 0)

	rootCmd.AddCommand(
		loadCmd, keyCmd, keysCmd, statsCmd,
		rmCmd, clearCmd, trimCmd, warmCmd, serveCmd,
		configCmd, manCmd,
	)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "imgcache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "imgcache")}, dirs...)
	}

	if c := os.Getenv("IMGCACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("imgcache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("imgcache")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "imgcache.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

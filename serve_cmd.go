package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/admin"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr          string
	serveFlushInterval time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve a long-lived cache over HTTP",
		Long: paragraph(fmt.Sprintf("\n%s a cache with an admin API and prometheus metrics. Sizes and policies are reloaded when the config file changes.",
			keyword("Serve"))),
		Example: paragraph("imgcache serve\nimgcache serve --addr :9090 --flush-interval 30s\ncurl 'localhost:8080/load?uri=https://example.com/cat.png&size=64x64'"),
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8080", "listen address")
	serveCmd.Flags().DurationVar(&serveFlushInterval, "flush-interval", time.Minute, "how often journals are flushed, 0 disables")
}

func runServe(cmd *cobra.Command, _ []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := openManager(
		cache.WithMetrics(cache.NewMetrics(reg), reg),
		cache.WithFlushInterval(serveFlushInterval),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Error("Unable to close cache", "err", err)
		}
	}()

	watchConfig(mgr)

	fetch, decode := producers()
	srv := &http.Server{
		Addr: serveAddr,
		Handler: admin.NewRouter(admin.Config{
			Manager:  mgr,
			Fetch:    fetch,
			Decode:   decode,
			Gatherer: reg,
			Logger:   log.Default().WithPrefix("admin"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("Serving cache", "addr", serveAddr, "dir", mgr.Config().Dir)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("unable to shut down server: %w", err)
	}
	return nil
}

// watchConfig applies size and policy changes of the config file to mgr.
func watchConfig(mgr *cache.Manager) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := loadConfig()
		if err != nil {
			log.Error("Ignoring config change", "path", e.Name, "err", err)
			return
		}
		if err := mgr.Reconfigure(cfg); err != nil {
			log.Error("Ignoring config change", "path", e.Name, "err", err)
		}
	})
	viper.WatchConfig()
}

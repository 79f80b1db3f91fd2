package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	warmFlags       requestFlags
	warmFile        string
	warmConcurrency int
	warmFailFast    bool

	warmCmd = &cobra.Command{
		Use:   "warm [URI...]",
		Short: "Load many images into the disk caches",
		Long: paragraph(fmt.Sprintf("\n%s the disk caches with a list of images, read from arguments, a file or stdin (one per line). The same request flags apply to every image.",
			keyword("Fill"))),
		Example: paragraph("imgcache warm a.png b.png\nimgcache warm -f urls.txt --concurrency 8 --rate 5\ncat urls.txt | imgcache warm --size 64x64"),
		RunE:    runWarm,
	}
)

func init() {
	warmFlags.register(warmCmd)
	warmCmd.Flags().StringVarP(&warmFile, "file", "f", "", "file with one URI per line, - for stdin")
	warmCmd.Flags().IntVarP(&warmConcurrency, "concurrency", "j", 4, "number of loads in flight")
	warmCmd.Flags().BoolVar(&warmFailFast, "fail-fast", false, "stop at the first failure")
	warmCmd.Flags().Float64("rate", 0, "network requests per second, 0 disables limiting")
	_ = viper.BindPFlag("fetch.rate", warmCmd.Flags().Lookup("rate"))
}

func runWarm(cmd *cobra.Command, args []string) error {
	uris, err := warmURIs(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if len(uris) == 0 {
		return fmt.Errorf("no URIs given")
	}

	reqs := make([]cache.Request, 0, len(uris))
	for _, uri := range uris {
		req, err := warmFlags.request(uri)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Error("Unable to close cache", "err", err)
		}
	}()

	fetch, decode := producers()
	sum := warmAll(cmd.Context(), mgr, reqs, fetch, decode)

	fmt.Fprintf(cmd.OutOrStdout(), "%s %d loaded (%d from network), %d failed in %s\n",
		keyword("warm:"), sum.loaded.Load(), sum.network.Load(), sum.failed.Load(), sum.elapsed.Round(time.Millisecond))
	if sum.err != nil {
		return sum.err
	}
	if n := sum.failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d loads failed", n, len(reqs))
	}
	return nil
}

type warmSummary struct {
	loaded  atomic.Int64
	network atomic.Int64
	failed  atomic.Int64
	elapsed time.Duration
	err     error
}

// warmAll loads reqs with at most warmConcurrency in flight. Failures are
// logged and counted unless warmFailFast is set.
func warmAll(ctx context.Context, mgr *cache.Manager, reqs []cache.Request, fetch cache.Fetcher, decode cache.Decoder) *warmSummary {
	sum := &warmSummary{}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(warmConcurrency, 1))
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			res, err := mgr.Load(ctx, req, fetch, decode)
			if err != nil {
				sum.failed.Add(1)
				log.Warn("Unable to load", "uri", req.URI, "err", err)
				if warmFailFast {
					return fmt.Errorf("unable to load %s: %w", req.URI, err)
				}
				return nil
			}
			sum.loaded.Add(1)
			if res.Source == cache.SourceNetwork {
				sum.network.Add(1)
			}
			log.Debug("Warmed", "key", res.Key, "source", res.Source)
			return nil
		})
	}
	sum.err = g.Wait()
	sum.elapsed = time.Since(start)
	return sum
}

// warmURIs collects URIs from args and --file, skipping blanks and
// #-comments. Without either it reads stdin when stdin is not a terminal.
func warmURIs(stdin io.Reader, args []string) ([]string, error) {
	uris := append([]string(nil), args...)

	var r io.Reader
	switch {
	case warmFile == "-":
		r = stdin
	case warmFile != "":
		f, err := os.Open(warmFile)
		if err != nil {
			return nil, fmt.Errorf("unable to open %s: %w", warmFile, err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	case len(args) == 0 && !stdinIsTerminal():
		r = stdin
	}
	if r == nil {
		return uris, nil
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read URIs: %w", err)
	}
	return uris, nil
}

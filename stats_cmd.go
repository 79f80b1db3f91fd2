package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dgnsrekt/imgcache/internal/dashboard"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statsFormat   string
	statsWatch    bool
	statsAddr     string
	statsInterval time.Duration

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Long: paragraph(fmt.Sprintf("\n%s size, capacity and hit rates of every cache level. With --addr the numbers come from a running %s.",
			keyword("Show"), keyword("imgcache serve"))),
		Example: paragraph("imgcache stats\nimgcache stats --format json\nimgcache stats --watch --addr localhost:8080"),
		Args:    cobra.NoArgs,
		RunE:    runStats,
	}
)

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "", "output format: table, yaml or json (default table on a terminal, yaml otherwise)")
	statsCmd.Flags().BoolVarP(&statsWatch, "watch", "w", false, "keep refreshing in an interactive view")
	statsCmd.Flags().StringVar(&statsAddr, "addr", "", "read statistics from a server at this address")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", time.Second, "refresh interval for --watch")
}

func runStats(cmd *cobra.Command, _ []string) error {
	stats, closer, err := statsSource()
	if err != nil {
		return err
	}
	defer closer()

	if statsWatch {
		m := dashboard.New("imgcache", stats, statsInterval)
		if _, err := dashboard.NewProgram(m).Run(); err != nil {
			return fmt.Errorf("unable to run dashboard: %w", err)
		}
		return nil
	}

	format := strings.ToLower(statsFormat)
	if format == "" {
		format = "yaml"
		if isTerminal() {
			format = "table"
		}
	}
	return writeStats(cmd.OutOrStdout(), format, stats())
}

// statsSource returns a function reading either a local cache or a server.
func statsSource() (dashboard.StatsFunc, func(), error) {
	if statsAddr != "" {
		return remoteStats(statsAddr), func() {}, nil
	}

	mgr, err := openManager()
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := mgr.Close(); err != nil {
			log.Error("Unable to close cache", "err", err)
		}
	}
	return mgr.Stats, closer, nil
}

// remoteStats polls GET /stats. Failed polls keep the last known numbers.
func remoteStats(addr string) dashboard.StatsFunc {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	url := strings.TrimSuffix(addr, "/") + "/stats"
	client := &http.Client{Timeout: 5 * time.Second}

	var last cache.Stats
	return func() cache.Stats {
		resp, err := client.Get(url) //nolint:noctx
		if err != nil {
			log.Warn("Unable to fetch stats", "url", url, "err", err)
			return last
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			log.Warn("Unable to fetch stats", "url", url, "status", resp.StatusCode)
			return last
		}
		var s cache.Stats
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			log.Warn("Unable to decode stats", "url", url, "err", err)
			return last
		}
		last = s
		return s
	}
}

func writeStats(w io.Writer, format string, s cache.Stats) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(s)
	case "table":
		_, err := fmt.Fprintln(w, dashboard.Render(s, terminalWidth()))
		return err
	default:
		return fmt.Errorf("unknown format %q: use table, yaml or json", format)
	}
}

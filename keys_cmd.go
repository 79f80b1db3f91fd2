package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/admin"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"
	"github.com/spf13/cobra"
)

var (
	keysFilter string
	keysLRU    int

	keysCmd = &cobra.Command{
		Use:       "keys [memory|result|download]",
		Short:     "List the keys held by a cache level",
		Long:      paragraph(fmt.Sprintf("\n%s the keys of one cache level, the result cache by default. A filter is matched fuzzily.", keyword("List"))),
		Example:   paragraph("imgcache keys download\nimgcache keys --filter cat\nimgcache keys result --lru 10"),
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"memory", "result", "download"},
		RunE:      runKeys,
	}
)

func init() {
	keysCmd.Flags().StringVarP(&keysFilter, "filter", "f", "", "fuzzy filter applied to keys")
	keysCmd.Flags().IntVar(&keysLRU, "lru", 0, "show the n least recently used entries with their sizes")
}

func runKeys(cmd *cobra.Command, args []string) error {
	level := cache.CacheLevelResult
	if len(args) == 1 {
		l, err := cache.ParseCacheLevel(args[0])
		if err != nil {
			return err
		}
		level = l
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

	out := cmd.OutOrStdout()
	if keysLRU > 0 {
		width := uint(terminalWidth() - 14) //nolint:gosec
		for _, e := range mgr.Entries(level, keysLRU) {
			fmt.Fprintf(out, "%10s  %s\n", humanize.IBytes(uint64(e.Size)), truncate.StringWithTail(e.Key, width, "…")) //nolint:gosec
		}
		return nil
	}

	keys := mgr.Keys(level)
	if keysFilter != "" {
		keys = admin.MatchKeys(keys, keysFilter)
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

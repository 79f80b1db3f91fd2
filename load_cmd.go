package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	loadFlags requestFlags
	keyFlags  requestFlags
	copyKey   bool

	loadCmd = &cobra.Command{
		Use:   "load URI",
		Short: "Load an image through the cache",
		Long: paragraph(fmt.Sprintf("\n%s an image by URL or path. The memory cache, the result cache and the download cache are consulted in that order; whatever misses is produced and written back.",
			keyword("Load"))),
		Example: paragraph("imgcache load https://example.com/cat.png\nimgcache load ./cat.png --size 200x200 -t circle\nimgcache load cat.png --result-policy read_only"),
		Args:    cobra.ExactArgs(1),
		RunE:    runLoad,
	}

	keyCmd = &cobra.Command{
		Use:     "key URI",
		Short:   "Print the cache keys of a request",
		Example: paragraph("imgcache key https://example.com/cat.png -t blur(3) -p lang=en\nimgcache key cat.png --copy"),
		Args:    cobra.ExactArgs(1),
		RunE:    runKey,
	}
)

func init() {
	loadFlags.register(loadCmd)
	keyFlags.register(keyCmd)
	keyCmd.Flags().BoolVarP(&copyKey, "copy", "c", false, "copy the result key to the clipboard")

	loadCmd.Flags().String("memory-policy", "", "memory cache policy for this load")
	loadCmd.Flags().String("result-policy", "", "result cache policy for this load")
	loadCmd.Flags().String("download-policy", "", "download cache policy for this load")
	_ = viper.BindPFlag("cache.memory.policy", loadCmd.Flags().Lookup("memory-policy"))
	_ = viper.BindPFlag("cache.result.policy", loadCmd.Flags().Lookup("result-policy"))
	_ = viper.BindPFlag("cache.download.policy", loadCmd.Flags().Lookup("download-policy"))
}

func runLoad(cmd *cobra.Command, args []string) error {
	req, err := loadFlags.request(args[0])
	if err != nil {
		return err
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
	start := time.Now()
	res, err := mgr.Load(cmd.Context(), req, fetch, decode)
	if err != nil {
		return fmt.Errorf("unable to load %s: %w", req.URI, err)
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	info := res.Image.Info
	fmt.Fprintf(out, "%s %s\n", keyword("key:   "), res.Key)
	fmt.Fprintf(out, "%s %s %s\n", keyword("source:"), res.Source, faint("("+elapsed.Round(time.Microsecond).String()+")"))
	fmt.Fprintf(out, "%s %s\n", keyword("size:  "), humanize.IBytes(uint64(res.Image.SizeBytes())))
	fmt.Fprintf(out, "%s %dx%d %s\n", keyword("image: "), info.Width, info.Height, info.MimeType)
	if d, ok := res.Image.Payload.(*cache.Drawable); ok {
		fmt.Fprintf(out, "%s %d frames\n", keyword("anim:  "), len(d.Frames))
	}
	return nil
}

func runKey(cmd *cobra.Command, args []string) error {
	req, err := keyFlags.request(args[0])
	if err != nil {
		return err
	}

	key := req.Key()
	out := cmd.OutOrStdout()
	if !isTerminal() {
		fmt.Fprintln(out, key)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", keyword("result:  "), key)
	fmt.Fprintf(out, "%s %s\n", keyword("download:"), req.DownloadKey())

	if copyKey {
		copyToClipboard(key)
		fmt.Fprintln(out, faint("Copied result key to clipboard."))
	}
	return nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/imgcache/internal/cache"
	"github.com/spf13/cobra"
)

var (
	rmFlags  requestFlags
	clearYes bool
	trimAddr string

	rmCmd = &cobra.Command{
		Use:     "rm URI",
		Short:   "Remove a request from every cache level",
		Long:    paragraph(fmt.Sprintf("\n%s the result entry of a request and the download entry of its resource.", keyword("Remove"))),
		Example: paragraph("imgcache rm https://example.com/cat.png --size 200x200"),
		Args:    cobra.ExactArgs(1),
		RunE:    runRemove,
	}

	clearCmd = &cobra.Command{
		Use:     "clear",
		Short:   "Delete every cached entry",
		Example: paragraph("imgcache clear --yes"),
		Args:    cobra.NoArgs,
		RunE:    runClear,
	}

	trimCmd = &cobra.Command{
		Use:   "trim [moderate|complete]",
		Short: "Ask a running server to release memory",
		Long: paragraph(fmt.Sprintf("\n%s the memory cache of a running %s. A moderate trim halves it, a complete trim empties it.",
			keyword("Trim"), keyword("imgcache serve"))),
		Example:   paragraph("imgcache trim\nimgcache trim complete --addr localhost:9090"),
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"moderate", "complete"},
		RunE:      runTrim,
	}
)

func init() {
	rmFlags.register(rmCmd)
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
	trimCmd.Flags().StringVar(&trimAddr, "addr", "localhost:8080", "address of the server")
}

func runRemove(cmd *cobra.Command, args []string) error {
	req, err := rmFlags.request(args[0])
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

	removed, err := mgr.Remove(req)
	if err != nil {
		return fmt.Errorf("unable to remove %s: %w", req.URI, err)
	}
	if !removed {
		return fmt.Errorf("%s: %w", req.Key(), cache.ErrNotFound)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Removed", req.Key())
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !clearYes {
		if !isTerminal() {
			return errors.New("refusing to clear without --yes")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Delete everything under %s? [y/N] ", cfg.Dir)
		var answer string
		_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return nil
		}
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

	if err := mgr.Clear(); err != nil {
		return fmt.Errorf("unable to clear cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cleared", cfg.Dir)
	return nil
}

func runTrim(cmd *cobra.Command, args []string) error {
	level := cache.TrimModerate
	if len(args) == 1 {
		l, err := cache.ParseTrimLevel(args[0])
		if err != nil {
			return err
		}
		level = l
	}

	addr := trimAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	target := strings.TrimSuffix(addr, "/") + "/trim?level=" + url.QueryEscape(level.String())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(target, "", nil) //nolint:noctx
	if err != nil {
		return fmt.Errorf("unable to reach server: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trim failed: HTTP status %d", resp.StatusCode)
	}
	var body struct {
		Evicted int `json:"evicted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d entries\n", body.Evicted)
	return nil
}

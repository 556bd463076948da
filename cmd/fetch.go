package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"pwacache/internal/bootstrap"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
	"pwacache/internal/ttlcache"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch a JSON URL through the TTL cache",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, app *bootstrap.App) error {
		ctx := logging.WithCommand(cmd.Context(), cmd.CommandPath())

		target := cmd.Flags().Arg(0)
		ttl, _ := cmd.Flags().GetDuration("ttl")
		rawParams, _ := cmd.Flags().GetStringToString("param")
		repeat, _ := cmd.Flags().GetInt("repeat")
		showStats, _ := cmd.Flags().GetBool("stats")
		if repeat < 1 {
			repeat = 1
		}

		opts := ttlcache.FetchOptions[json.RawMessage]{TTL: ttl}
		if len(rawParams) > 0 {
			opts.Params = make(map[string]any, len(rawParams))
			for k, v := range rawParams {
				opts.Params[strings.TrimSpace(k)] = v
			}
		}

		// Concurrent calls for the same key share one network call.
		var (
			wg        sync.WaitGroup
			results   = make([]json.RawMessage, repeat)
			fetchErrs = make([]error, repeat)
		)
		for i := 0; i < repeat; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], fetchErrs[i] = app.TTL.FetchWithCache(ctx, target, ttlcache.RequestOptions{Method: http.MethodGet}, opts)
			}(i)
		}
		wg.Wait()

		if err := fetchErrs[0]; err != nil {
			logging.Error(ctx, "fetch failed", slog.String("url", target), slog.Any("err", errs.Loggable(err)))
			return errs.Wrapf(err, "fetch %s", target)
		}
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(results[0])); err != nil {
			return errs.Wrap(err, "write fetch output")
		}
		if showStats {
			return writeOutput(cmd.OutOrStdout(), "json", app.TTL.CacheStats())
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().Duration("ttl", 0, "Entry TTL (defaults to ttl.default_ttl)")
	fetchCmd.Flags().StringToString("param", nil, "Request params, part of the cache key (k=v)")
	fetchCmd.Flags().Int("repeat", 1, "Issue the same call concurrently n times")
	fetchCmd.Flags().Bool("stats", false, "Print TTL cache stats afterwards")
}

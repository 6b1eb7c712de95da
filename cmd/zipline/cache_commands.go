package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zipline/internal/api"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCacheSweepCommand(ctx))
	cacheCmd.AddCommand(newCacheEvictCommand(ctx))
	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache totals and budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.CacheStats(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Stats)
				}
				st := resp.Stats
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Artifacts: %d (%d hot, %d warm, %d expired)\n", st.Entries, st.HotEntries, st.WarmEntries, st.Expired)
				fmt.Fprintf(out, "Size:      %s\n", humanize.IBytes(uint64(st.TotalBytes)))
				budget := "unlimited"
				if st.BudgetBytes > 0 {
					budget = humanize.IBytes(uint64(st.BudgetBytes))
				}
				fmt.Fprintf(out, "Budget:    %s\n", budget)
				fmt.Fprintf(out, "Free:      %s of %s (%.1f%%)\n", humanize.IBytes(st.FreeBytes), humanize.IBytes(st.TotalFSBytes), st.FreeRatio*100)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached artifacts, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.CacheEntries(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Entries)
				}
				if len(resp.Entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty")
					return nil
				}
				rows := make([][]string, 0, len(resp.Entries))
				for _, e := range resp.Entries {
					rows = append(rows, []string{
						e.Fingerprint.Short(),
						e.SourcePath,
						string(e.Tier),
						humanize.IBytes(uint64(e.SizeBytes)),
						strconv.FormatInt(e.HitCount, 10),
						humanize.Time(e.LastAccessedAt),
					})
				}
				headers := []string{"Fingerprint", "Folder", "Tier", "Size", "Hits", "Last used"}
				aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCacheSweepCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the cache janitor now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Result)
				}
				res := resp.Result
				out := cmd.OutOrStdout()
				if res.Skipped {
					fmt.Fprintln(out, "Sweep skipped: another janitor holds the lock")
					return nil
				}
				fmt.Fprintf(out, "Expired %d, missing %d, evicted %d, orphans %d; freed %s\n",
					res.Expired, res.Missing, res.Evicted, res.Orphans, humanize.IBytes(uint64(res.FreedBytes)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCacheEvictCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <fingerprint>",
		Short: "Remove one artifact from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Evict(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if resp.Evicted {
					fmt.Fprintln(cmd.OutOrStdout(), "Evicted")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No cache entry for that fingerprint")
				}
				return nil
			})
		},
	}
}

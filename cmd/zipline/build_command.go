package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"zipline/internal/archive"
	"zipline/internal/config"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
)

func newBuildCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		level   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "build <folder>",
		Short: "Archive a folder locally without the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("level") {
				if cfg, err := ctx.ensureConfig(); err == nil && cfg != nil {
					level = cfg.Builder.CompressionLevel
				}
			}
			dest := strings.TrimSpace(output)
			if dest == "" {
				dest = fingerprint.SafeBaseName(src) + ".zip"
			}
			if dest, err = filepath.Abs(dest); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			live := !jsonOut && isTerminal(out)
			sampler := logging.NewProgressSampler(10)
			onProgress := func(p archive.Progress) {
				if jsonOut {
					return
				}
				if live {
					fmt.Fprintf(out, "\r%-10s %5.1f%%  %s / %s", p.Phase, p.Percent,
						humanize.IBytes(uint64(p.ProcessedBytes)), humanize.IBytes(uint64(p.TotalBytes)))
					return
				}
				if sampler.ShouldLog(p.Percent, string(p.Phase)) {
					fmt.Fprintf(out, "%-10s %5.1f%%\n", p.Phase, p.Percent)
				}
			}

			builder := archive.New(level, logging.NewNop())
			result, err := builder.BuildFile(cmd.Context(), src, dest, onProgress)
			if live {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, struct {
					Output string         `json:"output"`
					Result archive.Result `json:"result"`
				}{dest, result})
			}
			fmt.Fprintf(out, "Wrote %s\n", dest)
			fmt.Fprintf(out, "  %d file(s), %s in, %s out, %s\n", result.Files,
				humanize.IBytes(uint64(result.SourceBytes)), humanize.IBytes(uint64(result.ArchiveBytes)), result.Duration.Round(time.Millisecond))
			if result.Skipped > 0 {
				fmt.Fprintf(out, "  %d file(s) vanished during the build and were skipped\n", result.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination zip (defaults to <folder>.zip in the working directory)")
	cmd.Flags().IntVarP(&level, "level", "l", 1, "Compression level 0-9 (defaults to builder.compression_level)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

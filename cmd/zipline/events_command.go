package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zipline/internal/logging"
	"zipline/internal/progress"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var (
		jobID   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow build events pushed to your Redis channel",
		Long: "Subscribes to the requester's relay channel (broadcast.redis_*) and prints every\n" +
			"build event addressed to it. With --job the command exits once that job ends.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Broadcast.RedisEnabled {
				return errors.New("redis relay is disabled; set broadcast.redis_enabled = true")
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			relay, err := progress.DialRedisRelay(dialCtx, cfg.Broadcast, logging.NewNop())
			cancel()
			if err != nil {
				return err
			}
			defer relay.Close()

			requester := ctx.requester()
			jobID = strings.TrimSpace(jobID)
			out := cmd.OutOrStdout()
			if !jsonOut {
				fmt.Fprintf(out, "Listening on %s\n", relay.Channel(requester))
			}

			var writeErr error
			err = relay.Listen(cmd.Context(), requester, func(evt progress.Event) bool {
				if jobID != "" && evt.JobID != jobID {
					return true
				}
				if jsonOut {
					writeErr = writeJSON(cmd, evt)
				} else {
					printEvent(out, evt)
				}
				if writeErr != nil {
					return false
				}
				return jobID == "" || !evt.Type.Terminal()
			})
			if writeErr != nil {
				return writeErr
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Only show one job and exit when it ends")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output raw JSON events")
	return cmd
}

func printEvent(out io.Writer, evt progress.Event) {
	short := evt.JobID
	if len(short) > 8 {
		short = short[:8]
	}
	stamp := evt.Timestamp.Local().Format(time.TimeOnly)
	switch evt.Type {
	case progress.EventProgress:
		fmt.Fprintf(out, "%s %s %-10s %5.1f%%  %s / %s\n", stamp, short, evt.Phase, evt.Percent,
			humanize.IBytes(uint64(evt.ProcessedBytes)), humanize.IBytes(uint64(evt.TotalBytes)))
	case progress.EventReady:
		fmt.Fprintf(out, "%s %s ready      %s (%s)\n", stamp, short, evt.ArtifactName, humanize.IBytes(uint64(evt.ArtifactBytes)))
	case progress.EventFailed, progress.EventCanceled:
		fmt.Fprintf(out, "%s %s %-10s %s %s\n", stamp, short, evt.Type, evt.Reason, evt.Message)
	default:
		fmt.Fprintf(out, "%s %s %s\n", stamp, short, evt.Type)
	}
}

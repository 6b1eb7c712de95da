package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zipline/internal/api"
	"zipline/internal/delivery"
	"zipline/internal/logging"
	"zipline/internal/progress"
)

const eventPollWait = 30 * time.Second

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var (
		wait    bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <folder>",
		Short: "Request a folder archive; prints a download link or a job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				res := resp.Resolution
				if res.Status == delivery.StatusQueued && wait {
					out := io.Discard
					if !jsonOut {
						out = cmd.OutOrStdout()
						fmt.Fprintf(out, "Queued %s as job %s\n", res.Path, res.JobID)
					}
					if err := followJob(cmd.Context(), client, res.JobID, out); err != nil {
						return err
					}
					link, err := client.URL(cmd.Context(), res.JobID)
					if err != nil {
						return err
					}
					res = link.Resolution
				}
				if jsonOut {
					return writeJSON(cmd, res)
				}
				printResolution(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for a queued build and print its link")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printResolution(out io.Writer, res delivery.Resolution) {
	switch res.Status {
	case delivery.StatusArtifactReady:
		fmt.Fprintf(out, "Ready (%s): %s\n", res.Tier, res.URL)
		fmt.Fprintf(out, "  Artifact: %s (%s)\n", res.ArtifactName, humanize.IBytes(uint64(res.SizeBytes)))
		fmt.Fprintf(out, "  Expires:  %s\n", res.ExpiresAt.Local().Format(time.RFC1123))
	default:
		verb := "Started"
		if res.Attached {
			verb = "Attached to"
		}
		fmt.Fprintf(out, "%s job %s for %s (%s)\n", verb, res.JobID, res.Path, res.State)
		fmt.Fprintf(out, "  Watch with: zipline job watch %s\n", res.JobID)
	}
}

// followJob long-polls a job's events and prints sampled progress until the
// build ends. A failed or canceled build is returned as an error.
func followJob(ctx context.Context, client *api.Client, jobID string, out io.Writer) error {
	sampler := logging.NewProgressSampler(10)
	var since uint64
	for {
		page, err := client.Events(ctx, jobID, since, eventPollWait)
		if err != nil {
			return err
		}
		for _, evt := range page.Events {
			switch evt.Type {
			case progress.EventProgress:
				if sampler.ShouldLog(evt.Percent, evt.Phase) {
					fmt.Fprintf(out, "  %-10s %5.1f%%  %s / %s\n", evt.Phase, evt.Percent,
						humanize.IBytes(uint64(evt.ProcessedBytes)), humanize.IBytes(uint64(evt.TotalBytes)))
				}
			case progress.EventReady:
				fmt.Fprintf(out, "  ready      100.0%%  %s\n", humanize.IBytes(uint64(evt.ArtifactBytes)))
			case progress.EventFailed:
				return fmt.Errorf("job %s failed (%s): %s", jobID, evt.Reason, evt.Message)
			case progress.EventCanceled:
				return fmt.Errorf("job %s was canceled", jobID)
			}
		}
		since = page.Next
		if page.Done {
			return nil
		}
	}
}

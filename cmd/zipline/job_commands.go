package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"zipline/internal/api"
	"zipline/internal/build"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect build jobs",
	}
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobWatchCommand(ctx))
	jobCmd.AddCommand(newJobURLCommand(ctx))
	return jobCmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a build job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Job)
				}
				printJob(cmd, resp.Job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printJob(cmd *cobra.Command, rec build.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %s\n", rec.ID)
	fmt.Fprintf(out, "Folder:     %s\n", rec.SourcePath)
	fmt.Fprintf(out, "State:      %s\n", rec.State)
	if rec.Phase != "" && !rec.State.Terminal() {
		fmt.Fprintf(out, "Phase:      %s\n", rec.Phase)
	}
	fmt.Fprintf(out, "Progress:   %.1f%% (%s of %s)\n", rec.Percent,
		humanize.IBytes(uint64(rec.ProcessedBytes)), humanize.IBytes(uint64(rec.SourceTotalBytes)))
	fmt.Fprintf(out, "Requesters: %s\n", strings.Join(rec.Requesters, ", "))
	fmt.Fprintf(out, "Created:    %s\n", humanize.Time(rec.CreatedAt))
	if !rec.CompletedAt.IsZero() {
		fmt.Fprintf(out, "Completed:  %s\n", humanize.Time(rec.CompletedAt))
	}
	if rec.ArtifactName != "" {
		fmt.Fprintf(out, "Artifact:   %s (%s)\n", rec.ArtifactName, humanize.IBytes(uint64(rec.ArtifactSizeBytes)))
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "Error:      %s (%s)\n", rec.Error, rec.Reason)
	}
}

func newJobWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				return followJob(cmd.Context(), client, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func newJobURLCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "url <job-id>",
		Short: "Issue a download link for a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.URL(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Resolution)
				}
				printResolution(cmd.OutOrStdout(), resp.Resolution)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var (
		path    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Detach from a build; the build stops when nobody is left",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (strings.TrimSpace(path) == "") {
				return errors.New("pass either a job id or --path")
			}
			return ctx.withClient(func(client *api.Client) error {
				var (
					resp api.CancelResponse
					err  error
				)
				if len(args) == 1 {
					resp, err = client.Cancel(cmd.Context(), args[0])
				} else {
					resp, err = client.CancelPath(cmd.Context(), path)
				}
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Result)
				}
				res := resp.Result
				out := cmd.OutOrStdout()
				switch {
				case res.Canceled:
					fmt.Fprintf(out, "Canceled job %s\n", res.JobID)
				case res.Detached:
					fmt.Fprintf(out, "Detached from job %s; %d requester(s) still waiting\n", res.JobID, res.Remaining)
				default:
					fmt.Fprintf(out, "Job %s already %s\n", res.JobID, res.State)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Cancel by folder instead of job id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				health, err := client.Health(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Daemon:        %s (pid %d)\n", health.Status, health.PID)
				if !health.StartedAt.IsZero() {
					fmt.Fprintf(out, "Up since:      %s\n", health.StartedAt.Local().Format(time.DateTime))
				}
				fmt.Fprintf(out, "Active builds: %d\n", health.ActiveBuilds)
				fmt.Fprintf(out, "Cache:         %d artifact(s), %s\n", health.CacheEntries, humanize.IBytes(uint64(health.CacheBytes)))
				fmt.Fprintf(out, "Free space:    %s\n", humanize.IBytes(health.FreeBytes))
				fmt.Fprintf(out, "Redis relay:   %s\n", yesNo(health.RelayEnabled))
				if health.CacheError != "" {
					fmt.Fprintf(out, "Cache error:   %s\n", health.CacheError)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

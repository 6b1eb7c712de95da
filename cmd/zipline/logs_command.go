package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zipline/internal/api"
	"zipline/internal/logging"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		follow    bool
		limit     int
		component string
		jobID     string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				query := api.LogQuery{
					Limit:     limit,
					Tail:      true,
					Component: component,
					JobID:     jobID,
				}
				out := cmd.OutOrStdout()
				for {
					page, err := client.Logs(cmd.Context(), query)
					if err != nil {
						if cmd.Context().Err() != nil {
							return nil
						}
						return err
					}
					for _, evt := range page.Events {
						if jsonOut {
							if err := writeJSON(cmd, evt); err != nil {
								return err
							}
							continue
						}
						printLogEvent(out, evt)
					}
					if !follow {
						return nil
					}
					query.Since = page.Next
					query.Tail = false
					query.Follow = true
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new log lines")
	cmd.Flags().IntVarP(&limit, "lines", "n", 100, "Number of lines to show")
	cmd.Flags().StringVar(&component, "component", "", "Only show one component")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show one job")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output raw JSON events")
	return cmd
}

func printLogEvent(out io.Writer, evt logging.LogEvent) {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format(time.DateTime))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-5s", strings.ToUpper(evt.Level)))
	if evt.Component != "" {
		b.WriteString(" [" + evt.Component + "]")
	}
	b.WriteByte(' ')
	b.WriteString(evt.Message)
	if evt.JobID != "" {
		b.WriteString(" job=" + evt.JobID)
	}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + evt.Fields[k])
	}
	fmt.Fprintln(out, b.String())
}

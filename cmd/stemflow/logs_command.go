package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines     int
		follow    bool
		jobID     string
		component string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				runCtx := cmd.Context()
				if follow {
					var stop context.CancelFunc
					runCtx, stop = signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
					defer stop()
				}
				printer := logPrinter{out: cmd.OutOrStdout(), asJSON: asJSON, colorize: shouldColorize(cmd.OutOrStdout())}

				query := api.LogQuery{Limit: lines, Tail: true, JobID: jobID, Component: component}
				for {
					resp, err := client.Logs(runCtx, query)
					if err != nil {
						if follow && (errors.Is(err, context.Canceled) || runCtx.Err() != nil) {
							return nil
						}
						return err
					}
					if err := printer.print(cmd, resp.Events); err != nil {
						return err
					}
					if !follow {
						return nil
					}
					query = api.LogQuery{Since: resp.Next, Follow: true, JobID: jobID, Component: component}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new lines")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show lines for this job ID")
	cmd.Flags().StringVar(&component, "component", "", "Only show lines from this component")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print log events as JSON lines")
	return cmd
}

type logPrinter struct {
	out      io.Writer
	asJSON   bool
	colorize bool
}

func (p logPrinter) print(cmd *cobra.Command, evts []api.LogEvent) error {
	for _, evt := range evts {
		if p.asJSON {
			if err := writeJSONLine(cmd, evt); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(p.out, formatLogLine(evt, p.colorize))
	}
	return nil
}

func formatLogLine(evt api.LogEvent, colorize bool) string {
	stamp := evt.Timestamp
	if parsed, err := time.Parse(time.RFC3339Nano, evt.Timestamp); err == nil {
		stamp = parsed.Local().Format("2006-01-02 15:04:05")
	}
	level := strings.ToUpper(evt.Level)
	if colorize {
		switch level {
		case "ERROR":
			level = ansiRed + level + ansiReset
		case "WARN":
			level = ansiYellow + level + ansiReset
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", stamp, level)
	if evt.Component != "" {
		fmt.Fprintf(&b, " [%s]", evt.Component)
	}
	b.WriteString(" " + evt.Message)
	if evt.JobID != "" {
		b.WriteString(" job=" + evt.JobID)
	}
	if evt.Phase != "" {
		b.WriteString(" phase=" + evt.Phase)
	}
	keys := make([]string, 0, len(evt.Fields))
	for key := range evt.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%s", key, evt.Fields[key])
	}
	return b.String()
}

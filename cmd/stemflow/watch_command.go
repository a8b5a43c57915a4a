package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/events"
)

var errWatchDone = errors.New("watch complete")

type watchOptions struct {
	untilBatchDone bool
	jobID          string
	asJSON         bool
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var (
		since   uint64
		replay  bool
		opts    watchOptions
		jobFlag string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow batch progress events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.jobID = strings.TrimSpace(jobFlag)
			return ctx.withClient(func(client *api.Client) error {
				from := since
				if !replay && !cmd.Flags().Changed("since") {
					latest, err := client.LatestSequence(cmd.Context())
					if err != nil {
						return err
					}
					from = latest
				}
				return watchEvents(cmd, client, from, opts)
			})
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "Replay events after this sequence")
	cmd.Flags().BoolVar(&replay, "replay", false, "Replay the daemon's event history first")
	cmd.Flags().BoolVar(&opts.untilBatchDone, "until-done", false, "Exit when the batch completes")
	cmd.Flags().StringVar(&jobFlag, "job", "", "Only show events for this job")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print events as JSON lines")
	return cmd
}

func watchEvents(cmd *cobra.Command, client *api.Client, since uint64, opts watchOptions) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	err := client.Watch(cmd.Context(), since, func(evt events.Event) error {
		if opts.jobID == "" || evt.JobID == "" || strings.HasPrefix(evt.JobID, opts.jobID) {
			if opts.asJSON {
				if err := writeJSONLine(cmd, evt); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, formatEvent(evt, colorize))
			}
		}
		if opts.untilBatchDone && evt.Kind == events.KindBatchCompleted {
			return errWatchDone
		}
		return nil
	})
	if errors.Is(err, errWatchDone) {
		return nil
	}
	return err
}

func formatEvent(evt events.Event, colorize bool) string {
	stamp := evt.Timestamp.Local().Format("15:04:05")
	p := evt.Payload
	var kind statusKind
	var text string
	switch evt.Kind {
	case events.KindBatchStarted:
		total := 0
		if p.Summary != nil {
			total = p.Summary.TotalSubmitted
		}
		kind, text = statusInfo, fmt.Sprintf("batch %s started with %d job(s)", shortID(evt.BatchID), total)
	case events.KindJobStarted:
		kind, text = statusInfo, fmt.Sprintf("%s started", p.Label)
	case events.KindJobProgress:
		kind, text = statusInfo, fmt.Sprintf("%s %s %s", p.Label, p.Phase, p.State)
		if p.State == events.StateSkipped {
			kind = statusWarn
		}
	case events.KindJobCompleted:
		kind, text = statusOK, fmt.Sprintf("%s completed", p.Label)
		if p.State == events.StateInterrupted {
			kind, text = statusWarn, fmt.Sprintf("%s interrupted between phases", p.Label)
		}
	case events.KindJobFailed:
		kind = statusError
		text = fmt.Sprintf("%s %s", p.Label, strings.ToLower(p.Status))
		if p.Phase != "" {
			text += " in " + p.Phase
		}
		if p.Error != "" {
			text += ": " + p.Error
		}
	case events.KindBatchCompleted:
		kind, text = statusOK, fmt.Sprintf("batch %s completed", shortID(evt.BatchID))
		if s := p.Summary; s != nil {
			text += fmt.Sprintf(": %d succeeded, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)
			if s.Failed > 0 {
				kind = statusWarn
			}
		}
	default:
		kind, text = statusInfo, string(evt.Kind)
	}
	return renderStatusLine(fmt.Sprintf("%s #%d", stamp, evt.Sequence), kind, text, colorize)
}

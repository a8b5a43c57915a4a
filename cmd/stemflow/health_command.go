package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report daemon, collaborator, and storage readiness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				health, err := client.Health(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				for _, line := range renderHealth(*health, shouldColorize(out)) {
					fmt.Fprintln(out, line)
				}
				if !health.Ready {
					return fmt.Errorf("daemon is not ready")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderHealth(h api.HealthResponse, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	overall := statusOK
	if !h.Ready {
		overall = statusError
	}
	lines = append(lines,
		renderStatusLine("Ready", overall, yesNo(h.Ready), colorize),
		renderStatusLine("PID", statusInfo, strconv.Itoa(h.PID), colorize),
	)
	batch := "idle"
	if h.Batch.Active {
		batch = "running " + h.Batch.BatchID
	}
	lines = append(lines,
		renderStatusLine("Batch", statusInfo, batch, colorize),
		renderStatusLine("Queued", statusInfo, strconv.Itoa(h.Batch.QueueSize), colorize),
	)

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Collaborators", colorize)...)
	for _, collab := range h.Collaborators {
		kind := statusOK
		if !collab.Ready {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(titleWord(collab.Name), kind, collab.Detail, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Storage", colorize)...)
	dbKind, dbText := statusOK, fmt.Sprintf("%d jobs, %d batches (schema v%d)", h.Database.TotalJobs, h.Database.TotalBatches, h.Database.SchemaVersion)
	if !h.Database.Readable || h.Database.Error != "" {
		dbKind, dbText = statusError, h.Database.Error
	}
	lines = append(lines, renderStatusLine("Database", dbKind, dbText, colorize))
	if h.Disk.Error != "" {
		lines = append(lines, renderStatusLine("Disk", statusError, h.Disk.Error, colorize))
	} else {
		diskKind := statusOK
		if h.Disk.TotalBytes > 0 && h.Disk.FreeBytes*20 < h.Disk.TotalBytes {
			diskKind = statusWarn
		}
		lines = append(lines, renderStatusLine("Disk", diskKind,
			fmt.Sprintf("%s free of %s", formatBytes(h.Disk.FreeBytes), formatBytes(h.Disk.TotalBytes)), colorize))
	}

	if len(h.Sinks) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Event sinks", colorize)...)
		for _, sink := range h.Sinks {
			kind, text := statusOK, fmt.Sprintf("%d delivered", sink.Delivered)
			if sink.Failed > 0 {
				kind = statusWarn
				text += fmt.Sprintf(", %d failed", sink.Failed)
				if sink.LastError != "" {
					text += " (" + sink.LastError + ")"
				}
			}
			lines = append(lines, renderStatusLine(titleWord(sink.Name), kind, text, colorize))
		}
	}
	return lines
}

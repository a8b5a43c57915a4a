package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
	"stemflow/internal/stage"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		history  bool
		limit    int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"ls"},
		Short:   "List jobs in the current session or job history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				jobs, err := client.ListJobs(cmd.Context(), api.JobQuery{History: history, Limit: limit, Statuses: statuses})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, jobs)
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprintln(out, renderJobTable(jobs, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show jobs with these statuses")
	cmd.Flags().BoolVar(&history, "history", false, "Read persisted history instead of the daemon session")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum history rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderJobTable(jobs []api.Job, colorize bool) string {
	total := len(stage.Phases())
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			shortID(job.ID),
			job.Label,
			colorStatus(job.Status, colorize),
			fmt.Sprintf("%d/%d", len(job.Phases), total),
			shortID(job.BatchID),
			formatTimestamp(job.SubmittedAt),
		})
	}
	return renderTable([]tableColumn{
		col("ID"), col("Label"), col("Status"), numCol("Phases"), col("Batch"), col("Submitted"),
	}, rows)
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.GetJob(cmd.Context(), strings.TrimSpace(args[0]))
				if api.IsStatus(err, http.StatusNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				out := cmd.OutOrStdout()
				for _, line := range renderJobDetail(*job, shouldColorize(out)) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderJobDetail(job api.Job, colorize bool) []string {
	lines := renderSectionHeader(job.Label, colorize)
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value))
		}
	}
	add("ID", job.ID)
	add("Status", colorStatus(job.Status, colorize))
	add("Source", job.SourcePath)
	add("Output", job.OutputDirectory)
	add("Batch", job.BatchID)
	if job.FileSize > 0 {
		add("Size", formatBytes(uint64(job.FileSize)))
	}
	add("Submitted", formatTimestamp(job.SubmittedAt))
	add("Started", formatTimestamp(job.StartedAt))
	add("Completed", formatTimestamp(job.CompletedAt))
	add("Cancelled", job.CancelReason)

	done := make(map[string]bool, len(job.Phases))
	for _, phase := range job.Phases {
		done[phase] = true
	}
	lines = append(lines, "", statusIndent+"Phases:")
	for _, phase := range stage.Phases() {
		kind, note := statusInfo, "pending"
		switch {
		case done[phase.String()]:
			kind, note = statusOK, "done"
		case job.Error != nil && strings.EqualFold(job.Error.Phase, phase.String()):
			kind, note = statusError, job.Error.Message
		}
		lines = append(lines, statusIndent+renderStatusLine(phase.String(), kind, note, colorize))
	}
	if job.Error != nil && job.Error.Kind != "" {
		lines = append(lines, "", fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Error kind:", titleWord(job.Error.Kind)))
	}

	if len(job.Metadata) > 0 {
		lines = append(lines, "", statusIndent+"Metadata:")
		keys := make([]string, 0, len(job.Metadata))
		for key := range job.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("%s%s%s = %s", statusIndent, statusIndent, key, job.Metadata[key]))
		}
	}
	return lines
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <job-id>...",
		Aliases: []string{"rm"},
		Short:   "Remove queued jobs before they run",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				out := cmd.OutOrStdout()
				var errs []error
				for _, id := range args {
					job, err := client.RemoveJob(cmd.Context(), strings.TrimSpace(id))
					switch {
					case err == nil:
						fmt.Fprintf(out, "Removed %s (%s)\n", job.ID, job.Label)
					case api.IsStatus(err, http.StatusNotFound):
						errs = append(errs, fmt.Errorf("job %s not found", id))
					case api.IsStatus(err, http.StatusConflict):
						errs = append(errs, fmt.Errorf("job %s is no longer queued", id))
					default:
						errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTimestamp(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return value
	}
	return parsed.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newBatchCommand(ctx *commandContext) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Control batch processing",
	}
	batchCmd.AddCommand(newBatchStartCommand(ctx))
	batchCmd.AddCommand(newBatchStopCommand(ctx))
	batchCmd.AddCommand(newBatchStatusCommand(ctx))
	batchCmd.AddCommand(newBatchHistoryCommand(ctx))
	return batchCmd
}

func newBatchStartCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Process every queued job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				out := cmd.OutOrStdout()
				// Watch from the current sequence so no event of this batch is missed.
				var since uint64
				if watch {
					latest, err := client.LatestSequence(cmd.Context())
					if err != nil {
						return err
					}
					since = latest
				}
				run, err := client.StartBatch(cmd.Context())
				switch {
				case api.IsStatus(err, http.StatusConflict):
					return fmt.Errorf("a batch is already running")
				case api.IsStatus(err, http.StatusBadRequest):
					return fmt.Errorf("nothing to process: the queue is empty")
				case err != nil:
					return err
				}
				fmt.Fprintf(out, "Batch %s started\n", run.BatchID)
				if !watch {
					return nil
				}
				return watchEvents(cmd, client, since, watchOptions{untilBatchDone: true})
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the batch completes")
	return cmd
}

func newBatchStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active batch; queued jobs are cancelled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.StopBatch(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !resp.Stopping {
					fmt.Fprintln(out, "No batch is running")
					return nil
				}
				fmt.Fprintf(out, "Stopping batch %s\n", resp.BatchID)
				return nil
			})
		},
	}
}

func newBatchStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.BatchStatus(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				if status.Active {
					fmt.Fprintln(out, renderStatusLine("Batch", statusOK, "running "+status.BatchID, colorize))
					current := status.CurrentJobID
					if current == "" {
						current = "between jobs"
					}
					fmt.Fprintln(out, renderStatusLine("Current job", statusInfo, current, colorize))
				} else {
					fmt.Fprintln(out, renderStatusLine("Batch", statusInfo, "idle", colorize))
				}
				fmt.Fprintln(out, renderStatusLine("Queued", statusInfo, strconv.Itoa(status.QueueSize), colorize))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newBatchHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				batches, err := client.ListBatches(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, batches)
				}
				out := cmd.OutOrStdout()
				if len(batches) == 0 {
					fmt.Fprintln(out, "No batches recorded")
					return nil
				}
				fmt.Fprintln(out, renderBatchTable(batches))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum batches to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderBatchTable(batches []api.Batch) string {
	rows := make([][]string, 0, len(batches))
	for _, batch := range batches {
		state := "done"
		if batch.Active {
			state = "active"
		} else if batch.Error != "" {
			state = "error"
		}
		rows = append(rows, []string{
			shortID(batch.ID),
			formatTimestamp(batch.StartedAt),
			state,
			strconv.Itoa(batch.TotalSubmitted),
			strconv.Itoa(batch.Succeeded),
			strconv.Itoa(batch.Failed),
			strconv.Itoa(batch.Skipped),
			strconv.Itoa(batch.Interrupted),
		})
	}
	return renderTable([]tableColumn{
		col("Batch"), col("Started"), col("State"),
		numCol("Total"), numCol("OK"), numCol("Failed"), numCol("Skipped"), numCol("Interrupted"),
	}, rows)
}

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"stemflow/internal/api"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.TestNotification(cmd.Context())
				if api.IsStatus(err, http.StatusBadGateway) {
					return fmt.Errorf("%w; check notifications.ntfy_topic and that the daemon can reach ntfy.sh", err)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				if resp.Sent {
					fmt.Fprintln(out, renderStatusLine("Notification", statusOK, resp.Message, colorize))
				} else {
					fmt.Fprintln(out, renderStatusLine("Notification", statusWarn, resp.Message, colorize))
				}
				return nil
			})
		},
	}
}

package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/event"
)

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit [event-type]",
	Short: "Emit an event (operator only)",
	Long: `Emit an event on behalf of a collaborator. The payload is validated
against the registered schema for the type, if any.

Example:
  agentctl --token $TOKEN emit task.created --payload '{"id":"t1","owner":"alice"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")
		payload, err := parseJSONArg(payloadStr)
		if err != nil {
			return err
		}
		var resp struct {
			ID    string `json:"id"`
			Event string `json:"event"`
		}
		body := map[string]any{"event": args[0], "payload": payload}
		if err := apiRequest(cmd.Context(), "POST", "/v1/events", body, &resp); err != nil {
			return fmt.Errorf("failed to emit event: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Emitted %s: %s\n", resp.Event, resp.ID)
		return nil
	},
}

// activityCmd represents the activity command
var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent activity, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if ev, _ := cmd.Flags().GetString("event"); ev != "" {
			q.Set("event", ev)
		}
		path := "/v1/activity"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp struct {
			Events []event.Event `json:"events"`
		}
		if err := apiRequest(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return fmt.Errorf("failed to get activity: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		for _, ev := range resp.Events {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-22s %s\n", ev.Timestamp.Local().Format(timeLayout), ev.Type, string(ev.Payload))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(emitCmd, activityCmd)
	emitCmd.Flags().String("payload", "", "event payload as JSON")
	activityCmd.Flags().Int("limit", 20, "maximum events to show")
	activityCmd.Flags().String("event", "", "only show this event type")
}

package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/subscription"
)

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks", "sub"},
	Short:   "Manage webhook subscriptions",
	Long:    `Subscribe callback URLs to event types, inspect delivery history and send test deliveries.`,
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [url] [event-type...]",
	Short: "Subscribe a callback URL to event types",
	Long: `Create a subscription, or replace the event set of your existing
subscription for the same URL. The secret is only shown on creation.

Example:
  agentctl webhook subscribe https://me.example/hook task.created task.updated
  agentctl webhook subscribe https://me.example/hook '*'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		var sub subscription.Subscription
		body := map[string]any{"url": args[0], "events": args[1:], "owner": owner}
		if err := apiRequest(cmd.Context(), "POST", "/v1/webhooks", body, &sub); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, sub)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Subscription: %s\n", sub.ID)
		fmt.Fprintf(out, "  Owner: %s\n", sub.Owner)
		fmt.Fprintf(out, "  URL: %s\n", sub.URL)
		fmt.Fprintf(out, "  Events: %v\n", sub.Events)
		if sub.Secret != "" {
			fmt.Fprintf(out, "  Secret: %s\n", sub.Secret)
			fmt.Fprintln(out, "  (store the secret now; it is not shown again)")
		}
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/webhooks"
		if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
			path += "?owner=" + url.QueryEscape(owner)
		}
		var resp struct {
			Subscriptions []subscription.Subscription `json:"subscriptions"`
		}
		if err := apiRequest(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		if len(resp.Subscriptions) == 0 {
			fmt.Fprintln(out, "No subscriptions")
			return nil
		}
		for _, s := range resp.Subscriptions {
			fmt.Fprintf(out, "%s  %-16s %-40s %v  delivered=%d failed=%d\n",
				s.ID, s.Owner, s.URL, s.Events, s.Delivered, s.Failed)
		}
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show a subscription with its counters and pending retries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			subscription.Subscription
			PendingRetries []delivery.PendingRetry `json:"pendingRetries"`
		}
		if err := apiRequest(cmd.Context(), "GET", "/v1/webhooks/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Subscription: %s\n", resp.ID)
		fmt.Fprintf(out, "  Owner: %s\n", resp.Owner)
		fmt.Fprintf(out, "  URL: %s\n", resp.URL)
		fmt.Fprintf(out, "  Events: %v\n", resp.Events)
		fmt.Fprintf(out, "  Delivered: %d (last %s)\n", resp.Delivered, formatTime(resp.LastDeliveryAt))
		fmt.Fprintf(out, "  Failed: %d (last %s)\n", resp.Failed, formatTime(resp.LastFailureAt))
		for _, p := range resp.PendingRetries {
			fmt.Fprintf(out, "  Pending: %s attempt %d at %s\n", p.EventType, p.Attempt, formatTime(&p.FireAt))
		}
		return nil
	},
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:     "delete [subscription-id]",
	Aliases: []string{"unsubscribe"},
	Short:   "Delete a subscription and cancel its pending retries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), "DELETE", "/v1/webhooks/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription %s\n", args[0])
		return nil
	},
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [subscription-id]",
	Short: "Show recent delivery attempts, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/webhooks/" + url.PathEscape(args[0]) + "/deliveries"
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		var resp struct {
			Deliveries []subscription.Attempt `json:"deliveries"`
		}
		if err := apiRequest(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return fmt.Errorf("failed to get deliveries: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No delivery attempts")
			return nil
		}
		for _, a := range resp.Deliveries {
			printAttempt(cmd, a)
		}
		return nil
	},
}

var testDeliveryCmd = &cobra.Command{
	Use:   "test [subscription-id]",
	Short: "Send a webhook.test delivery to a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var a subscription.Attempt
		if err := apiRequest(cmd.Context(), "POST", "/v1/webhooks/"+url.PathEscape(args[0])+"/test", nil, &a); err != nil {
			return fmt.Errorf("failed to send test delivery: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, a)
		}
		printAttempt(cmd, a)
		return nil
	},
}

var eventTypesCmd = &cobra.Command{
	Use:   "events",
	Short: "List known event types",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Events []struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			} `json:"events"`
		}
		if err := apiRequest(cmd.Context(), "GET", "/v1/webhooks/events", nil, &resp); err != nil {
			return fmt.Errorf("failed to list event types: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		for _, e := range resp.Events {
			fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", e.Type, e.Description)
		}
		return nil
	},
}

func printAttempt(cmd *cobra.Command, a subscription.Attempt) {
	out := cmd.OutOrStdout()
	status := "FAILED"
	if a.Delivered {
		status = "DELIVERED"
	}
	fmt.Fprintf(out, "%s  %-9s attempt=%d event=%s", a.Timestamp.Local().Format(timeLayout), status, a.Attempt, a.Event)
	if a.HTTPStatus > 0 {
		fmt.Fprintf(out, " http=%d", a.HTTPStatus)
	}
	if a.Reason != "" {
		fmt.Fprintf(out, " reason=%s", a.Reason)
	}
	fmt.Fprintf(out, " %dms\n", a.DurationMS)
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(subscribeCmd, listSubscriptionsCmd, getSubscriptionCmd,
		deleteSubscriptionCmd, deliveriesCmd, testDeliveryCmd, eventTypesCmd)

	subscribeCmd.Flags().String("owner", "", "owner handle (operator only; agents always own what they create)")
	listSubscriptionsCmd.Flags().String("owner", "", "only list subscriptions of this owner")
	deliveriesCmd.Flags().Int("limit", 0, "maximum attempts to show")
}

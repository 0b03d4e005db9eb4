package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSubscriptionCommand constructs the `subscription` command group.
func NewSubscriptionCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "subscription", Short: "Subscription operations"}
	cmd.AddCommand(
		newSubscriptionSubscribeCommand(baseURL),
		newSubscriptionAckCommand(baseURL),
		newSubscriptionUnsubscribeCommand(baseURL),
		newSubscriptionDeleteCommand(baseURL),
	)
	return cmd
}

func newSubscriptionSubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to a stream and print delivered events as they arrive",
		Long: `subscribe connects over Server-Sent Events and streams events until the
command is interrupted (Ctrl-C) or --limit events have been printed. The
first line printed is the endpoint id assigned to this connection, which
ack/unsubscribe calls from another terminal can target.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			name, _ := cmd.Flags().GetString("name")
			startFrom, _ := cmd.Flags().GetString("start-from")
			selector, _ := cmd.Flags().GetString("selector")
			mapper, _ := cmd.Flags().GetString("mapper")
			partitionBy, _ := cmd.Flags().GetString("partition-by")
			bufferSize, _ := cmd.Flags().GetInt("buffer-size")
			maxSize, _ := cmd.Flags().GetInt("max-size")
			limit, _ := cmd.Flags().GetInt("limit")

			url := fmt.Sprintf(
				"%s/v1/subscriptions/subscribe?stream_id=%s&subscription_name=%s&start_from=%s&selector=%s&mapper=%s&partition_by=%s&buffer_size=%d&max_size=%d",
				baseURL(), streamID, name, startFrom, selector, mapper, partitionBy, bufferSize, maxSize,
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			count := 0
			err := streamSSE(cmd.Context(), url,
				func(meta map[string]string) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "endpoint_id:", meta["endpoint_id"])
				},
				func(line []byte) error {
					var v any
					if err := json.Unmarshal(line, &v); err != nil {
						return err
					}
					_ = enc.Encode(v)
					count++
					if limit > 0 && count >= limit {
						return errLimitReached
					}
					return nil
				},
			)
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id (or $all)")
	cmd.Flags().String("name", "", "Subscription name")
	cmd.Flags().String("start-from", "origin", "origin|current|<event_number>")
	cmd.Flags().String("selector", "", "CEL selector expression")
	cmd.Flags().String("mapper", "", "CEL mapper expression")
	cmd.Flags().String("partition-by", "", "CEL partition_by expression")
	cmd.Flags().Int("buffer-size", 1, "Max in-flight events for this endpoint")
	cmd.Flags().Int("max-size", 1000, "Max queued events for the whole subscription")
	cmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	return cmd
}

// errLimitReached unwinds streamSSE's scan loop once --limit is hit; it is
// not reported to the user as a failure.
var errLimitReached = fmt.Errorf("limit reached")

func newSubscriptionAckCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge delivery up to an event number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			name, _ := cmd.Flags().GetString("name")
			endpointID, _ := cmd.Flags().GetString("endpoint-id")
			eventNumber, _ := cmd.Flags().GetInt64("event-number")
			body := map[string]any{
				"stream_id": streamID, "subscription_name": name,
				"endpoint_id": endpointID, "event_number": eventNumber,
			}
			return postJSON(cmd.Context(), baseURL(), "/v1/subscriptions/ack", body, nil)
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	cmd.Flags().String("name", "", "Subscription name")
	cmd.Flags().String("endpoint-id", "", "Endpoint id printed by subscribe")
	cmd.Flags().Int64("event-number", 0, "Acknowledge up to and including this event number")
	return cmd
}

func newSubscriptionUnsubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Disconnect one endpoint, leaving the durable watermark intact",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			name, _ := cmd.Flags().GetString("name")
			endpointID, _ := cmd.Flags().GetString("endpoint-id")
			body := map[string]any{"stream_id": streamID, "subscription_name": name, "endpoint_id": endpointID}
			return postJSON(cmd.Context(), baseURL(), "/v1/subscriptions/unsubscribe", body, nil)
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	cmd.Flags().String("name", "", "Subscription name")
	cmd.Flags().String("endpoint-id", "", "Endpoint id printed by subscribe")
	return cmd
}

func newSubscriptionDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Permanently delete a subscription and its watermark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			name, _ := cmd.Flags().GetString("name")
			body := map[string]any{"stream_id": streamID, "subscription_name": name}
			return postJSON(cmd.Context(), baseURL(), "/v1/subscriptions/delete", body, nil)
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	cmd.Flags().String("name", "", "Subscription name")
	return cmd
}

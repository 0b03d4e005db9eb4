package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStreamCommand constructs the `stream` command group and subcommands.
func NewStreamCommand(baseURL BaseURLFunc) *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}
	streamCmd.AddCommand(
		newStreamCreateCommand(baseURL),
		newStreamAppendCommand(baseURL),
		newStreamReadCommand(baseURL),
	)
	return streamCmd
}

func newStreamCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			if streamID == "" {
				return fmt.Errorf("--stream-id is required")
			}
			return postJSON(cmd.Context(), baseURL(), "/v1/streams/create", map[string]string{"stream_id": streamID}, nil)
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	return cmd
}

func newStreamAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one event to a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			eventType, _ := cmd.Flags().GetString("event-type")
			data, _ := cmd.Flags().GetString("data")
			expectedVersion, _ := cmd.Flags().GetInt64("expected-version")
			if streamID == "" || eventType == "" {
				return fmt.Errorf("--stream-id and --event-type are required")
			}
			body := map[string]any{
				"stream_id":        streamID,
				"expected_version": expectedVersion,
				"events": []map[string]any{
					{"event_type": eventType, "data": []byte(data)},
				},
			}
			var resp struct {
				NextVersion int64 `json:"next_version"`
			}
			if err := postJSON(cmd.Context(), baseURL(), "/v1/streams/append", body, &resp); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "next_version:", resp.NextVersion)
			return nil
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	cmd.Flags().String("event-type", "", "Event type")
	cmd.Flags().String("data", "", "Event payload")
	cmd.Flags().Int64("expected-version", -1, "Expected current stream version (-1 = no check)")
	return cmd
}

func newStreamReadCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a stream forward from a version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			streamID, _ := cmd.Flags().GetString("stream-id")
			fromVersion, _ := cmd.Flags().GetInt64("from-version")
			maxCount, _ := cmd.Flags().GetInt("max-count")
			url := fmt.Sprintf("%s/v1/streams/read?stream_id=%s&from_version=%d&max_count=%d", baseURL(), streamID, fromVersion, maxCount)
			var out struct {
				Events []map[string]any `json:"events"`
			}
			if err := getJSON(cmd.Context(), url, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("stream-id", "", "Stream id")
	cmd.Flags().Int64("from-version", 0, "Read events after this stream_version")
	cmd.Flags().Int("max-count", 100, "Max events to return")
	return cmd
}

package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the eventstore client.
// It registers the stream and subscription command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "eventstore",
		Short: "eventstore client commands",
	}
	root.AddCommand(NewStreamCommand(baseURL))
	root.AddCommand(NewSubscriptionCommand(baseURL))
	return root
}

package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the Calder client.
// It registers the queue, topic, and endpoint command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "calder",
		Short: "Calder client commands",
	}
	root.AddCommand(NewQueueCommand(baseURL))
	root.AddCommand(NewTopicCommand(baseURL))
	root.AddCommand(NewEndpointCommand(baseURL))
	return root
}

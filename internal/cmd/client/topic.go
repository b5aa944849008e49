package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// NewTopicCommand constructs the `topic` command group and subcommands.
func NewTopicCommand(baseURL BaseURLFunc) *cobra.Command {
	topicCmd := &cobra.Command{Use: "topic", Short: "Topic and subscription operations"}

	topicCmd.AddCommand(
		newTopicListCommand(baseURL),
		newTopicCreateCommand(baseURL),
		newTopicDeleteCommand(baseURL),
		newTopicPublishCommand(baseURL),
		newSubscriptionCreateCommand(baseURL),
		newSubscriptionReceiveCommand(baseURL),
	)

	return topicCmd
}

func newTopicListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			var out struct {
				Topics []string `json:"topics"`
			}
			if err := getJSON(baseURL, "/v1/topics", url.Values{"namespace": {ns}}, &out); err != nil {
				return err
			}
			for _, name := range out.Topics {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	listCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	return listCmd
}

func newTopicCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			parts, _ := cmd.Flags().GetInt("partitions")
			retentionMs, _ := cmd.Flags().GetInt64("retention-ms")
			body := map[string]any{
				"namespace":      ns,
				"topic":          name,
				"partitions":     parts,
				"retentionAgeMs": retentionMs,
			}
			if err := postJSON(baseURL, "/v1/topics/create", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	createCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	createCmd.Flags().String("name", "", "Topic name")
	createCmd.Flags().Int("partitions", 0, "Partitions override")
	createCmd.Flags().Int64("retention-ms", 0, "Retention age in ms (0 = keep forever)")
	return createCmd
}

func newTopicDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			body := map[string]string{"namespace": ns, "topic": name}
			if err := postJSON(baseURL, "/v1/topics/delete", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	deleteCmd.Flags().String("name", "", "Topic name")
	return deleteCmd
}

func newTopicPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			payload, _ := cmd.Flags().GetString("payload")
			subject, _ := cmd.Flags().GetString("subject")
			key, _ := cmd.Flags().GetString("partition-key")
			idemKey, _ := cmd.Flags().GetString("idempotency-key")
			props, _ := cmd.Flags().GetStringToString("property")
			body := map[string]any{
				"namespace":      ns,
				"topic":          name,
				"payload":        []byte(payload),
				"subject":        subject,
				"partitionKey":   key,
				"idempotencyKey": idemKey,
				"properties":     props,
			}
			var out map[string]any
			if err := postJSON(baseURL, "/v1/topics/publish", body, &out); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	publishCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	publishCmd.Flags().String("name", "", "Topic name")
	publishCmd.Flags().String("payload", "", "Record payload")
	publishCmd.Flags().String("subject", "", "Subject")
	publishCmd.Flags().String("partition-key", "", "Partition key")
	publishCmd.Flags().String("idempotency-key", "", "Idempotency key")
	publishCmd.Flags().StringToString("property", nil, "Record property (repeatable, key=value)")
	return publishCmd
}

func newSubscriptionCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	subCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Create a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			sub, _ := cmd.Flags().GetString("subscription")
			filter, _ := cmd.Flags().GetString("filter")
			maxDelivery, _ := cmd.Flags().GetInt("max-delivery-count")
			body := map[string]any{
				"namespace":        ns,
				"topic":            name,
				"subscription":     sub,
				"filter":           filter,
				"maxDeliveryCount": maxDelivery,
			}
			if err := postJSON(baseURL, "/v1/subscriptions/create", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	subCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	subCmd.Flags().String("name", "", "Topic name")
	subCmd.Flags().String("subscription", "", "Subscription name")
	subCmd.Flags().String("filter", "", "CEL filter (server-side)")
	subCmd.Flags().Int("max-delivery-count", 0, "Max delivery attempts before dead-lettering")
	return subCmd
}

func newSubscriptionReceiveCommand(baseURL BaseURLFunc) *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive one record through a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			sub, _ := cmd.Flags().GetString("subscription")
			owner, _ := cmd.Flags().GetString("owner")
			waitMs, _ := cmd.Flags().GetInt64("wait-ms")
			complete, _ := cmd.Flags().GetBool("complete")

			body := map[string]any{
				"namespace":    ns,
				"topic":        name,
				"subscription": sub,
				"owner":        owner,
				"waitMs":       waitMs,
			}
			var msg json.RawMessage
			err := postJSON(baseURL, "/v1/subscriptions/receive", body, &msg)
			if errors.Is(err, errNoContent) {
				fmt.Fprintln(cmd.OutOrStdout(), "no messages")
				return nil
			}
			if err != nil {
				return err
			}

			var view struct {
				Payload []byte `json:"payload"`
			}
			_ = json.Unmarshal(msg, &view)
			out := decodedPayload(view.Payload)
			out["message"] = msg
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
				return err
			}

			if complete {
				settle := map[string]any{
					"namespace":    ns,
					"topic":        name,
					"subscription": sub,
					"message":      msg,
				}
				return postJSON(baseURL, "/v1/subscriptions/complete", settle, nil)
			}
			return nil
		},
	}
	receiveCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	receiveCmd.Flags().String("name", "", "Topic name")
	receiveCmd.Flags().String("subscription", "", "Subscription name")
	receiveCmd.Flags().String("owner", "cli", "Lock owner id")
	receiveCmd.Flags().Int64("wait-ms", 0, "Long-poll wait in ms")
	receiveCmd.Flags().Bool("complete", false, "Complete the record after printing")
	return receiveCmd
}

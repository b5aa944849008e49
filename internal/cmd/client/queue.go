package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group and subcommands.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}

	queueCmd.AddCommand(
		newQueueListCommand(baseURL),
		newQueueCreateCommand(baseURL),
		newQueueDeleteCommand(baseURL),
		newQueueSendCommand(baseURL),
		newQueueReceiveCommand(baseURL),
		newQueueStatsCommand(baseURL),
		newQueueDlqCommand(baseURL),
	)

	return queueCmd
}

func newQueueListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			var out struct {
				Queues []string `json:"queues"`
			}
			if err := getJSON(baseURL, "/v1/queues", url.Values{"namespace": {ns}}, &out); err != nil {
				return err
			}
			for _, name := range out.Queues {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	listCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	return listCmd
}

func newQueueCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			parts, _ := cmd.Flags().GetInt("partitions")
			maxDelivery, _ := cmd.Flags().GetInt("max-delivery-count")
			lockMs, _ := cmd.Flags().GetInt64("lock-ms")
			requireSession, _ := cmd.Flags().GetBool("require-session")
			body := map[string]any{
				"namespace":        ns,
				"queue":            name,
				"partitions":       parts,
				"maxDeliveryCount": maxDelivery,
				"lockDurationMs":   lockMs,
				"requireSession":   requireSession,
			}
			if err := postJSON(baseURL, "/v1/queues/create", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	createCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	createCmd.Flags().String("name", "", "Queue name")
	createCmd.Flags().Int("partitions", 0, "Partitions override")
	createCmd.Flags().Int("max-delivery-count", 0, "Max delivery attempts before dead-lettering")
	createCmd.Flags().Int64("lock-ms", 0, "Peek-lock duration in ms")
	createCmd.Flags().Bool("require-session", false, "Reject sends without a session id")
	return createCmd
}

func newQueueDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			body := map[string]string{"namespace": ns, "queue": name}
			if err := postJSON(baseURL, "/v1/queues/delete", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	deleteCmd.Flags().String("name", "", "Queue name")
	return deleteCmd
}

func newQueueSendCommand(baseURL BaseURLFunc) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			payload, _ := cmd.Flags().GetString("payload")
			subject, _ := cmd.Flags().GetString("subject")
			session, _ := cmd.Flags().GetString("session")
			key, _ := cmd.Flags().GetString("partition-key")
			delayMs, _ := cmd.Flags().GetInt64("delay-ms")
			ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")
			body := map[string]any{
				"namespace":    ns,
				"queue":        name,
				"payload":      []byte(payload),
				"subject":      subject,
				"sessionId":    session,
				"partitionKey": key,
				"delayMs":      delayMs,
				"ttlMs":        ttlMs,
			}
			var out map[string]any
			if err := postJSON(baseURL, "/v1/queues/send", body, &out); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	sendCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	sendCmd.Flags().String("name", "", "Queue name")
	sendCmd.Flags().String("payload", "", "Message payload")
	sendCmd.Flags().String("subject", "", "Subject")
	sendCmd.Flags().String("session", "", "Session id (FIFO within session)")
	sendCmd.Flags().String("partition-key", "", "Partition key")
	sendCmd.Flags().Int64("delay-ms", 0, "Scheduled delivery delay in ms")
	sendCmd.Flags().Int64("ttl-ms", 0, "Message TTL in ms")
	return sendCmd
}

func newQueueReceiveCommand(baseURL BaseURLFunc) *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive one message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			mode, _ := cmd.Flags().GetString("mode")
			owner, _ := cmd.Flags().GetString("owner")
			waitMs, _ := cmd.Flags().GetInt64("wait-ms")
			complete, _ := cmd.Flags().GetBool("complete")

			body := map[string]any{
				"namespace": ns,
				"queue":     name,
				"mode":      mode,
				"owner":     owner,
				"waitMs":    waitMs,
			}
			var msg json.RawMessage
			err := postJSON(baseURL, "/v1/queues/receive", body, &msg)
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

			if complete && mode != "receive_and_delete" {
				settle := map[string]any{"namespace": ns, "queue": name, "message": msg}
				return postJSON(baseURL, "/v1/queues/complete", settle, nil)
			}
			return nil
		},
	}
	receiveCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	receiveCmd.Flags().String("name", "", "Queue name")
	receiveCmd.Flags().String("mode", "peek_lock", "Receive mode: peek_lock|receive_and_delete")
	receiveCmd.Flags().String("owner", "cli", "Lock owner id")
	receiveCmd.Flags().Int64("wait-ms", 0, "Long-poll wait in ms")
	receiveCmd.Flags().Bool("complete", false, "Complete the message after printing")
	return receiveCmd
}

func newQueueStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			var out map[string]any
			params := url.Values{"namespace": {ns}, "queue": {name}}
			if err := getJSON(baseURL, "/v1/queues/stats", params, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	statsCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	statsCmd.Flags().String("name", "", "Queue name")
	return statsCmd
}

func newQueueDlqCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			name, _ := cmd.Flags().GetString("name")
			limit, _ := cmd.Flags().GetInt("limit")
			var out map[string]any
			params := url.Values{
				"namespace": {ns},
				"queue":     {name},
				"limit":     {strconv.Itoa(limit)},
			}
			if err := getJSON(baseURL, "/v1/queues/dlq", params, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	dlqCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	dlqCmd.Flags().String("name", "", "Queue name")
	dlqCmd.Flags().Int("limit", 100, "Max dead letters to return")
	return dlqCmd
}

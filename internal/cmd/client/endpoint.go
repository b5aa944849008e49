package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewEndpointCommand constructs the `endpoint` command group for push
// delivery destinations.
func NewEndpointCommand(baseURL BaseURLFunc) *cobra.Command {
	endpointCmd := &cobra.Command{Use: "endpoint", Short: "Push endpoint operations"}

	endpointCmd.AddCommand(
		newEndpointListCommand(baseURL),
		newEndpointRegisterCommand(baseURL),
		newEndpointValidateCommand(baseURL),
		newEndpointDeleteCommand(baseURL),
		newEndpointStatusCommand(baseURL),
		newEndpointDlqCommand(baseURL),
	)

	return endpointCmd
}

func newEndpointListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints on a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			var out map[string]any
			params := url.Values{"namespace": {ns}, "topic": {topic}}
			if err := getJSON(baseURL, "/v1/endpoints", params, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	listCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	listCmd.Flags().String("topic", "", "Topic name")
	return listCmd
}

func newEndpointRegisterCommand(baseURL BaseURLFunc) *cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a push destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			dest, _ := cmd.Flags().GetString("url")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			ttlMs, _ := cmd.Flags().GetInt64("ttl-ms")
			body := map[string]any{
				"namespace":   ns,
				"topic":       topic,
				"url":         dest,
				"maxAttempts": maxAttempts,
				"ttlMs":       ttlMs,
			}
			var out map[string]any
			if err := postJSON(baseURL, "/v1/endpoints/register", body, &out); err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	registerCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	registerCmd.Flags().String("topic", "", "Topic name")
	registerCmd.Flags().String("url", "", "Destination URL")
	registerCmd.Flags().Int("max-attempts", 0, "Max delivery attempts")
	registerCmd.Flags().Int64("ttl-ms", 0, "Retry TTL in ms")
	return registerCmd
}

func newEndpointValidateCommand(baseURL BaseURLFunc) *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Complete a pending validation handshake",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			id, _ := cmd.Flags().GetString("id")
			code, _ := cmd.Flags().GetString("code")
			body := map[string]string{
				"namespace": ns,
				"topic":     topic,
				"endpoint":  id,
				"code":      code,
			}
			if err := postJSON(baseURL, "/v1/endpoints/validate", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	validateCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	validateCmd.Flags().String("topic", "", "Topic name")
	validateCmd.Flags().String("id", "", "Endpoint id")
	validateCmd.Flags().String("code", "", "Validation code echoed by the destination")
	return validateCmd
}

func newEndpointDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			id, _ := cmd.Flags().GetString("id")
			body := map[string]string{"namespace": ns, "topic": topic, "endpoint": id}
			if err := postJSON(baseURL, "/v1/endpoints/delete", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	deleteCmd.Flags().String("topic", "", "Topic name")
	deleteCmd.Flags().String("id", "", "Endpoint id")
	return deleteCmd
}

func newEndpointStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show endpoint status and last delivery state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			id, _ := cmd.Flags().GetString("id")
			var out map[string]any
			params := url.Values{"namespace": {ns}, "topic": {topic}, "endpoint": {id}}
			if err := getJSON(baseURL, "/v1/endpoints/status", params, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	statusCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	statusCmd.Flags().String("topic", "", "Topic name")
	statusCmd.Flags().String("id", "", "Endpoint id")
	return statusCmd
}

func newEndpointDlqCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "List an endpoint's dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			topic, _ := cmd.Flags().GetString("topic")
			id, _ := cmd.Flags().GetString("id")
			limit, _ := cmd.Flags().GetInt("limit")
			var out map[string]any
			params := url.Values{
				"namespace": {ns},
				"topic":     {topic},
				"endpoint":  {id},
				"limit":     {strconv.Itoa(limit)},
			}
			if err := getJSON(baseURL, "/v1/endpoints/dlq", params, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	dlqCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	dlqCmd.Flags().String("topic", "", "Topic name")
	dlqCmd.Flags().String("id", "", "Endpoint id")
	dlqCmd.Flags().Int("limit", 100, "Max dead letters to return")
	return dlqCmd
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	clientcmd "github.com/calder-io/calder/internal/cmd/client"
	serverrun "github.com/calder-io/calder/internal/cmd/server"
	cfgpkg "github.com/calder-io/calder/internal/config"
	logpkg "github.com/calder-io/calder/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// CLI logger; CALDER_LOG_LEVEL applies to both CLI and server start output
	level := os.Getenv("CALDER_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "calder",
		Short: "Calder broker CLI",
		Long:  "Calder is a single-binary message broker. This CLI manages the server and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start calder server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsync, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			cfg := cfgpkg.Default()
			if configPath != "" {
				var err error
				cfg, err = cfgpkg.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			cfgpkg.FromEnv(&cfg)
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if fsync != "" {
				switch fsync {
				case "always", "interval", "never":
					cfg.Fsync = fsync
				default:
					return fmt.Errorf("invalid --fsync; use always|interval|never")
				}
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			if err := serverrun.Run(context.Background(), serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Config file (JSON or YAML)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", os.Getenv("CALDER_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("CALDER_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// ns create / list
	nsCmd := &cobra.Command{Use: "namespace", Short: "Namespace operations"}
	nsCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			body := map[string]string{"namespace": name}
			b, _ := json.Marshal(body)
			resp, err := http.Post(apiURL()+"/v1/ns/create", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			fmt.Println("status:", resp.Status)
			return nil
		},
	}
	nsCreateCmd.Flags().String("name", "default", "Namespace name")
	nsCmd.AddCommand(nsCreateCmd)
	nsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(apiURL() + "/v1/ns")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
	nsCmd.AddCommand(nsListCmd)
	rootCmd.AddCommand(nsCmd)

	// queue and topic command groups
	rootCmd.AddCommand(clientcmd.NewQueueCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewTopicCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewEndpointCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("CALDER_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays CALDER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("CALDER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CALDER_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("CALDER_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("CALDER_ALLOW_AUTO_CREATE_NAMESPACES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreateNamespaces = b
		}
	}
	if v := os.Getenv("CALDER_DEFAULT_NAMESPACE_NAME"); v != "" {
		cfg.DefaultNamespaceName = v
	}
	if v := os.Getenv("CALDER_NAMESPACE_DEFAULTS_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.Partitions = n
		}
	}
	if v := os.Getenv("CALDER_NAMESPACE_DEFAULTS_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("CALDER_NAMESPACE_DEFAULTS_HEADERS_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.HeadersMaxBytes = n
		}
	}
	if v := os.Getenv("CALDER_QUEUE_MAX_DELIVERY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.MaxDeliveryCount = n
		}
	}
	if v := os.Getenv("CALDER_QUEUE_LOCK_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.QueueDefaults.LockDuration = Duration(d)
		}
	}
	if v := os.Getenv("CALDER_DISPATCHER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.Workers = n
		}
	}
	if v := os.Getenv("CALDER_DISPATCHER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.RequestTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CALDER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = Duration(d)
		}
	}
	if v := os.Getenv("CALDER_TRIM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TrimInterval = Duration(d)
		}
	}
	if v := os.Getenv("CALDER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CALDER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

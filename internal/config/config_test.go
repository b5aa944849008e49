package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.AllowAutoCreateNamespaces {
		t.Fatalf("default allow auto create should be true")
	}
	if cfg.DefaultNamespaceName != "default" {
		t.Fatalf("default ns name")
	}
	if cfg.NamespaceDefaults.Partitions != 4 {
		t.Fatalf("partitions default")
	}
	if cfg.QueueDefaults.LockDuration.Std() != 60*time.Second {
		t.Fatalf("lock duration default")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "calder.json")
	data := []byte(`{"allowAutoCreateNamespaces":false,"defaultNamespaceName":"prod","namespaceDefaults":{"partitions":32,"payloadMaxBytes":2048,"headersMaxBytes":1024},"queueDefaults":{"maxDeliveryCount":3,"lockDuration":"30s"}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AllowAutoCreateNamespaces {
		t.Fatalf("expected false")
	}
	if cfg.DefaultNamespaceName != "prod" {
		t.Fatalf("expected prod")
	}
	if cfg.NamespaceDefaults.Partitions != 32 {
		t.Fatalf("expected 32")
	}
	if cfg.QueueDefaults.MaxDeliveryCount != 3 || cfg.QueueDefaults.LockDuration.Std() != 30*time.Second {
		t.Fatalf("queue defaults: %+v", cfg.QueueDefaults)
	}
	// unset fields keep defaults
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr default lost: %q", cfg.HTTPAddr)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "calder.yaml")
	data := []byte(`
httpAddr: ":9090"
fsync: never
namespaceDefaults:
  partitions: 8
dispatcher:
  workers: 2
  requestTimeout: 5s
sweepInterval: 250ms
log:
  level: debug
  format: json
`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.Fsync != "never" {
		t.Fatalf("scalar overrides: %+v", cfg)
	}
	if cfg.NamespaceDefaults.Partitions != 8 {
		t.Fatalf("nested override: %+v", cfg.NamespaceDefaults)
	}
	if cfg.Dispatcher.Workers != 2 || cfg.Dispatcher.RequestTimeout.Std() != 5*time.Second {
		t.Fatalf("dispatcher: %+v", cfg.Dispatcher)
	}
	if cfg.SweepInterval.Std() != 250*time.Millisecond {
		t.Fatalf("sweep interval: %v", cfg.SweepInterval.Std())
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log config: %+v", cfg.Log)
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "calder.yaml")
	if err := os.WriteFile(file, []byte("sweepInterval: banana\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatal("accepted a garbage duration")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	set := map[string]string{
		"CALDER_ALLOW_AUTO_CREATE_NAMESPACES":  "false",
		"CALDER_DEFAULT_NAMESPACE_NAME":        "staging",
		"CALDER_NAMESPACE_DEFAULTS_PARTITIONS": "24",
		"CALDER_HTTP_ADDR":                     ":7070",
		"CALDER_QUEUE_LOCK_DURATION":           "90s",
		"CALDER_LOG_LEVEL":                     "warn",
	}
	for k, v := range set {
		os.Setenv(k, v)
	}
	t.Cleanup(func() {
		for k := range set {
			os.Unsetenv(k)
		}
	})
	FromEnv(&cfg)
	if cfg.AllowAutoCreateNamespaces {
		t.Fatalf("env override bool")
	}
	if cfg.DefaultNamespaceName != "staging" {
		t.Fatalf("env override name")
	}
	if cfg.NamespaceDefaults.Partitions != 24 {
		t.Fatalf("env override partitions")
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env override addr")
	}
	if cfg.QueueDefaults.LockDuration.Std() != 90*time.Second {
		t.Fatalf("env override lock duration")
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("env override log level")
	}
}

func TestDefaultDataDirXDG(t *testing.T) {
	original := os.Getenv("XDG_DATA_HOME")
	os.Setenv("XDG_DATA_HOME", "/custom/data")
	t.Cleanup(func() {
		if original != "" {
			os.Setenv("XDG_DATA_HOME", original)
		} else {
			os.Unsetenv("XDG_DATA_HOME")
		}
	})
	if got := DefaultDataDir(); got != filepath.Join("/custom/data", "calder") {
		t.Fatalf("DefaultDataDir=%q", got)
	}
}

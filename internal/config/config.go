package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calder-io/calder/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir holds the pebble store. Empty means DefaultDataDir().
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// HTTPAddr is the listen address for the JSON API.
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	// Fsync: always|interval|never.
	Fsync string `json:"fsync" yaml:"fsync"`

	AllowAutoCreateNamespaces bool              `json:"allowAutoCreateNamespaces" yaml:"allowAutoCreateNamespaces"`
	DefaultNamespaceName      string            `json:"defaultNamespaceName" yaml:"defaultNamespaceName"`
	NamespaceDefaults         NamespaceDefaults `json:"namespaceDefaults" yaml:"namespaceDefaults"`

	QueueDefaults QueueDefaults    `json:"queueDefaults" yaml:"queueDefaults"`
	Dispatcher    DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	SweepInterval Duration         `json:"sweepInterval" yaml:"sweepInterval"`
	TrimInterval  Duration         `json:"trimInterval" yaml:"trimInterval"`

	Log log.Config `json:"log" yaml:"log"`
}

// NamespaceDefaults captures per-namespace baseline limits.
type NamespaceDefaults struct {
	Partitions      int `json:"partitions" yaml:"partitions"`
	PayloadMaxBytes int `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`
	HeadersMaxBytes int `json:"headersMaxBytes" yaml:"headersMaxBytes"`
}

// QueueDefaults applies when a queue or subscription is created without
// explicit settings.
type QueueDefaults struct {
	MaxDeliveryCount int      `json:"maxDeliveryCount" yaml:"maxDeliveryCount"`
	LockDuration     Duration `json:"lockDuration" yaml:"lockDuration"`
}

// DispatcherConfig bounds the push delivery path.
type DispatcherConfig struct {
	Workers        int      `json:"workers" yaml:"workers"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// Duration parses "30s"-style strings in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:                  ":8080",
		Fsync:                     "interval",
		AllowAutoCreateNamespaces: true,
		DefaultNamespaceName:      "default",
		NamespaceDefaults: NamespaceDefaults{
			Partitions:      4,
			PayloadMaxBytes: 1 << 20,
			HeadersMaxBytes: 16 << 10,
		},
		QueueDefaults: QueueDefaults{
			MaxDeliveryCount: 10,
			LockDuration:     Duration(60 * time.Second),
		},
		Dispatcher: DispatcherConfig{
			Workers:        8,
			RequestTimeout: Duration(15 * time.Second),
		},
		SweepInterval: Duration(time.Second),
		TrimInterval:  Duration(time.Minute),
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If
// path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

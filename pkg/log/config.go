package log

import (
	stdlog "log"
	"strings"
)

// Config declaratively describes a logger.
type Config struct {
	// Level: debug|info|warn|error|fatal (default info).
	Level string `json:"level" yaml:"level"`
	// Format: text|json (default text).
	Format string `json:"format" yaml:"format"`
}

// ApplyConfig builds a Logger from a Config.
func ApplyConfig(cfg *Config) (Logger, error) {
	level := InfoLevel
	if cfg != nil && cfg.Level != "" {
		parsed, err := ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	var formatter Formatter = &TextFormatter{}
	if cfg != nil && strings.EqualFold(cfg.Format, "json") {
		formatter = &JSONFormatter{}
	}
	return NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(NewConsoleOutput())), nil
}

// stdBridge adapts a Logger into an io.Writer for the standard library logger.
type stdBridge struct {
	logger Logger
}

func (b stdBridge) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		b.logger.Info(msg, Component("stdlog"))
	}
	return len(p), nil
}

// RedirectStdLog routes standard library log output (used by Pebble and
// friends) through the provided Logger.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdBridge{logger: logger})
}

// Package config provides loading and environment overlay for the
// broker's runtime configuration. It exposes a Default() baseline, file
// loading from JSON or YAML by extension, and a CALDER_* env overlay.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/calder.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close(context.Background())
package config

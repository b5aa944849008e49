package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/calder-io/calder/internal/config"
	"github.com/calder-io/calder/internal/runtime"
	httpserver "github.com/calder-io/calder/internal/server/http"
	logpkg "github.com/calder-io/calder/pkg/log"
)

// Options configure one server run.
type Options struct {
	Config cfgpkg.Config
}

// Run starts the HTTP server and blocks until ctx is cancelled. A local
// signal context is layered over the provided one so direct callers get
// clean SIGINT/SIGTERM shutdown without wiring their own.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Pebble logs through the stdlib logger
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	procLogger.Info("starting calder server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	hsrv := httpserver.New(rt)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// shut the listener down before the runtime so in-flight handlers
	// never see a closed store
	hsrv.Close()
	wg.Wait()
	return nil
}

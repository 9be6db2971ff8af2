// Command gsserve serves bridge runs over WebSocket. See package server for
// the frame protocol.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-stdio-bridge/config"
	"github.com/wippyai/wasm-stdio-bridge/engine"
	"github.com/wippyai/wasm-stdio-bridge/orchestrator"
	"github.com/wippyai/wasm-stdio-bridge/runtime"
	"github.com/wippyai/wasm-stdio-bridge/server"
	"github.com/wippyai/wasm-stdio-bridge/supervisor"
)

// shutdownTimeout bounds the wait for in-flight runs on exit.
const shutdownTimeout = 30 * time.Second

type serveFlags struct {
	config  string
	addr    string
	wasm    string
	verbose bool
}

func parseFlags(argv []string) (serveFlags, error) {
	var f serveFlags
	fs := flag.NewFlagSet("gsserve", flag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "YAML config file")
	fs.StringVar(&f.addr, "addr", "", "listen address (overrides config)")
	fs.StringVar(&f.wasm, "wasm", "", "engine command module (overrides config)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	if err := fs.Parse(argv); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

func loadConfig(f serveFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		loaded, err := config.Load(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.wasm != "" {
		cfg.Engine.WASM = f.wasm
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine.WASM == "" {
		return nil, fmt.Errorf("no engine module: pass --wasm or set engine.wasm")
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := serve(cfg, log); err != nil {
		log.Error("gsserve exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func serve(cfg *config.Config, log *zap.Logger) error {
	engine.SetLogger(log.Named("engine"))
	orchestrator.SetLogger(log.Named("orchestrator"))
	supervisor.SetLogger(log.Named("supervisor"))
	_, _ = maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wasm, err := os.ReadFile(cfg.Engine.WASM)
	if err != nil {
		return fmt.Errorf("read engine module: %w", err)
	}
	timeout, err := cfg.Run.TimeoutDuration()
	if err != nil {
		return err
	}

	started := time.Now()
	rt, err := runtime.New(ctx, runtime.Options{
		Logger: log.Named("runtime"),
		Engine: engine.Config{
			Env:              cfg.Engine.Env,
			ProgramName:      cfg.Engine.ProgramName,
			CacheDir:         cfg.Engine.CacheDir,
			MemoryLimitPages: cfg.Engine.MemoryLimitPages,
			EnableThreads:    cfg.Engine.Threads,
		},
		WASM:        wasm,
		DefaultArgs: cfg.Run.DefaultArgs,
		TempDir:     cfg.Run.TempDir,
		Timeout:     timeout,
	})
	if err != nil {
		return err
	}
	log.Info("engine compiled", zap.String("wasm", cfg.Engine.WASM), zap.Duration("took", time.Since(started)))

	srv := server.New(rt, server.Config{
		Logger:          log.Named("server"),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		MaxRuns:         cfg.Server.MaxRuns,
	})
	hs := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Upgraded connections outlive Shutdown; deriving request contexts
		// from ctx cancels their runs on signal.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !stderrors.Is(err, http.ErrServerClosed) {
			_ = rt.Close(context.Background())
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return rt.Close(sctx)
}

// Command gsrun runs a WASI command module (typically a Ghostscript build)
// once, wiring the process stdio to the engine and copying files in and out
// of the run's private file space.
package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/config"
	"github.com/wippyai/wasm-stdio-bridge/engine"
	"github.com/wippyai/wasm-stdio-bridge/orchestrator"
	"github.com/wippyai/wasm-stdio-bridge/runtime"
	"github.com/wippyai/wasm-stdio-bridge/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitGeneral
	}
	inv, err := parseArgs(argv, cwd, os.Stderr)
	if err != nil {
		if !stderrors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			err = usageError{err}
		}
		return exitCodeFor(err)
	}

	cfg, err := loadConfig(inv.flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer func() { _ = log.Sync() }()
	engine.SetLogger(log.Named("engine"))
	orchestrator.SetLogger(log.Named("orchestrator"))
	supervisor.SetLogger(log.Named("supervisor"))

	// Error ignored: maxprocs.Set only fails on an invalid GOMAXPROCS, in
	// which case the Go runtime default stays.
	sugar := log.Sugar()
	_, _ = maxprocs.Set(maxprocs.Logger(sugar.Debugf))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := execute(ctx, cfg, inv, cwd, log)
	if err != nil {
		log.Debug("run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "gsrun:", err)
		return exitCodeFor(err)
	}
	return code
}

// loadConfig reads the config file, if any, and overlays flags on it.
func loadConfig(f cliFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		loaded, err := config.Load(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	// Engine diagnostics share stderr; keep bridge logs quiet unless asked.
	if f.config == "" {
		cfg.Log.Level = "warn"
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	if f.wasm != "" {
		cfg.Engine.WASM = f.wasm
	}
	if f.programName != "" {
		cfg.Engine.ProgramName = f.programName
	}
	if f.cacheDir != "" {
		cfg.Engine.CacheDir = f.cacheDir
	}
	if f.memoryPages > 0 {
		cfg.Engine.MemoryLimitPages = f.memoryPages
	}
	if f.threads {
		cfg.Engine.Threads = true
	}
	if f.tempDir != "" {
		cfg.Run.TempDir = f.tempDir
	}
	if f.timeout > 0 {
		cfg.Run.Timeout = f.timeout.String()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine.WASM == "" {
		return nil, usageError{fmt.Errorf("no engine module: pass --wasm or set engine.wasm")}
	}
	return cfg, nil
}

// runtimeOptions converts the config into runtime options.
func runtimeOptions(cfg *config.Config, log *zap.Logger) (runtime.Options, error) {
	timeout, err := cfg.Run.TimeoutDuration()
	if err != nil {
		return runtime.Options{}, err
	}
	wasm, err := os.ReadFile(cfg.Engine.WASM)
	if err != nil {
		return runtime.Options{}, fmt.Errorf("read engine module: %w", err)
	}
	return runtime.Options{
		Logger: log,
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
	}, nil
}

func execute(ctx context.Context, cfg *config.Config, inv *invocation, cwd string, log *zap.Logger) (int, error) {
	inputs, err := readInputs(inv.inputs)
	if err != nil {
		return 0, err
	}
	opts, err := runtimeOptions(cfg, log)
	if err != nil {
		return 0, err
	}
	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			log.Warn("close runtime", zap.Error(err))
		}
	}()

	run := stdiobridge.Options{
		Args:        inv.args,
		InputFiles:  inputs,
		OutputPaths: outputPaths(inv.outputs),
	}

	var res *stdiobridge.Result
	if inv.flags.tui {
		res, err = runTUI(ctx, rt, run)
	} else {
		res, err = runPlain(ctx, rt, run, inv.flags.noStdin)
	}
	if err != nil {
		return 0, err
	}
	if err := writeOutputs(res.OutputFiles, inv.outputs, cwd); err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}

func runPlain(ctx context.Context, rt *runtime.Runtime, run stdiobridge.Options, noStdin bool) (*stdiobridge.Result, error) {
	con := newConsole(bufio.NewWriter(os.Stdout), bufio.NewWriter(os.Stderr))
	if !noStdin {
		run.Stdin = con.source(stdiobridge.ReaderSource(os.Stdin))
	}
	run.Stdout = con.sink(con.out)
	run.Stderr = con.sink(con.err)

	res, err := rt.Run(ctx, run)
	con.flush()
	return res, err
}

// console buffers engine output by line. While the engine waits for input
// held bytes are flushed and every new byte is written through, so prompts
// without a newline stay visible.
type console struct {
	out     *bufio.Writer
	err     *bufio.Writer
	mu      sync.Mutex
	waiting bool
}

func newConsole(out, err *bufio.Writer) *console {
	return &console{out: out, err: err}
}

func (c *console) sink(w *bufio.Writer) stdiobridge.Sink {
	return func(_ context.Context, b byte, eof bool) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if eof {
			return w.Flush()
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
		if b == '\n' || c.waiting {
			return w.Flush()
		}
		return nil
	}
}

func (c *console) source(src stdiobridge.InputSource) stdiobridge.InputSource {
	return func(ctx context.Context) (byte, error) {
		c.setWaiting(true)
		defer c.setWaiting(false)
		return src(ctx)
	}
}

func (c *console) setWaiting(waiting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = waiting
	if waiting {
		_ = c.out.Flush()
		_ = c.err.Flush()
	}
}

func (c *console) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.out.Flush()
	_ = c.err.Flush()
}

func readInputs(specs []inputSpec) (map[string][]byte, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	files := make(map[string][]byte, len(specs))
	for _, in := range specs {
		data, err := os.ReadFile(in.host)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", in.host, err)
		}
		files[in.vm] = data
	}
	return files, nil
}

func outputPaths(specs []outputSpec) []string {
	paths := make([]string, 0, len(specs))
	for _, o := range specs {
		paths = append(paths, o.vm)
	}
	return paths
}

// writeOutputs copies collected files to their host paths, creating parent
// directories. Paths without a mapping resolve against base.
func writeOutputs(files map[string][]byte, specs []outputSpec, base string) error {
	hosts := make(map[string]string, len(specs))
	for _, o := range specs {
		hosts[o.vm] = o.host
	}
	for vm, data := range files {
		host, ok := hosts[vm]
		if !ok {
			host = filepath.Join(base, filepath.FromSlash(vm))
		}
		if dir := filepath.Dir(host); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
		}
		if err := os.WriteFile(host, data, 0o644); err != nil { //nolint:gosec // user-requested output
			return fmt.Errorf("write output %s: %w", host, err)
		}
	}
	return nil
}

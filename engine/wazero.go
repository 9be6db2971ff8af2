package engine

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
)

// DefaultProgramName is passed as argv[0] when Config.ProgramName is empty.
const DefaultProgramName = "gs"

// Config holds configuration for engine creation
type Config struct {
	// Env is passed to the program's environment.
	Env map[string]string

	// ProgramName is argv[0].
	ProgramName string

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	// Engines built with -pthread need it to compile.
	EnableThreads bool
}

// WASI runs a WASI preview1 command module as a bridge engine.
//
// The module is compiled once; every Run instantiates a fresh, anonymous
// instance wired to that run's stdio and file space, so runs are independent
// and may execute concurrently.
type WASI struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
	env      []string
	program  string
	active   sync.WaitGroup
	closeMu  sync.RWMutex
	closed   atomic.Bool
}

var (
	_ stdiobridge.Engine   = (*WASI)(nil)
	_ stdiobridge.Preparer = (*WASI)(nil)
)

// NewWASI compiles wasmBytes and instantiates the host modules it imports.
func NewWASI(ctx context.Context, wasmBytes []byte, cfg *Config) (*WASI, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Load("open compilation cache", err)
		}
		cache = c
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	e := &WASI{
		runtime: runtime,
		cache:   cache,
		program: cfg.ProgramName,
		env:     flattenEnv(cfg.Env),
	}
	if e.program == "" {
		e.program = DefaultProgramName
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = e.Close(ctx)
		return nil, errors.Load("compile module", err)
	}
	e.compiled = compiled

	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		_ = e.Close(ctx)
		return nil, errors.InvalidInput(errors.PhaseLoad, "module has no _start export")
	}
	if err := instantiateHostModules(ctx, runtime, compiled); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	Logger().Debug("engine compiled",
		zap.Int("bytes", len(wasmBytes)),
		zap.String("program", e.program),
		zap.Int("imports", len(compiled.ImportedFunctions())))
	return e, nil
}

// flattenEnv returns key/value pairs in key order.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, env[k])
	}
	return out
}

// Prepare fails once the engine is closed, so a run never reports ready
// against a released runtime.
func (e *WASI) Prepare(ctx context.Context) error {
	if e.closed.Load() {
		return errors.New(errors.PhaseStart, errors.KindInstantiation).
			Op("prepare").
			Detail("engine closed").
			Build()
	}
	return ctx.Err()
}

// Run instantiates the module and executes _start to completion. A
// proc_exit code is returned as the exit code; traps and other failures
// are returned as errors.
func (e *WASI) Run(ctx context.Context, args []string, files stdiobridge.FileSpace, stdio stdiobridge.Stdio) (int, error) {
	e.closeMu.RLock()
	if e.closed.Load() {
		e.closeMu.RUnlock()
		return 0, errors.New(errors.PhaseRun, errors.KindInstantiation).
			Op("run").
			Detail("engine closed").
			Build()
	}
	e.active.Add(1)
	e.closeMu.RUnlock()
	defer e.active.Done()

	argv := make([]string, 0, len(args)+1)
	argv = append(argv, e.program)
	argv = append(argv, args...)

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(argv...).
		WithStdin(stdio.Stdin()).
		WithStdout(stdio.Stdout()).
		WithStderr(stdio.Stderr()).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(files.Root(), "/")).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)
	for i := 0; i < len(e.env); i += 2 {
		modCfg = modCfg.WithEnv(e.env[i], e.env[i+1])
	}

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(ctx))
	}
	if err == nil {
		return 0, nil
	}

	var exitErr *sys.ExitError
	if stderrors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if ctxErr := ctx.Err(); ctxErr != nil &&
			(code == sys.ExitCodeContextCanceled || code == sys.ExitCodeDeadlineExceeded) {
			return 0, errors.Canceled(errors.PhaseRun, ctxErr)
		}
		Logger().Debug("engine exited", zap.Uint32("code", code))
		return int(code), nil
	}
	return 0, errors.New(errors.PhaseRun, errors.KindContextFault).
		Op("instantiate").
		Cause(err).
		Detail("engine trapped").
		Build()
}

// Close waits for running instances and releases the runtime.
func (e *WASI) Close(ctx context.Context) error {
	e.closeMu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.closeMu.Unlock()
		return nil
	}
	e.closeMu.Unlock()

	e.active.Wait()
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

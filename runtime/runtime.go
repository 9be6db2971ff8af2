package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/engine"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/supervisor"
)

// Options configures a Runtime.
type Options struct {
	// Logger receives run lifecycle logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// Engine configures the WASI engine built from WASM.
	Engine engine.Config

	// WASM is the compiled command module. Ignored by NewWithEngine.
	WASM []byte

	// DefaultArgs are prepended to every run's arguments.
	DefaultArgs []string

	// TempDir is the parent of per-run file spaces.
	TempDir string

	// Timeout bounds each run. Zero means no limit.
	Timeout time.Duration
}

type closer interface {
	Close(ctx context.Context) error
}

// Runtime runs bridge runs against one engine.
type Runtime struct {
	engine stdiobridge.Engine
	log    *zap.Logger
	opts   Options
	runs   sync.WaitGroup
	mu     sync.RWMutex
	active atomic.Int64
	total  atomic.Int64
	closed bool
}

// New compiles opts.WASM and returns a runtime over it.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	if len(opts.WASM) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "no engine module")
	}
	eng, err := engine.NewWASI(ctx, opts.WASM, &opts.Engine)
	if err != nil {
		return nil, err
	}
	return NewWithEngine(eng, opts), nil
}

// NewWithEngine returns a runtime over an existing engine. If eng has a
// Close(ctx) method, Runtime.Close calls it.
func NewWithEngine(eng stdiobridge.Engine, opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{engine: eng, log: log, opts: opts}
}

// Run executes one run and blocks until it completes, fails or ctx is done.
// Extra supervisor options are applied after the runtime's own.
func (r *Runtime) Run(ctx context.Context, opts stdiobridge.Options, extra ...supervisor.Option) (*stdiobridge.Result, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, errors.New(errors.PhaseStart, errors.KindInstantiation).
			Op("run").
			Detail("runtime closed").
			Build()
	}
	r.runs.Add(1)
	r.mu.RUnlock()
	defer r.runs.Done()

	r.active.Add(1)
	defer r.active.Add(-1)
	r.total.Add(1)

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	if len(r.opts.DefaultArgs) > 0 {
		args := make([]string, 0, len(r.opts.DefaultArgs)+len(opts.Args))
		args = append(args, r.opts.DefaultArgs...)
		opts.Args = append(args, opts.Args...)
	}

	options := []supervisor.Option{
		supervisor.WithLogger(r.log),
		supervisor.WithTempDir(r.opts.TempDir),
	}
	return supervisor.New(r.engine, opts, append(options, extra...)...).Run(ctx)
}

// Stats reports runs in flight and runs started since creation.
func (r *Runtime) Stats() (active, total int64) {
	return r.active.Load(), r.total.Load()
}

// Close rejects new runs, waits for running ones (or ctx) and releases the
// engine. Runs still going when ctx ends keep their engine alive; callers
// should cancel them first.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Canceled(errors.PhaseTeardown, ctx.Err())
	}

	if c, ok := r.engine.(closer); ok {
		return c.Close(ctx)
	}
	return nil
}

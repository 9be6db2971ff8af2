package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/handoff"
	"github.com/wippyai/wasm-stdio-bridge/vfs"
)

var _ stdiobridge.Stdio = (*Adapter)(nil)

// Config configures an execution context.
type Config struct {
	Logger *zap.Logger
	// TempDir is the parent of the per-run file space (os.TempDir when empty).
	TempDir string
}

// Host is one run's execution context: a goroutine hosting the engine and
// its adapter.
//
// Protocol, in order: the host posts KindReady once the engine is prepared,
// receives exactly one Start, runs the engine, then posts exactly one of
// KindComplete or KindFault. A host that exits any other way (panic,
// cancellation) still posts KindFault.
type Host struct {
	engine  stdiobridge.Engine
	adapter *Adapter
	mbox    *Mailbox
	log     *zap.Logger
	start   chan stdiobridge.Invocation
	done    chan struct{}
	cfg     Config
	sent    atomic.Bool
	posted  atomic.Bool
}

// Spawn starts the execution context. It returns immediately; readiness is
// reported through mbox. Cancel ctx to terminate the context.
func Spawn(ctx context.Context, eng stdiobridge.Engine, region *handoff.Region, mbox *Mailbox, cfg Config) *Host {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Host{
		engine:  eng,
		adapter: NewAdapter(region, mbox),
		mbox:    mbox,
		log:     log,
		start:   make(chan stdiobridge.Invocation, 1),
		done:    make(chan struct{}),
		cfg:     cfg,
	}
	go h.run(ctx)
	return h
}

// Start ships the run parameters. It must be called at most once, after
// KindReady; a second call returns an error and sends nothing.
func (h *Host) Start(inv stdiobridge.Invocation) error {
	if !h.sent.CompareAndSwap(false, true) {
		return errors.New(errors.PhaseHandshake, errors.KindProtocol).
			Op("start").
			Detail("start already sent").
			Build()
	}
	h.start <- inv
	return nil
}

// Done is closed when the context has exited and its file space is gone.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Adapter returns the engine-facing stdio of this context.
func (h *Host) Adapter() *Adapter {
	return h.adapter
}

func (h *Host) post(msg Message) {
	if msg.Kind.Terminal() && !h.posted.CompareAndSwap(false, true) {
		return
	}
	h.mbox.Post(msg)
}

func (h *Host) fault(err error) {
	h.post(Message{Kind: KindFault, Err: err})
}

func (h *Host) run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("execution context panicked", zap.Any("panic", r))
			h.fault(errors.ContextFault(fmt.Errorf("panic: %v", r)))
		}
		if !h.posted.Load() {
			cause := ctx.Err()
			if cause == nil {
				cause = fmt.Errorf("execution context exited without completing")
			}
			h.fault(errors.ContextFault(cause))
		}
	}()

	if p, ok := h.engine.(stdiobridge.Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			h.fault(errors.Wrap(errors.PhaseStart, errors.KindInstantiation, err, "prepare engine"))
			return
		}
	}
	h.post(Message{Kind: KindReady})

	var inv stdiobridge.Invocation
	select {
	case inv = <-h.start:
	case <-ctx.Done():
		return
	}

	space, err := vfs.New(h.cfg.TempDir)
	if err != nil {
		h.fault(err)
		return
	}
	defer func() {
		if err := space.Close(); err != nil {
			h.log.Warn("remove file space", zap.String("root", space.Root()), zap.Error(err))
		}
	}()

	if err := space.Stage(inv.InputFiles); err != nil {
		h.fault(err)
		return
	}
	h.log.Debug("engine starting",
		zap.Strings("args", inv.Args),
		zap.Int("input_files", len(inv.InputFiles)))

	code, runErr := h.engine.Run(ctx, inv.Args, space, h.adapter)

	if v := h.adapter.Violation(); v != nil {
		h.fault(v)
		return
	}
	if runErr != nil {
		var e *errors.Error
		if stderrors.As(runErr, &e) {
			h.fault(runErr)
		} else {
			h.fault(errors.ContextFault(runErr))
		}
		return
	}
	// Streams end with the engine; sinks get their end marker before the
	// terminal message.
	h.adapter.CloseStdout()
	h.adapter.CloseStderr()

	outputs, err := space.Collect(inv.OutputPaths)
	if err != nil {
		h.fault(err)
		return
	}
	h.log.Debug("engine exited", zap.Int("exit_code", code), zap.Int("output_files", len(outputs)))
	h.post(Message{
		Kind:   KindComplete,
		Result: &stdiobridge.Result{ExitCode: code, OutputFiles: outputs},
	})
}

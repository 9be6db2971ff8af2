// Package supervisor drives one bridge run through its lifecycle: it spawns
// the execution context, performs the ready/start handshake, hands the run
// to the orchestrator, and tears everything down on every exit path.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/handoff"
	"github.com/wippyai/wasm-stdio-bridge/orchestrator"
	"github.com/wippyai/wasm-stdio-bridge/worker"
)

// DefaultReleaseTimeout bounds how long teardown waits for the execution
// context to exit after it has been flushed and canceled.
const DefaultReleaseTimeout = 5 * time.Second

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Every line carries the run ID.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(s *Supervisor) { s.id = id }
}

// OnStateChange registers fn to be called on every state transition, from
// the goroutine calling Run.
func OnStateChange(fn func(id string, st State)) Option {
	return func(s *Supervisor) { s.hooks = append(s.hooks, fn) }
}

// WithTempDir sets the parent directory of the run's file space.
func WithTempDir(dir string) Option {
	return func(s *Supervisor) { s.tempDir = dir }
}

// WithReleaseTimeout overrides DefaultReleaseTimeout.
func WithReleaseTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.release = d }
}

// Supervisor owns one run. It is single use.
type Supervisor struct {
	engine  stdiobridge.Engine
	log     *zap.Logger
	opts    stdiobridge.Options
	hooks   []func(string, State)
	id      string
	tempDir string
	release time.Duration
	state   atomic.Int32
	ran     atomic.Bool
}

// New creates a supervisor for one run of eng.
func New(eng stdiobridge.Engine, opts stdiobridge.Options, options ...Option) *Supervisor {
	s := &Supervisor{
		engine:  eng,
		opts:    opts,
		release: DefaultReleaseTimeout,
	}
	for _, o := range options {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.log == nil {
		s.log = Logger()
	}
	s.log = s.log.With(zap.String("run", s.id))
	return s
}

// Run creates a supervisor and runs it.
func Run(ctx context.Context, eng stdiobridge.Engine, opts stdiobridge.Options, options ...Option) (*stdiobridge.Result, error) {
	return New(eng, opts, options...).Run(ctx)
}

// ID returns the run ID.
func (s *Supervisor) ID() string { return s.id }

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) transition(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.log.Debug("run state", zap.Stringer("from", prev), zap.Stringer("to", st))
	for _, fn := range s.hooks {
		fn(s.id, st)
	}
}

// Run executes the run and blocks until it reaches a terminal state. A done
// ctx before or during the run aborts it with a cancellation-kind error.
func (s *Supervisor) Run(ctx context.Context) (*stdiobridge.Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return nil, errors.New(errors.PhaseStart, errors.KindInvalidInput).
			Op("run").
			Run(s.id).
			Detail("supervisor already ran").
			Build()
	}

	if err := ctx.Err(); err != nil {
		s.transition(StateAborted)
		return nil, errors.WithRun(errors.Canceled(errors.PhaseStart, err), s.id)
	}
	s.transition(StateStarting)
	started := time.Now()

	region := handoff.New()
	mbox := worker.NewMailbox()
	hostCtx, cancelHost := context.WithCancel(ctx)
	defer cancelHost()

	host := worker.Spawn(hostCtx, s.engine, region, mbox, worker.Config{
		Logger:  s.log,
		TempDir: s.tempDir,
	})
	// Callbacks run under runCtx so teardown can stop them on every path.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	orch := orchestrator.New(runCtx, region, mbox, orchestrator.Config{
		Source: s.opts.Stdin,
		Stdout: s.opts.Stdout,
		Stderr: s.opts.Stderr,
		Logger: s.log,
	})

	term, err := s.drive(runCtx, host, mbox, orch)

	final := StateCompleted
	var result *stdiobridge.Result
	switch {
	case err == nil && term.Kind == worker.KindComplete:
		result = term.Result
	case err == nil:
		err = term.Err
		if err == nil {
			err = errors.ContextFault(nil)
		}
	}
	if err != nil {
		final = StateFailed
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.IsCanceled(err) {
			s.log.Debug("fault after cancellation", zap.Error(err))
			err = errors.Canceled(errors.PhaseRun, ctxErr)
		}
		if errors.IsCanceled(err) {
			final = StateAborted
		}
	}

	// Teardown: flush, settle callbacks, release the context.
	region.Flush()
	if final != StateCompleted {
		cancelRun()
	}
	if cerr := orch.Close(final == StateCompleted); cerr != nil && final == StateCompleted {
		final, err, result = StateFailed, cerr, nil
	}
	cancelRun()
	cancelHost()
	s.awaitRelease(host)
	mbox.Close()

	s.transition(final)
	if err != nil {
		err = errors.WithRun(err, s.id)
		s.log.Debug("run ended", zap.Stringer("state", final), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return nil, err
	}
	s.log.Debug("run completed",
		zap.Int("exit_code", result.ExitCode),
		zap.Int("output_files", len(result.OutputFiles)),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func (s *Supervisor) drive(ctx context.Context, host *worker.Host, mbox *worker.Mailbox, orch *orchestrator.Orchestrator) (worker.Message, error) {
	backlog, term, err := s.handshake(ctx, host, mbox)
	if err != nil || term.Kind != 0 {
		return term, err
	}
	s.transition(StateRunning)
	return orch.Run(ctx, backlog...)
}

// handshake waits for ready and sends start exactly once. It returns any
// messages drained after ready, or a terminal message posted instead of it.
func (s *Supervisor) handshake(ctx context.Context, host *worker.Host, mbox *worker.Mailbox) ([]worker.Message, worker.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, worker.Message{}, errors.Canceled(errors.PhaseHandshake, ctx.Err())
		case <-mbox.Ready():
		}
		msgs := mbox.Drain(nil)
		for i, msg := range msgs {
			switch msg.Kind {
			case worker.KindReady:
				if err := host.Start(s.opts.Invocation()); err != nil {
					return nil, worker.Message{}, err
				}
				return msgs[i+1:], worker.Message{}, nil
			case worker.KindFault:
				return nil, msg, nil
			default:
				return nil, worker.Message{}, errors.New(errors.PhaseHandshake, errors.KindProtocol).
					Op("handshake").
					Value(msg.Kind.String()).
					Detail("%s before ready", msg.Kind).
					Build()
			}
		}
	}
}

func (s *Supervisor) awaitRelease(host *worker.Host) {
	timer := time.NewTimer(s.release)
	defer timer.Stop()
	select {
	case <-host.Done():
	case <-timer.C:
		s.log.Warn("execution context did not exit after flush and cancel",
			zap.Duration("waited", s.release))
	}
}

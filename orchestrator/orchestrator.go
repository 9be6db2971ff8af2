package orchestrator

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"go.uber.org/zap"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/handoff"
	"github.com/wippyai/wasm-stdio-bridge/worker"
)

// Config holds the embedder callbacks for one run. Nil callbacks behave as
// an empty input source and discarding sinks.
type Config struct {
	Source stdiobridge.InputSource
	Stdout stdiobridge.Sink
	Stderr stdiobridge.Sink
	Logger *zap.Logger
}

type inputResult struct {
	err error
	b   byte
}

// Orchestrator services one run. It is not safe for concurrent use; Run and
// Close are called from the supervisor goroutine.
type Orchestrator struct {
	region  *handoff.Region
	mbox    *worker.Mailbox
	source  stdiobridge.InputSource
	stdout  *sinkQueue
	stderr  *sinkQueue
	inputs  chan inputResult
	errc    chan error
	log     *zap.Logger
	buf     []worker.Message
	sources sync.WaitGroup
	pending bool
	closed  bool
}

// New binds an orchestrator to a run's region and mailbox. Sink goroutines
// start immediately and receive ctx on every call.
func New(ctx context.Context, region *handoff.Region, mbox *worker.Mailbox, cfg Config) *Orchestrator {
	source := cfg.Source
	if source == nil {
		source = stdiobridge.EmptySource
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = stdiobridge.DiscardSink
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = stdiobridge.DiscardSink
	}
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	errc := make(chan error, 2)
	return &Orchestrator{
		region: region,
		mbox:   mbox,
		source: source,
		stdout: newSinkQueue(ctx, "stdout", stdout, errc),
		stderr: newSinkQueue(ctx, "stderr", stderr, errc),
		inputs: make(chan inputResult, 1),
		errc:   errc,
		log:    log,
	}
}

// Run services messages until the execution context posts a terminal
// message, which is returned. It returns an error if ctx is done, if a
// callback fails, or on a protocol violation. Messages drained before Run
// was called are passed as backlog and handled first.
func (o *Orchestrator) Run(ctx context.Context, backlog ...worker.Message) (worker.Message, error) {
	for _, msg := range backlog {
		if msg.Kind.Terminal() {
			return msg, nil
		}
		if err := o.Dispatch(ctx, msg); err != nil {
			return worker.Message{}, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return worker.Message{}, errors.Canceled(errors.PhaseRun, ctx.Err())
		case err := <-o.errc:
			return worker.Message{}, err
		case r := <-o.inputs:
			if err := ctx.Err(); err != nil {
				return worker.Message{}, errors.Canceled(errors.PhaseRun, err)
			}
			if err := o.answer(r); err != nil {
				return worker.Message{}, err
			}
		case <-o.mbox.Ready():
			o.buf = o.mbox.Drain(o.buf[:0])
			for _, msg := range o.buf {
				if msg.Kind.Terminal() {
					return msg, nil
				}
				if err := o.Dispatch(ctx, msg); err != nil {
					return worker.Message{}, err
				}
			}
		}
	}
}

// Dispatch handles one non-terminal message.
func (o *Orchestrator) Dispatch(ctx context.Context, msg worker.Message) error {
	switch msg.Kind {
	case worker.KindStdinRequest:
		return o.request(ctx)
	case worker.KindStdout:
		o.stdout.push(task{b: msg.Byte, eof: msg.EOF})
		return nil
	case worker.KindStderr:
		o.stderr.push(task{b: msg.Byte, eof: msg.EOF})
		return nil
	default:
		return errors.New(errors.PhaseRun, errors.KindProtocol).
			Op("dispatch").
			Value(msg.Kind.String()).
			Detail("unexpected %s message while running", msg.Kind).
			Build()
	}
}

func (o *Orchestrator) request(ctx context.Context) error {
	if o.pending {
		o.log.Debug("input request already outstanding, ignoring re-trigger")
		return nil
	}
	switch cur := o.region.Status(); cur {
	case handoff.StatusInputRequested:
	case handoff.StatusFlush:
		return nil
	default:
		return errors.ProtocolViolation("service_input", cur, handoff.StatusInputRequested)
	}

	o.pending = true
	source := o.source
	inputs := o.inputs
	o.sources.Add(1)
	go func() {
		defer o.sources.Done()
		b, err := source(ctx)
		inputs <- inputResult{b: b, err: err}
	}()
	return nil
}

func (o *Orchestrator) answer(r inputResult) error {
	o.pending = false
	switch {
	case r.err == nil:
		return o.region.Respond(r.b)
	case stderrors.Is(r.err, io.EOF):
		return o.region.RespondEOF()
	default:
		if err := o.region.RespondEOF(); err != nil {
			o.log.Debug("respond eof after source failure", zap.Error(err))
		}
		return errors.SourceFailed(r.err)
	}
}

// Close stops both sink queues and waits for their goroutines and for an
// in-flight input source call. With deliver set every queued byte reaches
// its sink; otherwise only in-flight calls are awaited. Callbacks observe
// the context passed to New and Run, so the caller cancels it first when it
// is not delivering. It returns the first sink error observed, if any. Close
// is idempotent.
func (o *Orchestrator) Close(deliver bool) error {
	if o.closed {
		return nil
	}
	o.closed = true
	if dropped := o.stdout.pending() + o.stderr.pending(); dropped > 0 && !deliver {
		o.log.Debug("dropping undelivered output", zap.Int("bytes", dropped))
	}
	o.stdout.close(deliver)
	o.stderr.close(deliver)
	o.sources.Wait()
	select {
	case err := <-o.errc:
		return err
	default:
		return nil
	}
}

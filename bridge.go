package stdiobridge

import (
	"context"
	"io"
)

// Engine is the opaque blocking computation driven by the bridge.
//
// Run executes synchronously inside the run's execution context and returns
// the engine's exit code. Usage errors of the engine itself (bad arguments,
// bad documents) must be reported as a non-zero exit code; a non-nil error
// means the execution context faulted.
type Engine interface {
	Run(ctx context.Context, args []string, files FileSpace, stdio Stdio) (int, error)
}

// Preparer is implemented by engines that need per-run setup before the
// execution context reports ready.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, args []string, files FileSpace, stdio Stdio) (int, error)

func (f EngineFunc) Run(ctx context.Context, args []string, files FileSpace, stdio Stdio) (int, error) {
	return f(ctx, args, files, stdio)
}

// Stdio is the console an engine sees.
//
// ReadByte blocks the calling execution context until the orchestrator
// supplies a byte or end of input (io.EOF). Writes never block.
type Stdio interface {
	io.ByteReader

	WriteStdout(b byte)
	WriteStderr(b byte)
	// CloseStdout and CloseStderr deliver the end-of-stream marker.
	CloseStdout()
	CloseStderr()

	// Stdin, Stdout and Stderr are io views over the same byte routines.
	Stdin() io.Reader
	Stdout() io.WriteCloser
	Stderr() io.WriteCloser
}

// FileSpace is the engine's private file space. Names are virtual paths,
// relative to Root.
type FileSpace interface {
	Root() string
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// Invocation is the immutable snapshot shipped to the execution context once.
type Invocation struct {
	Args        []string
	InputFiles  map[string][]byte
	OutputPaths []string
}

// Result is the outcome of a completed run.
type Result struct {
	// OutputFiles holds one entry per requested path the engine produced.
	OutputFiles map[string][]byte
	ExitCode    int
}

// InputSource supplies stdin one byte per call. It returns io.EOF at end of
// input. Calls never overlap within one run. A call must return once ctx is
// done.
type InputSource func(ctx context.Context) (byte, error)

// Sink receives one output byte per call, or the end-of-stream marker when
// eof is true. Calls for one stream never overlap and arrive in production
// order. A completed run ends each stream with exactly one end marker. A call
// must return once ctx is done.
type Sink func(ctx context.Context, b byte, eof bool) error

// Options describe one run.
type Options struct {
	InputFiles  map[string][]byte
	Stdin       InputSource
	Stdout      Sink
	Stderr      Sink
	Args        []string
	OutputPaths []string
}

// Invocation returns the run parameters with nil fields replaced by empty
// values.
func (o Options) Invocation() Invocation {
	inv := Invocation{
		Args:        o.Args,
		InputFiles:  o.InputFiles,
		OutputPaths: o.OutputPaths,
	}
	if inv.Args == nil {
		inv.Args = []string{}
	}
	if inv.InputFiles == nil {
		inv.InputFiles = map[string][]byte{}
	}
	if inv.OutputPaths == nil {
		inv.OutputPaths = []string{}
	}
	return inv
}

// Package stdiobridge drives a blocking, byte-at-a-time engine from an
// asynchronous Go caller.
//
// The engine (typically a WASI command module such as a Ghostscript build)
// performs its own synchronous console I/O: it asks for one input byte at a
// time and emits one output byte at a time. The bridge runs the engine in its
// own execution context and lets the caller feed stdin from any source, on
// any schedule, while stdout and stderr bytes are delivered back as they are
// produced.
//
// # Architecture Overview
//
//	stdiobridge/        Root package with Engine, Stdio, sources and sinks
//	├── handoff/        Shared handoff region: status word + one-byte slot
//	├── worker/         Execution context: blocking adapter, mailbox, host
//	├── orchestrator/   Services stdin requests and per-stream sink queues
//	├── supervisor/     Run lifecycle, handshake, cancellation, teardown
//	├── runtime/        High-level API over a compiled WASM engine
//	├── engine/         wazero-backed WASI engine
//	├── vfs/            Per-run virtual file space
//	├── config/         YAML configuration
//	├── server/         WebSocket front end
//	└── errors/         Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.Options{WASM: wasmBytes})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	res, err := rt.Run(ctx, stdiobridge.Options{
//	    Args:        []string{"-dNOPAUSE", "-dBATCH", "-sDEVICE=png16m", "-sOutputFile=out.png", "-"},
//	    Stdin:       stdiobridge.BytesSource(postscript),
//	    OutputPaths: []string{"out.png"},
//	    Stdout:      stdiobridge.WriterSink(os.Stdout),
//	})
//
// # Concurrency
//
// Each run owns its own execution context, handoff region and adapter, so
// any number of runs may proceed concurrently against one Runtime. Within a
// run, stdin bytes are served strictly in request order and each output
// stream is delivered to its sink in production order. No ordering is
// guaranteed between stdout and stderr.
//
// # Cancellation
//
// Cancel the context passed to Run. A run canceled before it starts never
// creates an execution context. A run canceled while the engine is blocked
// reading stdin is unblocked with end of input, torn down, and rejected with
// an error for which errors.IsCanceled reports true.
package stdiobridge

// Package engine runs a compiled WebAssembly command as a bridge engine.
//
// WASI compiles a WASI preview1 module (for example an interpreter built
// with emscripten in standalone mode) once and instantiates it per run. Each
// instance sees:
//
//	argv       ProgramName followed by the run's arguments
//	stdin      the adapter's blocking byte reader
//	stdout     the adapter's stdout notifier
//	stderr     the adapter's stderr notifier
//	/          the run's private file space, mounted read-write
//
// The runtime is configured with CloseOnContextDone, so canceling a run's
// context terminates guest code at the next function boundary. A guest
// blocked inside fd_read is released by the bridge flushing its handoff
// region, not by the runtime.
//
// Exit codes passed to proc_exit are returned as ordinary results; only
// traps and instantiation failures are errors.
package engine

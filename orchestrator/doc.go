// Package orchestrator services one run's engine I/O from the caller side.
//
// The engine's stdin requests arrive as mailbox messages; the orchestrator
// re-reads the handoff region, calls the input source on its own goroutine
// and answers the region when the source resolves. At most one input request
// is outstanding at a time.
//
// Output bytes go into one FIFO per stream. Each stream is drained by its own
// goroutine, so a slow stdout sink never delays stderr and never blocks the
// engine. Within a stream, a sink call starts only after the previous one
// returned.
//
// Wakeups are event driven: the mailbox hands out a coalescing token and the
// loop drains every queued message after each token. Added latency per byte
// is one goroutine handoff.
package orchestrator

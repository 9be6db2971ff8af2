// Package worker implements the execution-context side of the bridge.
//
// A Host runs one engine on its own goroutine. The engine talks to the
// outside only through an Adapter: stdin reads go through a handoff region
// and physically block; stdout, stderr, readiness and completion are posted
// to an unbounded Mailbox that the supervisor drains.
package worker

package worker

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-stdio-bridge/handoff"
)

// Adapter is the engine-facing side of the bridge. It implements
// stdiobridge.Stdio on top of a handoff region and a mailbox.
//
// ReadByte physically blocks the calling goroutine; writes only post a
// message and return.
type Adapter struct {
	region    *handoff.Region
	mbox      *Mailbox
	violation atomic.Pointer[error]
	stdout    streamWriter
	stderr    streamWriter
}

// NewAdapter binds an adapter to one run's region and mailbox.
func NewAdapter(region *handoff.Region, mbox *Mailbox) *Adapter {
	a := &Adapter{region: region, mbox: mbox}
	a.stdout = streamWriter{a: a, kind: KindStdout}
	a.stderr = streamWriter{a: a, kind: KindStderr}
	return a
}

// ReadByte requests one stdin byte and blocks until the orchestrator
// answers. End of input, and a flushed region, return io.EOF.
func (a *Adapter) ReadByte() (byte, error) {
	ok, err := a.region.Request()
	if err != nil {
		return 0, a.fail(err)
	}
	if !ok {
		return 0, io.EOF
	}
	a.mbox.Post(Message{Kind: KindStdinRequest})

	b, ok, err := a.region.Await()
	if err != nil {
		return 0, a.fail(err)
	}
	if !ok {
		return 0, io.EOF
	}
	return b, nil
}

func (a *Adapter) WriteStdout(b byte) { a.stdout.writeByte(b) }
func (a *Adapter) WriteStderr(b byte) { a.stderr.writeByte(b) }
func (a *Adapter) CloseStdout()       { a.stdout.close() }
func (a *Adapter) CloseStderr()       { a.stderr.close() }

func (a *Adapter) Stdin() io.Reader       { return stdinReader{a} }
func (a *Adapter) Stdout() io.WriteCloser { return &a.stdout }
func (a *Adapter) Stderr() io.WriteCloser { return &a.stderr }

// Violation returns the first protocol violation seen by the adapter, if
// any. Engines may swallow read errors, so the host checks this after the
// engine returns.
func (a *Adapter) Violation() error {
	if p := a.violation.Load(); p != nil {
		return *p
	}
	return nil
}

func (a *Adapter) fail(err error) error {
	a.violation.CompareAndSwap(nil, &err)
	return err
}

// stdinReader delivers exactly one byte per Read.
type stdinReader struct {
	a *Adapter
}

func (r stdinReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := r.a.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

type streamWriter struct {
	a      *Adapter
	once   sync.Once
	kind   Kind
	closed atomic.Bool
}

func (w *streamWriter) writeByte(b byte) {
	if w.closed.Load() {
		return
	}
	w.a.mbox.Post(Message{Kind: w.kind, Byte: b})
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		w.a.mbox.Post(Message{Kind: w.kind, Byte: b})
	}
	return len(p), nil
}

func (w *streamWriter) close() {
	w.once.Do(func() {
		w.closed.Store(true)
		w.a.mbox.Post(Message{Kind: w.kind, EOF: true})
	})
}

func (w *streamWriter) Close() error {
	w.close()
	return nil
}

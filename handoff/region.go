package handoff

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

// Status is the handoff state word.
type Status int32

const (
	StatusIdle           Status = iota // no request in flight
	StatusInputRequested               // engine waits for a byte
	StatusDataReady                    // data slot holds the answer
	StatusEOF                          // end of input answered
	StatusFlush                        // forced unblock, terminal
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInputRequested:
		return "input_requested"
	case StatusDataReady:
		return "data_ready"
	case StatusEOF:
		return "eof"
	case StatusFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Region is the shared handoff region of one run: a status word and a
// one-byte data slot.
//
// The status word is both data and mutex. Each value names the side that
// may write next, and every write is a compare-and-swap along the
// transition table, so a transition outside the table fails instead of
// racing:
//
//	Idle           -> InputRequested  engine side   Request
//	InputRequested -> DataReady       orchestrator  Respond
//	InputRequested -> EOF             orchestrator  RespondEOF
//	DataReady      -> Idle            engine side   Await
//	EOF            -> Idle            engine side   Await
//	any            -> Flush           supervisor    Flush
//
// Wakeups travel on a one-token channel. The waiter re-reads the status word
// after every wake, so a stale or coalesced token can never hide a
// transition.
type Region struct {
	wake    chan struct{}
	flushed chan struct{}
	status  atomic.Int32
	data    atomic.Int32
	once    sync.Once
}

// New returns an idle region.
func New() *Region {
	return &Region{
		wake:    make(chan struct{}, 1),
		flushed: make(chan struct{}),
	}
}

// Status returns the current status word.
func (r *Region) Status() Status {
	return Status(r.status.Load())
}

// Flushed is closed once Flush has been called.
func (r *Region) Flushed() <-chan struct{} {
	return r.flushed
}

// Request moves Idle to InputRequested. It reports false, without error,
// if the region has been flushed.
func (r *Region) Request() (bool, error) {
	if r.status.CompareAndSwap(int32(StatusIdle), int32(StatusInputRequested)) {
		return true, nil
	}
	cur := r.Status()
	if cur == StatusFlush {
		return false, nil
	}
	return false, errors.ProtocolViolation("request", cur, StatusInputRequested)
}

// Respond stores b and moves InputRequested to DataReady.
func (r *Region) Respond(b byte) error {
	if cur := r.Status(); cur != StatusInputRequested {
		if cur == StatusFlush {
			return nil
		}
		return errors.ProtocolViolation("respond", cur, StatusDataReady)
	}
	// The slot is only read after the status load that observes DataReady.
	r.data.Store(int32(b))
	return r.answer("respond", StatusDataReady)
}

// RespondEOF moves InputRequested to EOF.
func (r *Region) RespondEOF() error {
	return r.answer("respond_eof", StatusEOF)
}

func (r *Region) answer(op string, to Status) error {
	if !r.status.CompareAndSwap(int32(StatusInputRequested), int32(to)) {
		cur := r.Status()
		if cur == StatusFlush {
			return nil
		}
		return errors.ProtocolViolation(op, cur, to)
	}
	r.notify()
	return nil
}

// Await blocks until the in-flight request is answered or the region is
// flushed. It returns the byte and true for DataReady, false for EOF or
// Flush. An answered request moves the region back to Idle.
//
// This is the only blocking point of the protocol.
func (r *Region) Await() (byte, bool, error) {
	for {
		switch cur := r.Status(); cur {
		case StatusInputRequested:
			select {
			case <-r.wake:
			case <-r.flushed:
			}
		case StatusDataReady:
			b := byte(r.data.Load())
			if !r.status.CompareAndSwap(int32(StatusDataReady), int32(StatusIdle)) {
				// Only Flush may race this swap.
				return 0, false, nil
			}
			return b, true, nil
		case StatusEOF:
			r.status.CompareAndSwap(int32(StatusEOF), int32(StatusIdle))
			return 0, false, nil
		case StatusFlush:
			return 0, false, nil
		default:
			return 0, false, errors.ProtocolViolation("await", cur, StatusIdle)
		}
	}
}

// Flush forces the region into the terminal Flush state and wakes any
// blocked reader. It is idempotent.
func (r *Region) Flush() {
	r.once.Do(func() {
		r.status.Store(int32(StatusFlush))
		close(r.flushed)
		r.notify()
	})
}

func (r *Region) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

package server

import (
	"context"
	"io"
	"sync"
)

// stdinQueue buffers bytes received from the client until the engine asks
// for them. Pushing never blocks the connection reader.
type stdinQueue struct {
	err    error
	notify chan struct{}
	// onWait, if set, is called with true before next blocks and with false
	// once it stops blocking.
	onWait func(waiting bool)
	buf    []byte
	mu     sync.Mutex
	closed bool
}

func newStdinQueue() *stdinQueue {
	return &stdinQueue{notify: make(chan struct{}, 1)}
}

func (q *stdinQueue) push(p []byte) {
	q.mu.Lock()
	if !q.closed {
		q.buf = append(q.buf, p...)
	}
	q.mu.Unlock()
	q.signal()
}

// close ends input. A nil err means a clean end of input.
func (q *stdinQueue) close(err error) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *stdinQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next is the run's input source.
func (q *stdinQueue) next(ctx context.Context) (byte, error) {
	waiting := false
	defer func() {
		if waiting {
			q.onWait(false)
		}
	}()
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			b := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return b, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		q.mu.Unlock()

		if !waiting && q.onWait != nil {
			waiting = true
			q.onWait(true)
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

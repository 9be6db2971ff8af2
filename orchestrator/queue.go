package orchestrator

import (
	"context"
	"sync"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
)

type task struct {
	b   byte
	eof bool
}

// sinkQueue is the pending callback queue of one output stream.
type sinkQueue struct {
	ctx    context.Context
	sink   stdiobridge.Sink
	errc   chan<- error
	wake   chan struct{}
	done   chan struct{}
	name   string
	tasks  []task
	mu     sync.Mutex
	closed bool
	failed bool
}

func newSinkQueue(ctx context.Context, name string, sink stdiobridge.Sink, errc chan<- error) *sinkQueue {
	q := &sinkQueue{
		ctx:  ctx,
		sink: sink,
		errc: errc,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		name: name,
	}
	go q.loop()
	return q
}

// push enqueues one byte or end marker. It never blocks.
func (q *sinkQueue) push(t task) {
	q.mu.Lock()
	if q.closed || q.failed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.signal()
}

func (q *sinkQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the next task, or false once the queue is closed and empty.
func (q *sinkQueue) pop() (task, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 && !q.failed {
			t := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return t, true
		}
		if q.closed || q.failed {
			q.mu.Unlock()
			return task{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *sinkQueue) loop() {
	defer close(q.done)
	for {
		t, ok := q.pop()
		if !ok {
			return
		}
		if err := q.sink(q.ctx, t.b, t.eof); err != nil {
			q.mu.Lock()
			q.failed = true
			q.tasks = nil
			q.mu.Unlock()
			select {
			case q.errc <- errors.SinkFailed(q.name, err):
			default:
			}
			return
		}
	}
}

// close stops accepting tasks and waits for the drain goroutine. With
// deliver set, every queued task is still delivered; otherwise tasks not
// yet started are dropped and only the in-flight call is awaited.
func (q *sinkQueue) close(deliver bool) {
	q.mu.Lock()
	q.closed = true
	if !deliver {
		q.tasks = nil
	}
	q.mu.Unlock()
	q.signal()
	<-q.done
}

// pending returns the number of queued, not yet started tasks.
func (q *sinkQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

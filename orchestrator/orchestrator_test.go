package orchestrator

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/handoff"
	"github.com/wippyai/wasm-stdio-bridge/worker"
)

// engineSide runs fn against an adapter on its own goroutine and posts a
// complete message when fn returns.
func engineSide(region *handoff.Region, mbox *worker.Mailbox, fn func(a *worker.Adapter)) {
	a := worker.NewAdapter(region, mbox)
	go func() {
		fn(a)
		mbox.Post(worker.Message{Kind: worker.KindComplete, Result: &stdiobridge.Result{}})
	}()
}

func runWithTimeout(t *testing.T, o *Orchestrator, ctx context.Context) (worker.Message, error) {
	t.Helper()
	type out struct {
		msg worker.Message
		err error
	}
	ch := make(chan out, 1)
	go func() {
		msg, err := o.Run(ctx)
		ch <- out{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not return")
		return worker.Message{}, nil
	}
}

func delayedSource(data []byte, delay time.Duration) stdiobridge.InputSource {
	src := stdiobridge.BytesSource(data)
	return func(ctx context.Context) (byte, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return src(ctx)
	}
}

func TestOrchestrator_InputOrder(t *testing.T) {
	data := []byte("showpage\nquit\n")
	sources := map[string]func() stdiobridge.InputSource{
		"sync":    func() stdiobridge.InputSource { return stdiobridge.BytesSource(data) },
		"delayed": func() stdiobridge.InputSource { return delayedSource(data, time.Millisecond) },
		"reader":  func() stdiobridge.InputSource { return stdiobridge.ReaderSource(bytes.NewReader(data)) },
	}

	for name, mk := range sources {
		t.Run(name, func(t *testing.T) {
			region := handoff.New()
			mbox := worker.NewMailbox()
			ctx := context.Background()

			var got []byte
			engineSide(region, mbox, func(a *worker.Adapter) {
				for {
					b, err := a.ReadByte()
					if err != nil {
						return
					}
					got = append(got, b)
				}
			})

			o := New(ctx, region, mbox, Config{Source: mk()})
			msg, err := runWithTimeout(t, o, ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if err := o.Close(true); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if msg.Kind != worker.KindComplete {
				t.Fatalf("terminal = %s", msg.Kind)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("engine read %q, want %q", got, data)
			}
		})
	}
}

func TestOrchestrator_NilSourceIsEmpty(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx := context.Background()

	var readErr error
	engineSide(region, mbox, func(a *worker.Adapter) {
		_, readErr = a.ReadByte()
	})

	o := New(ctx, region, mbox, Config{})
	if _, err := runWithTimeout(t, o, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_ = o.Close(true)
	if readErr != io.EOF {
		t.Errorf("ReadByte err = %v, want io.EOF", readErr)
	}
}

func TestOrchestrator_OutputPerStream(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	var mu sync.Mutex
	var stdoutClosed int
	slow := func(ctx context.Context, b byte, eof bool) error {
		time.Sleep(50 * time.Microsecond)
		mu.Lock()
		defer mu.Unlock()
		if eof {
			stdoutClosed++
			return nil
		}
		stdout.WriteByte(b)
		return nil
	}

	engineSide(region, mbox, func(a *worker.Adapter) {
		for i := 0; i < 200; i++ {
			a.WriteStdout(byte('a' + i%26))
			if i%3 == 0 {
				a.WriteStderr(byte('0' + i%10))
			}
		}
		a.CloseStdout()
	})

	o := New(ctx, region, mbox, Config{Stdout: slow, Stderr: stdiobridge.BufferSink(&stderr)})
	if _, err := runWithTimeout(t, o, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := o.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var wantOut, wantErr []byte
	for i := 0; i < 200; i++ {
		wantOut = append(wantOut, byte('a'+i%26))
		if i%3 == 0 {
			wantErr = append(wantErr, byte('0'+i%10))
		}
	}
	if !bytes.Equal(stdout.Bytes(), wantOut) {
		t.Errorf("stdout = %q, want %q", stdout.Bytes(), wantOut)
	}
	if !bytes.Equal(stderr.Bytes(), wantErr) {
		t.Errorf("stderr = %q, want %q", stderr.Bytes(), wantErr)
	}
	if stdoutClosed != 1 {
		t.Errorf("stdout end marker delivered %d times, want 1", stdoutClosed)
	}
}

func TestOrchestrator_SourceFailure(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx := context.Background()

	boom := stderrors.New("boom")
	engineSide(region, mbox, func(a *worker.Adapter) {
		_, _ = a.ReadByte()
	})

	o := New(ctx, region, mbox, Config{Source: func(context.Context) (byte, error) { return 0, boom }})
	_, err := runWithTimeout(t, o, ctx)
	_ = o.Close(false)

	if errors.KindOf(err) != errors.KindSource {
		t.Fatalf("err = %v, want source failure", err)
	}
	if !stderrors.Is(err, boom) {
		t.Errorf("err does not wrap the source error: %v", err)
	}
}

func TestOrchestrator_SinkFailure(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx := context.Background()

	block := make(chan struct{})
	engineSide(region, mbox, func(a *worker.Adapter) {
		a.WriteStderr('x')
		<-block
	})
	defer close(block)

	fail := func(context.Context, byte, bool) error { return io.ErrShortWrite }
	o := New(ctx, region, mbox, Config{Stderr: fail})
	_, err := runWithTimeout(t, o, ctx)
	_ = o.Close(false)

	if errors.KindOf(err) != errors.KindSink {
		t.Fatalf("err = %v, want sink failure", err)
	}
}

func TestOrchestrator_Canceled(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	never := func(ctx context.Context) (byte, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	unblocked := make(chan error, 1)
	engineSide(region, mbox, func(a *worker.Adapter) {
		_, err := a.ReadByte()
		unblocked <- err
	})

	o := New(ctx, region, mbox, Config{Source: never})
	go func() {
		for region.Status() != handoff.StatusInputRequested {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := runWithTimeout(t, o, ctx)
	if !errors.IsCanceled(err) {
		t.Fatalf("err = %v, want canceled", err)
	}

	region.Flush()
	_ = o.Close(false)
	select {
	case err := <-unblocked:
		if err != io.EOF {
			t.Errorf("blocked read returned %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked read did not return after flush")
	}
}

func TestOrchestrator_UnexpectedMessage(t *testing.T) {
	o := New(context.Background(), handoff.New(), worker.NewMailbox(), Config{})
	defer o.Close(false)

	err := o.Dispatch(context.Background(), worker.Message{Kind: worker.KindReady})
	if !errors.IsProtocol(err) {
		t.Errorf("err = %v, want protocol violation", err)
	}
}

func TestOrchestrator_RequestWithoutPendingRead(t *testing.T) {
	o := New(context.Background(), handoff.New(), worker.NewMailbox(), Config{})
	defer o.Close(false)

	err := o.Dispatch(context.Background(), worker.Message{Kind: worker.KindStdinRequest})
	if !errors.IsProtocol(err) {
		t.Errorf("err = %v, want protocol violation", err)
	}
}

func TestOrchestrator_DuplicateRequestIgnored(t *testing.T) {
	region := handoff.New()
	if ok, err := region.Request(); !ok || err != nil {
		t.Fatalf("Request = %v, %v", ok, err)
	}
	calls := 0
	release := make(chan struct{})
	src := func(ctx context.Context) (byte, error) {
		calls++
		<-release
		return 'k', nil
	}
	o := New(context.Background(), region, worker.NewMailbox(), Config{Source: src})
	defer o.Close(false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := o.Dispatch(ctx, worker.Message{Kind: worker.KindStdinRequest}); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	close(release)
	r := <-o.inputs
	if err := o.answer(r); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if calls != 1 {
		t.Errorf("source called %d times, want 1", calls)
	}
	b, ok, err := region.Await()
	if err != nil || !ok || b != 'k' {
		t.Errorf("Await = %q, %v, %v", b, ok, err)
	}
}

func TestOrchestrator_CloseDropsQueued(t *testing.T) {
	region := handoff.New()
	mbox := worker.NewMailbox()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var delivered int
	sink := func(ctx context.Context, b byte, eof bool) error {
		if delivered == 0 {
			close(started)
			<-release
		}
		delivered++
		return nil
	}
	o := New(ctx, region, mbox, Config{Stdout: sink})
	for i := 0; i < 10; i++ {
		if err := o.Dispatch(ctx, worker.Message{Kind: worker.KindStdout, Byte: 'x'}); err != nil {
			t.Fatal(err)
		}
	}
	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	if err := o.Close(false); err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Errorf("delivered %d bytes, want only the in-flight one", delivered)
	}
	if err := o.Close(false); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

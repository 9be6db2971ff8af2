package supervisor

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/errors"
	"github.com/wippyai/wasm-stdio-bridge/internal/testengine"
)

func quietArgs(extra ...string) []string {
	return append([]string{"-q", "-dSAFER", "-dBATCH"}, extra...)
}

func recordStates(states *[]State) Option {
	return OnStateChange(func(_ string, st State) {
		*states = append(*states, st)
	})
}

func TestRun_VersionScenario(t *testing.T) {
	eng := &testengine.Engine{}
	var stdout bytes.Buffer
	var stderrCalls atomic.Int64

	res, err := Run(context.Background(), eng, stdiobridge.Options{
		Args:   []string{"--version"},
		Stdout: stdiobridge.BufferSink(&stdout),
		Stderr: func(_ context.Context, _ byte, eof bool) error {
			if !eof {
				stderrCalls.Add(1)
			}
			return nil
		},
	}, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := stdout.String(); got != testengine.Version+"\n" {
		t.Errorf("stdout = %q, want %q", got, testengine.Version+"\n")
	}
	if n := stderrCalls.Load(); n != 0 {
		t.Errorf("stderr sink got %d bytes, want 0", n)
	}
}

func TestRun_TwoLineScript(t *testing.T) {
	eng := &testengine.Engine{}
	script := "newpath 72 72 moveto (Hello) show\nshowpage\n"

	res, err := Run(context.Background(), eng, stdiobridge.Options{
		Args:        quietArgs("-sDEVICE=ps2write", "-sOutputFile=out.ps", "-"),
		Stdin:       stdiobridge.BytesSource([]byte(script)),
		OutputPaths: []string{"out.ps"},
	}, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if len(res.OutputFiles["out.ps"]) == 0 {
		t.Error("out.ps is empty or missing")
	}
}

func TestRun_InputOrder(t *testing.T) {
	script := []byte("echo first line\necho second line\necho third\n")
	want := "first line\nsecond line\nthird\n"

	sources := []struct {
		name string
		src  func() stdiobridge.InputSource
	}{
		{"sync", func() stdiobridge.InputSource { return stdiobridge.BytesSource(script) }},
		{"async", func() stdiobridge.InputSource {
			src := stdiobridge.BytesSource(script)
			return func(ctx context.Context) (byte, error) {
				ch := make(chan struct{})
				var b byte
				var err error
				go func() {
					b, err = src(ctx)
					close(ch)
				}()
				<-ch
				return b, err
			}
		}},
		{"variable delay", func() stdiobridge.InputSource {
			src := stdiobridge.BytesSource(script)
			var n int
			return func(ctx context.Context) (byte, error) {
				n++
				time.Sleep(time.Duration(n%4) * 100 * time.Microsecond)
				return src(ctx)
			}
		}},
		{"reader", func() stdiobridge.InputSource { return stdiobridge.ReaderSource(bytes.NewReader(script)) }},
	}

	for _, tt := range sources {
		t.Run(tt.name, func(t *testing.T) {
			var stdout bytes.Buffer
			res, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
				Args:   quietArgs(),
				Stdin:  tt.src(),
				Stdout: stdiobridge.BufferSink(&stdout),
			}, WithTempDir(t.TempDir()))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.ExitCode != 0 {
				t.Errorf("exit code = %d", res.ExitCode)
			}
			if stdout.String() != want {
				t.Errorf("stdout = %q, want %q", stdout.String(), want)
			}
		})
	}
}

func TestRun_OutputPerStream(t *testing.T) {
	var script strings.Builder
	var wantOut, wantErr strings.Builder
	for i := 1; i <= 50; i++ {
		if i%2 == 0 {
			script.WriteString("echo out " + strings.Repeat("o", i) + "\n")
			wantOut.WriteString("out " + strings.Repeat("o", i) + "\n")
		} else {
			script.WriteString("warn err " + strings.Repeat("e", i) + "\n")
			wantErr.WriteString("err " + strings.Repeat("e", i) + "\n")
		}
	}

	var stdout, stderr bytes.Buffer
	slowErr := func(ctx context.Context, b byte, eof bool) error {
		time.Sleep(10 * time.Microsecond)
		if !eof {
			stderr.WriteByte(b)
		}
		return nil
	}
	_, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
		Args:   quietArgs(),
		Stdin:  stdiobridge.BytesSource([]byte(script.String())),
		Stdout: stdiobridge.BufferSink(&stdout),
		Stderr: slowErr,
	}, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stdout.String() != wantOut.String() {
		t.Errorf("stdout mismatch:\n got %q\nwant %q", stdout.String(), wantOut.String())
	}
	if stderr.String() != wantErr.String() {
		t.Errorf("stderr mismatch:\n got %q\nwant %q", stderr.String(), wantErr.String())
	}
}

func TestRun_MissingOutputAbsent(t *testing.T) {
	res, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
		Args:        quietArgs("-sOutputFile=out.ps", "doc.ps"),
		InputFiles:  map[string][]byte{"doc.ps": []byte("box\nshowpage\n")},
		OutputPaths: []string{"out.ps", "never.pdf", "dir/also-never.png"},
	}, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.OutputFiles) != 1 {
		t.Errorf("output files = %v, want only out.ps", keys(res.OutputFiles))
	}
	if _, ok := res.OutputFiles["out.ps"]; !ok {
		t.Error("out.ps missing")
	}
}

func TestRun_Idempotent(t *testing.T) {
	run := func() (*stdiobridge.Result, string) {
		var stdout bytes.Buffer
		res, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
			Args:        []string{"-sDEVICE=png16m", "-sOutputFile=page.png", "-"},
			Stdin:       stdiobridge.BytesSource([]byte("circle\nshowpage\nsquare\nshowpage\n")),
			Stdout:      stdiobridge.BufferSink(&stdout),
			OutputPaths: []string{"page.png"},
		}, WithTempDir(t.TempDir()))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res, stdout.String()
	}

	a, aOut := run()
	b, bOut := run()
	if a.ExitCode != b.ExitCode {
		t.Errorf("exit codes differ: %d vs %d", a.ExitCode, b.ExitCode)
	}
	if !reflect.DeepEqual(a.OutputFiles, b.OutputFiles) {
		t.Error("output files differ between identical runs")
	}
	if aOut != bOut {
		t.Errorf("stdout differs: %q vs %q", aOut, bOut)
	}
}

func TestRun_CancelBeforeStart(t *testing.T) {
	eng := &testengine.Engine{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var states []State
	s := New(eng, stdiobridge.Options{Args: []string{"--version"}}, recordStates(&states))
	res, err := s.Run(ctx)

	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if !errors.IsCanceled(err) {
		t.Fatalf("err = %v, want canceled", err)
	}
	if eng.Prepares() != 0 || eng.Runs() != 0 {
		t.Errorf("context created: prepares=%d runs=%d", eng.Prepares(), eng.Runs())
	}
	if !reflect.DeepEqual(states, []State{StateAborted}) {
		t.Errorf("states = %v, want [aborted]", states)
	}
	if s.State() != StateAborted {
		t.Errorf("State() = %s", s.State())
	}
}

func TestRun_CancelWhileReadBlocked(t *testing.T) {
	eng := &testengine.Engine{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requested := make(chan struct{})
	var once atomic.Bool
	blocking := func(ctx context.Context) (byte, error) {
		if once.CompareAndSwap(false, true) {
			close(requested)
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}

	var states []State
	s := New(eng, stdiobridge.Options{Args: quietArgs(), Stdin: blocking},
		recordStates(&states), WithTempDir(t.TempDir()))

	type out struct {
		res *stdiobridge.Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := s.Run(ctx)
		done <- out{res, err}
	}()

	select {
	case <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never requested input")
	}
	cancel()

	select {
	case r := <-done:
		if r.res != nil {
			t.Errorf("result = %+v, want nil", r.res)
		}
		if !errors.IsCanceled(r.err) {
			t.Errorf("err = %v, want canceled", r.err)
		}
		if !stderrors.Is(r.err, context.Canceled) {
			t.Errorf("err does not wrap context.Canceled: %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	want := []State{StateStarting, StateRunning, StateAborted}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestRun_EngineUsageErrorIsExitCode(t *testing.T) {
	var stderr bytes.Buffer
	res, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
		Args:   []string{"-dNOSUCHFLAG"},
		Stderr: stdiobridge.BufferSink(&stderr),
	}, WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("exit code = 0, want non-zero")
	}
	if !strings.Contains(stderr.String(), "Unrecognized switch") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRun_EngineCrashFails(t *testing.T) {
	var states []State
	s := New(&testengine.Engine{}, stdiobridge.Options{
		Args:  quietArgs(),
		Stdin: stdiobridge.BytesSource([]byte("crash\n")),
	}, recordStates(&states), WithTempDir(t.TempDir()))

	_, err := s.Run(context.Background())
	if !errors.IsFault(err) {
		t.Fatalf("err = %v, want context fault", err)
	}
	var e *errors.Error
	if !stderrors.As(err, &e) || e.RunID != s.ID() {
		t.Errorf("error not stamped with run id %q: %v", s.ID(), err)
	}
	if s.State() != StateFailed {
		t.Errorf("State() = %s, want failed", s.State())
	}
}

func TestRun_SourceFailure(t *testing.T) {
	boom := stderrors.New("network down")
	_, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
		Args:  quietArgs(),
		Stdin: func(context.Context) (byte, error) { return 0, boom },
	}, WithTempDir(t.TempDir()))

	if errors.KindOf(err) != errors.KindSource {
		t.Fatalf("err = %v, want source failure", err)
	}
	if !stderrors.Is(err, boom) {
		t.Errorf("err does not wrap cause: %v", err)
	}
}

func TestRun_SinkFailure(t *testing.T) {
	_, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
		Args:   []string{"--version"},
		Stdout: func(context.Context, byte, bool) error { return io.ErrClosedPipe },
	}, WithTempDir(t.TempDir()))

	if errors.KindOf(err) != errors.KindSink {
		t.Fatalf("err = %v, want sink failure", err)
	}
}

// streamEnds records every call a sink receives.
type streamEnds struct {
	mu    sync.Mutex
	calls []bool
}

func (e *streamEnds) sink(_ context.Context, _ byte, eof bool) error {
	e.mu.Lock()
	e.calls = append(e.calls, eof)
	e.mu.Unlock()
	return nil
}

func (e *streamEnds) check(t *testing.T, name string) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	ends := 0
	for _, eof := range e.calls {
		if eof {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("%s: %d end markers, want 1", name, ends)
	}
	if n := len(e.calls); n == 0 || !e.calls[n-1] {
		t.Errorf("%s: last call is not the end marker", name)
	}
}

func TestRun_StreamsEndWithMarker(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		script string
	}{
		{"version", []string{"--version"}, ""},
		{"both streams", quietArgs(), "echo hello\nwarn oops\n"},
		{"silent", quietArgs(), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr streamEnds
			_, err := Run(context.Background(), &testengine.Engine{}, stdiobridge.Options{
				Args:   tt.args,
				Stdin:  stdiobridge.BytesSource([]byte(tt.script)),
				Stdout: stdout.sink,
				Stderr: stderr.sink,
			}, WithTempDir(t.TempDir()))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			stdout.check(t, "stdout")
			stderr.check(t, "stderr")
		})
	}
}

// writeThenRead writes one stdout byte and then blocks for input.
var writeThenRead = stdiobridge.EngineFunc(func(_ context.Context, _ []string, _ stdiobridge.FileSpace, stdio stdiobridge.Stdio) (int, error) {
	stdio.WriteStdout('x')
	_, _ = stdio.ReadByte()
	return 0, nil
})

func runWithin(t *testing.T, d time.Duration, opts stdiobridge.Options) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), writeThenRead, opts, WithTempDir(t.TempDir()))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatal("run did not return")
		return nil
	}
}

func TestRun_FailureStopsBlockedSink(t *testing.T) {
	err := runWithin(t, 3*time.Second, stdiobridge.Options{
		Stdin: func(context.Context) (byte, error) { return 0, stderrors.New("boom") },
		Stdout: func(ctx context.Context, _ byte, _ bool) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if errors.KindOf(err) != errors.KindSource {
		t.Errorf("err = %v, want source failure", err)
	}
}

func TestRun_FailureAwaitsBlockedSource(t *testing.T) {
	started := make(chan struct{})
	var returned atomic.Bool
	err := runWithin(t, 3*time.Second, stdiobridge.Options{
		Stdin: func(ctx context.Context) (byte, error) {
			defer returned.Store(true)
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		},
		Stdout: func(context.Context, byte, bool) error {
			<-started
			return io.ErrClosedPipe
		},
	})
	if errors.KindOf(err) != errors.KindSink {
		t.Errorf("err = %v, want sink failure", err)
	}
	if !returned.Load() {
		t.Error("run returned while the input source was still running")
	}
}

type failingPrepare struct{ testengine.Engine }

func (*failingPrepare) Prepare(context.Context) error {
	return stderrors.New("compile failed")
}

func TestRun_PrepareFailure(t *testing.T) {
	var states []State
	_, err := Run(context.Background(), &failingPrepare{}, stdiobridge.Options{},
		recordStates(&states), WithTempDir(t.TempDir()))

	if errors.KindOf(err) != errors.KindInstantiation {
		t.Fatalf("err = %v, want instantiation", err)
	}
	want := []State{StateStarting, StateFailed}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSupervisor_SingleUse(t *testing.T) {
	s := New(&testengine.Engine{}, stdiobridge.Options{Args: []string{"--version"}}, WithTempDir(t.TempDir()))
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := s.Run(context.Background()); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("second Run err = %v, want invalid input", err)
	}
}

func TestSupervisor_RunID(t *testing.T) {
	a := New(&testengine.Engine{}, stdiobridge.Options{})
	b := New(&testengine.Engine{}, stdiobridge.Options{})
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("run ids not unique: %q %q", a.ID(), b.ID())
	}
	c := New(&testengine.Engine{}, stdiobridge.Options{}, WithRunID("job-7"))
	if c.ID() != "job-7" {
		t.Errorf("ID() = %q", c.ID())
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		StateCreated:   "created",
		StateStarting:  "starting",
		StateRunning:   "running",
		StateCompleted: "completed",
		StateAborted:   "aborted",
		StateFailed:    "failed",
		State(42):      "unknown",
	} {
		if st.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", st, st.String(), want)
		}
	}
	if StateRunning.Terminal() || !StateFailed.Terminal() {
		t.Error("Terminal() wrong")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

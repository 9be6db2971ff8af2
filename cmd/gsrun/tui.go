package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
	"github.com/wippyai/wasm-stdio-bridge/runtime"
	"github.com/wippyai/wasm-stdio-bridge/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// inputLines is stdin for a TUI run: lines typed by the user, served one
// byte at a time.
type inputLines struct {
	lines   chan []byte
	pending []byte
	once    sync.Once
}

func newInputLines() *inputLines {
	return &inputLines{lines: make(chan []byte, 256)}
}

// push queues a line. It reports false when the queue is full. push and
// close are called from the UI goroutine only.
func (in *inputLines) push(line []byte) bool {
	select {
	case in.lines <- line:
		return true
	default:
		return false
	}
}

func (in *inputLines) close() {
	in.once.Do(func() { close(in.lines) })
}

func (in *inputLines) next(ctx context.Context) (byte, error) {
	for len(in.pending) == 0 {
		select {
		case line, ok := <-in.lines:
			if !ok {
				return 0, io.EOF
			}
			in.pending = line
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	b := in.pending[0]
	in.pending = in.pending[1:]
	return b, nil
}

type outputMsg struct {
	b      byte
	stderr bool
}

type stateMsg supervisor.State

type doneMsg struct {
	err    error
	result *stdiobridge.Result
}

type segment struct {
	text strings.Builder
	kind int
}

const (
	segStdout = iota
	segStderr
	segInput
)

type tuiModel struct {
	err      error
	result   *stdiobridge.Result
	input    *inputLines
	cancel   context.CancelFunc
	segments []*segment
	state    supervisor.State
	viewport viewport.Model
	prompt   textinput.Model
	ready    bool
	done     bool
	eof      bool
	dropped  bool
}

func newTUIModel(input *inputLines, cancel context.CancelFunc) *tuiModel {
	ti := textinput.New()
	ti.Placeholder = "type a line for the engine"
	ti.Prompt = "> "
	ti.Focus()
	return &tuiModel{
		input:    input,
		cancel:   cancel,
		prompt:   ti,
		viewport: viewport.New(80, 20),
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.prompt.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "enter":
			if m.done {
				return m, tea.Quit
			}
			m.send()
			return m, nil
		case "ctrl+d":
			if !m.eof {
				m.eof = true
				m.input.close()
			}
			return m, nil
		case "esc":
			if m.done {
				return m, tea.Quit
			}
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case outputMsg:
		kind := segStdout
		if msg.stderr {
			kind = segStderr
		}
		m.append(kind, string(msg.b))
		return m, nil

	case stateMsg:
		m.state = supervisor.State(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		m.prompt.Blur()
		return m, nil
	}

	if m.done {
		return m, nil
	}
	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

// send queues the prompt's line as engine input and echoes it.
func (m *tuiModel) send() {
	if m.eof {
		return
	}
	line := m.prompt.Value() + "\n"
	if !m.input.push([]byte(line)) {
		m.dropped = true
		return
	}
	m.dropped = false
	m.prompt.SetValue("")
	m.append(segInput, line)
}

func (m *tuiModel) append(kind int, s string) {
	if n := len(m.segments); n == 0 || m.segments[n-1].kind != kind {
		m.segments = append(m.segments, &segment{kind: kind})
	}
	m.segments[len(m.segments)-1].text.WriteString(s)
	m.refresh()
}

func (m *tuiModel) refresh() {
	m.viewport.SetContent(m.content())
	m.viewport.GotoBottom()
}

func (m *tuiModel) content() string {
	var b strings.Builder
	for _, s := range m.segments {
		switch s.kind {
		case segStderr:
			b.WriteString(errorStyle.Render(s.text.String()))
		case segInput:
			b.WriteString(inputStyle.Render(s.text.String()))
		default:
			b.WriteString(s.text.String())
		}
	}
	return b.String()
}

func (m *tuiModel) status() string {
	switch {
	case m.done && m.err != nil:
		return errorStyle.Render(fmt.Sprintf("failed: %v", m.err))
	case m.done:
		return resultStyle.Render(fmt.Sprintf("exit code %d", m.result.ExitCode))
	case m.dropped:
		return errorStyle.Render("input queue full")
	case m.eof:
		return m.state.String() + " (stdin closed)"
	default:
		return m.state.String()
	}
}

func (m *tuiModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("gsrun"))
	b.WriteString(" ")
	b.WriteString(m.status())
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.content())
	}
	b.WriteString("\n")
	if m.done {
		b.WriteString(helpStyle.Render("enter/esc quit"))
	} else {
		b.WriteString(m.prompt.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter send line • ctrl+d end input • pgup/pgdown scroll • ctrl+c abort"))
	}
	return b.String()
}

// programSink forwards each output byte to the program as an outputMsg.
func programSink(p *tea.Program, stderr bool) stdiobridge.Sink {
	return func(_ context.Context, b byte, eof bool) error {
		if !eof {
			p.Send(outputMsg{b: b, stderr: stderr})
		}
		return nil
	}
}

// runTUI runs the engine behind an interactive terminal UI. Quitting the UI
// before the run finishes cancels it.
func runTUI(ctx context.Context, rt *runtime.Runtime, run stdiobridge.Options) (*stdiobridge.Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil, usageError{fmt.Errorf("--tui needs an interactive terminal")}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input := newInputLines()
	p := tea.NewProgram(newTUIModel(input, cancel), tea.WithAltScreen())
	run.Stdin = input.next
	run.Stdout = programSink(p, false)
	run.Stderr = programSink(p, true)

	results := make(chan doneMsg, 1)
	go func() {
		res, err := rt.Run(ctx, run, supervisor.OnStateChange(func(_ string, st supervisor.State) {
			p.Send(stateMsg(st))
		}))
		d := doneMsg{result: res, err: err}
		results <- d
		p.Send(d)
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-results
		return nil, err
	}
	cancel()
	d := <-results
	return d.result, d.err
}

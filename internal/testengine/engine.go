// Package testengine provides a small scripted engine for exercising the
// bridge without a compiled WASM module.
//
// It mimics the console behavior of a PostScript interpreter closely enough
// for end-to-end tests: it answers --version, reads a line-oriented script
// from input files or stdin, and writes pages to -sOutputFile.
//
// Script lines:
//
//	echo TEXT    write TEXT and a newline to stdout
//	warn TEXT    write TEXT and a newline to stderr
//	showpage     emit the current page to the output file
//	exit N       stop with exit code N
//	quit         stop with exit code 0
//	crash        panic inside the engine
//	error        report an interpreter error, exit code 1
//
// Any other non-empty line is drawn onto the current page.
package testengine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
)

// Version is printed by --version.
const Version = "10.05.1"

// Engine is the scripted engine. The zero value is ready to use.
type Engine struct {
	prepares atomic.Int64
	runs     atomic.Int64
}

var (
	_ stdiobridge.Engine   = (*Engine)(nil)
	_ stdiobridge.Preparer = (*Engine)(nil)
)

// Prepare counts context creations.
func (e *Engine) Prepare(ctx context.Context) error {
	e.prepares.Add(1)
	return ctx.Err()
}

// Prepares returns how many execution contexts prepared this engine.
func (e *Engine) Prepares() int64 { return e.prepares.Load() }

// Runs returns how many times Run was entered.
func (e *Engine) Runs() int64 { return e.runs.Load() }

type options struct {
	device  string
	output  string
	inputs  []string
	quiet   bool
	stdin   bool
	version bool
}

// parseArgs returns the options and the first unrecognized switch, if any.
func parseArgs(args []string) (options, string) {
	var o options
	for _, a := range args {
		switch {
		case a == "--version":
			o.version = true
		case a == "-q" || a == "-dQUIET":
			o.quiet = true
		case a == "-dBATCH" || a == "-dNOPAUSE" || a == "-dSAFER":
		case a == "-":
			o.stdin = true
		case strings.HasPrefix(a, "-sDEVICE="):
			o.device = strings.TrimPrefix(a, "-sDEVICE=")
		case strings.HasPrefix(a, "-sOutputFile="):
			o.output = strings.TrimPrefix(a, "-sOutputFile=")
		case strings.HasPrefix(a, "-o") && len(a) > 2:
			o.output = a[2:]
		case strings.HasPrefix(a, "-"):
			return o, a
		default:
			o.inputs = append(o.inputs, a)
		}
	}
	if len(o.inputs) == 0 {
		o.stdin = true
	}
	return o, ""
}

// Run interprets the invocation.
func (e *Engine) Run(ctx context.Context, args []string, files stdiobridge.FileSpace, stdio stdiobridge.Stdio) (int, error) {
	e.runs.Add(1)

	opts, bad := parseArgs(args)
	if bad != "" {
		fmt.Fprintf(stdio.Stderr(), "Unrecognized switch: %s\n", bad)
		return 1, nil
	}
	if opts.version {
		fmt.Fprintln(stdio.Stdout(), Version)
		return 0, nil
	}

	in := &interp{stdout: stdio.Stdout(), stderr: stdio.Stderr()}
	if !opts.quiet {
		fmt.Fprintf(stdio.Stdout(), "Interpreter %s\n", Version)
	}

	for _, name := range opts.inputs {
		data, err := files.ReadFile(name)
		if err != nil {
			fmt.Fprintf(stdio.Stderr(), "Error: /undefinedfilename in (%s)\n", name)
			return 1, nil
		}
		if done, code := in.exec(ctx, strings.NewReader(string(data))); done {
			return e.finish(in, opts, files, code)
		}
	}
	code := 0
	if opts.stdin {
		_, code = in.exec(ctx, stdio.Stdin())
	}
	return e.finish(in, opts, files, code)
}

func (e *Engine) finish(in *interp, opts options, files stdiobridge.FileSpace, code int) (int, error) {
	if code != 0 || opts.output == "" || len(in.pages) == 0 {
		return code, nil
	}
	var b strings.Builder
	switch opts.device {
	case "png16m", "pngalpha":
		b.WriteString("\x89PNG\r\n\x1a\n")
	default:
		b.WriteString("%!PS-Adobe-3.0\n")
	}
	for i, p := range in.pages {
		fmt.Fprintf(&b, "%%%%Page: %d %d\n%s", i+1, i+1, p)
	}
	b.WriteString("%%EOF\n")
	if err := files.WriteFile(opts.output, []byte(b.String())); err != nil {
		return 1, nil
	}
	return 0, nil
}

type interp struct {
	stdout io.Writer
	stderr io.Writer
	page   strings.Builder
	pages  []string
}

// exec runs script lines from r. It reports whether the script stopped
// explicitly, and the exit code.
func (in *interp) exec(ctx context.Context, r io.Reader) (bool, int) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return true, 1
		}
		line := strings.TrimSpace(sc.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "echo":
			fmt.Fprintln(in.stdout, arg)
		case "warn":
			fmt.Fprintln(in.stderr, arg)
		case "showpage":
			in.pages = append(in.pages, in.page.String())
			in.page.Reset()
		case "quit":
			return true, 0
		case "exit":
			n, err := strconv.Atoi(arg)
			if err != nil {
				n = 1
			}
			return true, n
		case "crash":
			panic("testengine: crash requested")
		case "error":
			fmt.Fprintln(in.stderr, "Error: /undefined in --error--")
			return true, 1
		default:
			in.page.WriteString(line)
			in.page.WriteByte('\n')
		}
	}
	return false, 0
}

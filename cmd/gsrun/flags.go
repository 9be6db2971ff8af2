package main

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

const usage = `Usage: gsrun [flags] [--] engine-args... [-- file-specs...]

Runs the engine once with engine-args. File specs after a second "--":
  -i, --input  host[:vm]   stage a host file into the run (vm defaults to host)
  -o, --output vm[:host]   copy a produced file out (host defaults to vm)

Flags:
`

type cliFlags struct {
	config      string
	wasm        string
	programName string
	cacheDir    string
	logLevel    string
	tempDir     string
	timeout     time.Duration
	memoryPages uint32
	verbose     bool
	tui         bool
	noStdin     bool
	threads     bool
}

type inputSpec struct {
	host string
	vm   string
}

type outputSpec struct {
	vm   string
	host string
}

type invocation struct {
	flags   cliFlags
	args    []string
	inputs  []inputSpec
	outputs []outputSpec
}

// parseArgs parses the command line (without argv[0]). Flag parsing stops at
// the first positional argument or "--"; everything after belongs to the
// engine, up to a second "--" that opens the file specs.
func parseArgs(argv []string, cwd string, stderr io.Writer) (*invocation, error) {
	var f cliFlags
	fs := flag.NewFlagSet("gsrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	fs.StringVarP(&f.config, "config", "c", "", "YAML config file")
	fs.StringVar(&f.wasm, "wasm", "", "engine command module (overrides config)")
	fs.StringVar(&f.programName, "program-name", "", "argv[0] passed to the engine")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "compilation cache directory")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.tempDir, "temp-dir", "", "parent directory of per-run file spaces")
	fs.DurationVarP(&f.timeout, "timeout", "t", 0, "abort the run after this long (0 = no limit)")
	fs.Uint32Var(&f.memoryPages, "memory-pages", 0, "memory limit in 64KB pages (0 = engine default)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log to stderr at debug level")
	fs.BoolVar(&f.tui, "tui", false, "interactive terminal UI")
	fs.BoolVar(&f.noStdin, "no-stdin", false, "give the engine an empty stdin")
	fs.BoolVar(&f.threads, "threads", false, "enable the threads proposal")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if f.timeout < 0 {
		return nil, fmt.Errorf("--timeout must not be negative")
	}

	rest := fs.Args()
	inv := &invocation{flags: f}
	sep := slices.Index(rest, "--")
	if sep < 0 {
		inv.args = rest
		return inv, nil
	}
	inv.args = rest[:sep]

	inputs, outputs, err := parseFileSpecs(rest[sep+1:], cwd)
	if err != nil {
		return nil, err
	}
	inv.inputs = inputs
	inv.outputs = outputs
	return inv, nil
}

// parseFileSpecs reads flag/spec pairs. Both spec forms split at the last
// colon.
func parseFileSpecs(specs []string, cwd string) ([]inputSpec, []outputSpec, error) {
	var inputs []inputSpec
	var outputs []outputSpec
	for i := 0; i < len(specs); i += 2 {
		if i+1 >= len(specs) || specs[i+1] == "" {
			return nil, nil, fmt.Errorf("file spec %d: missing value after %q", i, specs[i])
		}
		spec := specs[i+1]
		switch specs[i] {
		case "-i", "--input":
			in, err := parseInput(spec, cwd)
			if err != nil {
				return nil, nil, err
			}
			inputs = append(inputs, in)
		case "-o", "--output":
			outputs = append(outputs, parseOutput(spec, cwd))
		default:
			return nil, nil, fmt.Errorf("invalid file flag %q: must be -i, --input, -o or --output", specs[i])
		}
	}
	return inputs, outputs, nil
}

func parseInput(spec, cwd string) (inputSpec, error) {
	if i := strings.LastIndex(spec, ":"); i >= 0 && !isDrive(spec, i) {
		return inputSpec{host: spec[:i], vm: spec[i+1:]}, nil
	}
	abs := spec
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, abs)
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil {
		return inputSpec{}, fmt.Errorf("input %q: %w", spec, err)
	}
	return inputSpec{host: spec, vm: filepath.ToSlash(filepath.Clean(rel))}, nil
}

func parseOutput(spec, cwd string) outputSpec {
	if i := strings.LastIndex(spec, ":"); i >= 0 && !isDrive(spec, i) {
		return outputSpec{vm: spec[:i], host: spec[i+1:]}
	}
	host := spec
	if !filepath.IsAbs(host) {
		host = filepath.Join(cwd, host)
	}
	return outputSpec{vm: spec, host: host}
}

// isDrive reports whether the colon at i is a Windows drive separator.
func isDrive(spec string, i int) bool {
	return filepath.VolumeName(spec) != "" && i == len(filepath.VolumeName(spec))-1
}

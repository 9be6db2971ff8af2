package main

import (
	stderrors "errors"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/wippyai/wasm-stdio-bridge/errors"
)

// Exit codes used when the engine did not produce one.
// A completed run exits with the engine's own exit code instead.
const (
	ExitSuccess  = 0   // help requested
	ExitGeneral  = 1   // unexpected error
	ExitUsage    = 2   // invalid flags, config or file specs
	ExitIO       = 3   // file not found, permission denied
	ExitBridge   = 4   // engine fault, protocol violation, callback failure
	ExitCanceled = 130 // interrupted
)

// exitCodeFor maps a bridge or CLI error to a process exit code.
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if stderrors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	if stderrors.Is(err, os.ErrNotExist) || stderrors.Is(err, os.ErrPermission) {
		return ExitIO
	}

	switch errors.KindOf(err) {
	case errors.KindCanceled:
		return ExitCanceled
	case errors.KindInvalidInput, errors.KindInvalidData:
		return ExitUsage
	case errors.KindNotFound:
		return ExitIO
	case errors.KindContextFault, errors.KindProtocol, errors.KindSource,
		errors.KindSink, errors.KindInstantiation:
		return ExitBridge
	}

	var u usageError
	if stderrors.As(err, &u) {
		return ExitUsage
	}
	return ExitGeneral
}

// usageError marks command-line mistakes.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

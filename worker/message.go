package worker

import (
	stdiobridge "github.com/wippyai/wasm-stdio-bridge"
)

// Kind identifies a message posted by the execution context.
type Kind uint8

const (
	KindReady        Kind = iota + 1 // context initialised, waiting for start
	KindStdinRequest                 // engine blocked in ReadByte
	KindStdout                       // one stdout byte or close marker
	KindStderr                       // one stderr byte or close marker
	KindComplete                     // engine exited, Result set (terminal)
	KindFault                        // context failed, Err set (terminal)
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindStdinRequest:
		return "stdin-request"
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	case KindComplete:
		return "complete"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends the run.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindFault
}

// Message is one context-to-supervisor message.
type Message struct {
	Err    error
	Result *stdiobridge.Result
	Kind   Kind
	Byte   byte
	EOF    bool
}

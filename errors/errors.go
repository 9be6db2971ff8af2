package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in a run the error occurred
type Phase string

const (
	PhaseLoad      Phase = "load"      // engine compilation
	PhaseConfig    Phase = "config"    // configuration parsing
	PhaseStart     Phase = "start"     // context creation
	PhaseHandshake Phase = "handshake" // ready/start exchange
	PhaseRun       Phase = "run"       // engine running, bytes flowing
	PhaseStage     Phase = "stage"     // input files into the file space
	PhaseCollect   Phase = "collect"   // output files out of the file space
	PhaseTeardown  Phase = "teardown"  // flush and release
)

// Kind categorizes the error
type Kind string

const (
	KindCanceled      Kind = "canceled"
	KindContextFault  Kind = "context_fault"
	KindProtocol      Kind = "protocol_violation"
	KindSource        Kind = "source_failed"
	KindSink          Kind = "sink_failed"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidData   Kind = "invalid_data"
	KindNotFound      Kind = "not_found"
	KindInstantiation Kind = "instantiation"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	RunID  string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, ", "))
	}

	if e.RunID != "" {
		b.WriteString(" (run ")
		b.WriteString(e.RunID)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target with an empty
// Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Run sets the run identifier
func (b *Builder) Run(id string) *Builder {
	b.err.RunID = id
	return b
}

// Path sets the virtual paths involved
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Kind-only sentinels for errors.Is.
var (
	ErrCanceled     = &Error{Kind: KindCanceled}
	ErrContextFault = &Error{Kind: KindContextFault}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrSource       = &Error{Kind: KindSource}
	ErrSink         = &Error{Kind: KindSink}
)

// Canceled creates a cancellation error. cause is usually ctx.Err().
func Canceled(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCanceled,
		Detail: "run canceled",
		Cause:  cause,
	}
}

// ContextFault creates an error for an execution context that ended
// outside the normal completion message.
func ContextFault(cause error) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindContextFault,
		Detail: "execution context fault",
		Cause:  cause,
	}
}

// ProtocolViolation creates an error for a status transition outside the
// handoff table.
func ProtocolViolation(op string, from, to fmt.Stringer) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindProtocol,
		Op:     op,
		Detail: fmt.Sprintf("illegal transition %s -> %s", from, to),
		Value:  from,
	}
}

// SourceFailed wraps an input source error other than end of input.
func SourceFailed(cause error) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindSource,
		Detail: "input source failed",
		Cause:  cause,
	}
}

// SinkFailed wraps an output sink error.
func SinkFailed(stream string, cause error) *Error {
	return &Error{
		Phase:  PhaseRun,
		Kind:   KindSink,
		Op:     stream,
		Detail: "output sink failed",
		Cause:  cause,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseStart,
		Kind:   KindInstantiation,
		Detail: "instantiate engine",
		Cause:  cause,
	}
}

// Load creates an engine loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCanceled reports whether err is a cancellation-kind error.
func IsCanceled(err error) bool {
	return stderrors.Is(err, ErrCanceled)
}

// IsFault reports whether err is an execution context fault.
func IsFault(err error) bool {
	return stderrors.Is(err, ErrContextFault)
}

// IsProtocol reports whether err is a protocol violation.
func IsProtocol(err error) bool {
	return stderrors.Is(err, ErrProtocol)
}

// WithRun stamps a run ID on err if it is an *Error without one.
func WithRun(err error, id string) error {
	var e *Error
	if stderrors.As(err, &e) && e.RunID == "" {
		e.RunID = id
	}
	return err
}

// Package errors provides structured error types for the stdio bridge.
//
// Errors are categorized by Phase (where in a run the error occurred) and
// Kind (error category). Cancellation, execution context faults and protocol
// violations are distinct kinds so callers can tell a user-triggered abort
// from a crashed engine or a concurrency defect.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseStage, errors.KindInvalidInput).
//		Path("../secret").
//		Detail("path escapes the file space").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Canceled(errors.PhaseRun, ctx.Err())
//	err := errors.ContextFault(recovered)
//
// All errors implement the standard error interface and support errors.Is/As.
// A target with an empty Phase matches on Kind alone, so
// errors.Is(err, errors.ErrCanceled) works regardless of phase.
package errors

// Package handoff implements the shared handoff region between a blocking
// engine and the asynchronous orchestrator that feeds it.
//
// A Region carries exactly one in-flight stdin request: the engine side
// calls Request then Await, the orchestrator answers with Respond or
// RespondEOF, and the supervisor calls Flush during teardown so a blocked
// Await can never hang. Transitions outside the table documented on Region
// return an error of kind errors.KindProtocol.
package handoff

// Package work defines the unit of work the server hands to an agent.
//
// # Overview
//
// A [Work] value is a tagged union with three variants:
//
//   - [*BuildWork]: a real job. It carries an immutable [BuildAssignment]
//     with everything the agent needs to run the job without calling back to
//     the server, other than console streaming and status reporting.
//   - [NoWork]: nothing eligible right now; stay idle.
//   - [DenyWork]: the agent must not build (disabled agent, job cancelled
//     upstream).
//
// # Builders
//
// A job is an ordered list of [Builder] steps. Each step is itself tagged
// ([BuilderExec] or [BuilderNull]) and carries a run-if condition plus an
// optional on-cancel step. Execution is a switch on the kind.
//
// # Cancellation
//
// Every [BuildWork] owns a [Token]. [BuildWork.Cancel] fires the token and
// is safe to call from any goroutine, any number of times. [BuildWork.Do]
// passes the token to each step and checks it before every step; exec steps
// also watch it while the subprocess runs and terminate the process when it
// fires. Cancelling before Do starts makes Do return [ResultCancelled]
// without running anything.
//
// # Wire form
//
// [Envelope] is the serializable shape of a Work value. [ToEnvelope] and
// [FromEnvelope] convert between the two.
package work

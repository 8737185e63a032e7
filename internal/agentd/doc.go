// Package agentd runs the agent side of the work-dispatch protocol.
//
// An Agent dials the server, pings with its runtime info, stores the cookie
// the server hands out and re-registers when told to. Every heartbeat is a
// ping carrying the runtime info, so an idle agent is offered work on each
// tick. Assigned builds run on a worker goroutine, separate from the read
// loop, so a cancelBuild is seen while builders are running.
//
// When a build finishes the agent hashes its artifacts, sends the checksum
// record with reportCompleting, uploads the files over HTTP and finally
// sends reportCompleted. A checksum mismatch on upload fails the build.
//
// Connection loss is retried with exponential backoff capped at MaxBackoff.
package agentd

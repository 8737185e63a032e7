// Package dispatch implements the server side of job assignment.
//
// A Coordinator keeps the pending queue ordered by priority then arrival.
// Selecting a job and marking the agent Building happen in one critical
// section guarded by the coordinator mutex; the registry lock is always taken
// after it. Persistence runs once the lock is released, and a failed
// conditional claim in the store is a dispatch race: the assignment is
// discarded, the agent goes back to Idle and the job is requeued.
//
// Cancel is idempotent and works for pending and in-flight jobs alike. Sweep
// declares silent agents lost, fails the jobs they held, and evicts agents
// that stay silent. MonitorConsole warns about, and then cancels, jobs that
// produce no console output.
package dispatch

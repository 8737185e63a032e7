// Package agent tracks the build agents known to the server and the runtime
// state machine each of them moves through.
//
// # Overview
//
// The agent package owns the identity and registration record for every
// agent, the live connection used to push messages to it, and the
// Idle/Building/Cancelled/LostContact state machine.
//
// # State machine
//
//	Idle --assign(job)--> Building(job)
//	Building(job) --complete--> Idle
//	Building(job) --cancel(job)--> Cancelled(job)
//	Cancelled(job) --complete--> Idle
//	any --silence timeout--> LostContact
//	LostContact --register--> Idle
//
// Assigning to a non-idle agent returns [ErrProtocolViolation]. A cancel for
// any job other than the one being built is a no-op, which also makes a
// duplicate cancel harmless.
//
// # Registry
//
// The [Registry] is created by the server and passed to whoever needs it:
//
//	reg := agent.NewRegistry(logger)
//
// Key operations:
//
//   - Register(info, cookie, now): fresh registration, state reset to Idle
//   - Heard(info, now): heartbeat; fails with ErrAgentLost for lost agents
//   - Update(uuid, fn): mutate one entry under the registry lock
//   - Attach/Detach(uuid, conn): bind or drop the live connection
//   - Snapshot(): copies of every entry
//
// State changes other than registration go through the dispatch
// coordinator, which calls Update while holding its own lock so that
// select-and-mark stays atomic.
//
// # Connection
//
// [Connection] wraps the write half of a transport stream. Sends are
// serialized, so messages to one agent are delivered in order.
package agent

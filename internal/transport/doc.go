// Package transport connects agents to the dispatch coordinator.
//
// A Session owns one Stream. It reads one message at a time and dispatches
// by action:
//
//	ping                 heartbeat and registration handshake
//	reportCurrentStatus  job progress
//	reportCompleting     artifacts published, checksum record attached
//	reportCompleted      final result, then the agent is offered new work
//	consoleOut           console lines for the running job
//
// The handshake follows the cookie: a ping without a cookie registers the
// agent and is answered with setCookie; a cookie the server does not accept
// is answered with reregister; a valid cookie is a heartbeat, and an idle
// agent is offered work. Server writes go through the agent's Connection so
// the coordinator's cancelBuild messages and the session's replies share
// one FIFO.
//
// Two adapters provide Streams: a bidirectional gRPC stream using the binary
// codec (hand-written service descriptor, no generated code), and a
// websocket using the JSON codec. DialGRPC and DialWebsocket are the agent
// side of the same adapters.
package transport

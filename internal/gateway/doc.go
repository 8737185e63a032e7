// Package gateway runs the gantry server.
//
// A Gateway owns the job store, the dispatch coordinator, the agent
// registry, the console log and the artifact receiver, and exposes them on
// two listeners: a gRPC server carrying the AgentRemote stream and an HTTP
// server with the websocket transport, the artifact routes and the operator
// API. With tailscale enabled both listen on the tailnet instead of TCP.
//
// # HTTP API
//
//	GET  /health                      liveness
//	GET  /health/ready                503 until an agent is connected
//	GET  /agent/ws                    agent websocket stream
//	GET  /api/agents                  registered agents
//	POST /api/agents/{uuid}/enable    allow assignments
//	POST /api/agents/{uuid}/disable   stop assignments
//	POST /api/jobs                    schedule a job plan
//	GET  /api/jobs?state=...          list jobs
//	GET  /api/jobs/{id}               one job
//	POST /api/jobs/{id}/cancel        cancel a job
//	GET  /api/jobs/{id}/console       console text
//	GET  /api/jobs/{id}/checksums     checksum manifest
//	GET  /api/events?topic=...        server-sent event feed
//	GET  /api/events/history          persisted events
//	PUT  /api/checksums/{id}          agent manifest upload
//	PUT  /api/artifacts/{id}/*        agent artifact upload
//	GET  /api/artifacts/{id}/*        artifact download
//
// Run also drives the liveness sweep and console monitor on the configured
// sweep interval. When a build completes the coordinator calls back into
// the gateway to record checksum warnings and drop publication state; a
// build with a checksum mismatch cannot pass.
package gateway

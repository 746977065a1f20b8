// Package gateway implements a session-multiplexing HTTP transport: a single
// endpoint over which many independent, stateful protocol sessions are
// created, resumed, streamed, and torn down. It mounts as a standard
// net/http handler and keeps protocol semantics behind the engine package's
// collaborator contracts.
//
// Responsibilities
//   - Origin gating (allowlist + loopback rule) before any session lookup
//   - Session creation & routing keyed by the Mcp-Session-Id header
//   - Long-lived server-to-client streams (Server-Sent Events) on GET
//   - Session termination on DELETE and on stream write failure
//   - Listener acquisition with port retry (see internal/netbind)
//
// Request classification
//
//	POST, no session id, initialize body  -> create session, id in response header
//	POST, session id, ordinary body       -> route to that session's engine
//	POST, no session id, ordinary body    -> 400 (caller contract violation)
//	POST, session id, initialize body     -> close old session, create new
//	GET, session id                       -> attach stream, held open
//	DELETE, session id                    -> terminate session, 204
//	any verb, unknown session id          -> 404
//
// Construction
//
//	srv, err := gateway.NewServer(cfg, factory,
//	    gateway.WithServerLogger(log),
//	)
//	err = srv.Run(ctx) // binds, serves, drains sessions on cancel
//
// The handler can also be mounted directly via NewHandler for embedding in
// an existing server.
//
// # Error Handling
//
// Transport-level rejections (origin denied, missing/unknown session) are
// minimal JSON bodies with the HTTP status; engine failures on a correlated
// request are serialized as protocol error responses. Startup bind
// exhaustion is fatal and surfaces from Run.
package gateway

// Package engine defines the collaborator contracts between the transport
// gateway and the per-session protocol engine.
//
// The gateway is deliberately ignorant of protocol semantics. It creates one
// engine per session through a Factory, forwards opaque messages to the
// engine's Handle method, and attaches long-lived outbound streams. The
// engine, in turn, signals readiness and closure back to the gateway through
// observer registrations (OnReady, OnClose) rather than shared mutable
// state, so registration ordering is structural: a session can only be
// registered after the engine reported ready, and any close path funnels
// through the single OnClose callback.
package engine

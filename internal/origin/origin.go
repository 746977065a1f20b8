// Package origin implements the gateway's origin gate: the per-request
// decision of whether an inbound Origin may reach session routing, plus the
// CORS response headers to attach when it may. Guards against DNS rebinding
// by requiring browser-originated requests to match a configured allowlist.
package origin

import (
	"net"
	"net/http"
)

const (
	allowedMethods = "POST, GET, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, Accept, Authorization, Mcp-Session-Id, Last-Event-ID, Mcp-Protocol-Version"
	exposedHeaders = "Mcp-Session-Id"
)

// Decision is the transient, per-request outcome of the gate.
type Decision struct {
	Allowed bool
	// Headers are the CORS headers to attach to the response. Empty when
	// the request is denied or carried no Origin.
	Headers http.Header
}

// Gate evaluates request origins against a fixed allowlist. Construct once
// at startup; Check is safe for concurrent use.
type Gate struct {
	allowed      map[string]struct{}
	loopbackOnly bool
}

// NewGate builds a gate from the configured allowlist. loopbackOnly must be
// true iff the gateway listens exclusively on loopback addresses; it relaxes
// the gate for non-browser local clients that send no Origin at all.
func NewGate(allowlist []string, loopbackOnly bool) *Gate {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, o := range allowlist {
		allowed[o] = struct{}{}
	}
	return &Gate{allowed: allowed, loopbackOnly: loopbackOnly}
}

// Check decides whether a request with the given Origin header value may
// proceed. The empty string means the header was absent.
func (g *Gate) Check(requestOrigin string) Decision {
	if requestOrigin == "" || requestOrigin == "null" {
		// Same-origin, non-browser, or opaque-origin request. Only safe to
		// admit when nothing off-host can reach us.
		if g.loopbackOnly {
			return Decision{Allowed: true}
		}
		return Decision{}
	}

	if _, ok := g.allowed[requestOrigin]; !ok {
		return Decision{}
	}

	h := make(http.Header, 6)
	h.Set("Access-Control-Allow-Origin", requestOrigin)
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
	h.Set("Access-Control-Expose-Headers", exposedHeaders)
	h.Set("Access-Control-Allow-Credentials", "true")
	return Decision{Allowed: true, Headers: h}
}

// IsLoopbackHost reports whether host names a loopback interface. Used at
// startup to decide whether origin-less requests are admissible.
func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

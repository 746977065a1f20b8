package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrEngineClosed is returned by Handle and AttachStream once the engine has
// been closed through any path.
var ErrEngineClosed = errors.New("engine closed")

// Event is a single server-to-client message on an outbound stream. ID is an
// engine-assigned, monotonically comparable identifier used for resume
// (Last-Event-ID); it may be empty when the engine does not support replay.
type Event struct {
	ID   string
	Data []byte
}

// Stream is a long-lived outbound message channel for one session.
type Stream interface {
	// Events yields server-initiated messages. The channel is closed when
	// the session closes or the stream is detached.
	Events() <-chan Event

	// Close detaches the stream without closing the session. Safe to call
	// more than once.
	Close()
}

// Handle is the gateway's exclusively-owned reference to one live protocol
// engine instance. Implementations must be safe for concurrent use: a POST
// forwarding a message may race a GET attaching a stream.
type Handle interface {
	// OnReady registers the callback invoked exactly once, with the session
	// id the engine accepted, when the engine is ready to be routed to. The
	// gateway registers the session only from inside this callback.
	OnReady(fn func(sessionID string))

	// OnClose registers the callback invoked exactly once when the engine
	// shuts down, whatever triggered it (explicit Close, transport error,
	// or an engine-internal failure).
	OnClose(fn func())

	// Handle processes one inbound protocol message and returns the reply,
	// or nil when the message does not warrant one (a notification).
	Handle(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)

	// AttachStream opens a new outbound stream, optionally resuming after
	// lastEventID. The stream ends when the session closes.
	AttachStream(ctx context.Context, lastEventID string) (Stream, error)

	// Close tears the engine down. Idempotent. The OnClose callback fires
	// even when teardown itself returns an error.
	Close(ctx context.Context) error
}

// Factory produces one isolated engine instance per session. The session id
// is generated by the gateway and handed to the engine at creation; the
// engine echoes it back through OnReady once it can accept traffic.
type Factory interface {
	Create(ctx context.Context, sessionID string) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, sessionID string) (Handle, error)

func (f FactoryFunc) Create(ctx context.Context, sessionID string) (Handle, error) {
	return f(ctx, sessionID)
}

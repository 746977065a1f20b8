// Package sessioncore implements the session lifecycle: creating an engine
// and issuing an id on initialize, routing messages and streams to existing
// sessions, and converging every close path onto a single idempotent
// registry removal.
package sessioncore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/streamgate/engine"
	"github.com/streamgate/streamgate/internal/registry"
)

var (
	// ErrUnknownSession reports a session id that was never issued or has
	// already been terminated. Terminated ids are never resurrected.
	ErrUnknownSession = errors.New("unknown session")

	// ErrEngineCreation reports that the engine factory or the engine's
	// handling of the initialize message failed; nothing was registered.
	ErrEngineCreation = errors.New("engine creation failed")
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithIDGenerator overrides session id generation (tests).
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller owns session creation, routing, and teardown against an
// injected registry and engine factory.
type Controller struct {
	reg     *registry.Registry
	factory engine.Factory
	log     *slog.Logger
	newID   func() string
}

func NewController(reg *registry.Registry, factory engine.Factory, opts ...Option) *Controller {
	c := &Controller{
		reg:     reg,
		factory: factory,
		log:     slog.New(slog.DiscardHandler),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the controller's session store (read paths only).
func (c *Controller) Registry() *registry.Registry { return c.reg }

// readyResult carries the registration outcome from the engine's ready
// callback back to the initializing request.
type readyResult struct {
	sess *registry.Session
	err  error
}

// Initialize creates a brand-new session: a fresh server-generated id, a new
// engine instance, and a registry entry written only from inside the
// engine's ready callback. The initialize message is forwarded to the engine
// and its reply returned. On any failure the engine is closed best-effort
// and nothing remains registered.
func (c *Controller) Initialize(ctx context.Context, msg json.RawMessage) (*registry.Session, json.RawMessage, error) {
	id := c.newID()

	h, err := c.factory.Create(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEngineCreation, err)
	}

	readyCh := make(chan readyResult, 1)

	// The mutex orders the ready and close callbacks: a close observed
	// before ready suppresses registration entirely; a close observed after
	// ready removes exactly the id that was registered.
	var (
		mu     sync.Mutex
		sessID string
		closed bool
	)

	h.OnClose(func() {
		mu.Lock()
		closed = true
		id := sessID
		mu.Unlock()
		if id == "" {
			return
		}
		if c.reg.Delete(id) {
			c.log.Info("session.close.deregistered", slog.String("session_id", id))
		}
	})

	h.OnReady(func(readyID string) {
		mu.Lock()
		if closed {
			mu.Unlock()
			readyCh <- readyResult{err: fmt.Errorf("%w: engine closed before ready", ErrEngineCreation)}
			return
		}
		sess := &registry.Session{ID: readyID, Engine: h, CreatedAt: time.Now()}
		err := c.reg.Put(sess)
		if err == nil {
			sessID = readyID
		}
		mu.Unlock()
		if err != nil {
			readyCh <- readyResult{err: err}
			return
		}
		readyCh <- readyResult{sess: sess}
	})

	resp, err := h.Handle(ctx, msg)
	if err != nil {
		c.closeEngine(ctx, h, id)
		return nil, nil, fmt.Errorf("%w: %v", ErrEngineCreation, err)
	}

	select {
	case res := <-readyCh:
		if res.err != nil {
			c.closeEngine(ctx, h, id)
			return nil, nil, res.err
		}
		c.log.Info("session.initialize.ok", slog.String("session_id", res.sess.ID))
		return res.sess, resp, nil
	case <-ctx.Done():
		c.closeEngine(ctx, h, id)
		return nil, nil, ctx.Err()
	}
}

// Message forwards one inbound message to the engine owning the session.
func (c *Controller) Message(ctx context.Context, sessionID string, msg json.RawMessage) (json.RawMessage, error) {
	sess, ok := c.reg.Get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess.Engine.Handle(ctx, msg)
}

// OpenStream attaches a new outbound stream to the session's engine,
// optionally resuming after lastEventID. The caller owns the stream and must
// call ReleaseStream when it ends.
func (c *Controller) OpenStream(ctx context.Context, sessionID string, lastEventID string) (*registry.Session, engine.Stream, error) {
	sess, ok := c.reg.Get(sessionID)
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	stream, err := sess.Engine.AttachStream(ctx, lastEventID)
	if err != nil {
		return nil, nil, err
	}
	sess.SetStreamOpen(true)
	return sess, stream, nil
}

// ReleaseStream records that the session's long-lived stream has ended.
func (c *Controller) ReleaseStream(sess *registry.Session) {
	sess.SetStreamOpen(false)
}

// Terminate closes the session's engine, which triggers the close callback's
// registry removal. Teardown failures are logged and swallowed; the registry
// entry is removed regardless.
func (c *Controller) Terminate(ctx context.Context, sessionID string) error {
	sess, ok := c.reg.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if err := sess.Engine.Close(ctx); err != nil {
		c.log.Warn("session.terminate.engine.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	// The close callback has normally already removed the entry; this is
	// the guaranteed-bookkeeping backstop.
	c.reg.Delete(sessionID)
	return nil
}

// Shutdown terminates every registered session, leaving the registry empty.
// Engine teardown is best-effort.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, sess := range c.reg.Drain() {
		if err := sess.Engine.Close(ctx); err != nil {
			c.log.Warn("session.shutdown.engine.fail", slog.String("session_id", sess.ID), slog.String("err", err.Error()))
		}
	}
}

func (c *Controller) closeEngine(ctx context.Context, h engine.Handle, id string) {
	if err := h.Close(ctx); err != nil {
		c.log.Warn("session.create.cleanup.fail", slog.String("session_id", id), slog.String("err", err.Error()))
	}
}

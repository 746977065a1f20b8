// Package echoengine is an in-memory reference implementation of the engine
// contracts. Requests are answered by echoing their params back; inbound
// notifications are fanned out to every attached stream, which makes the
// package useful both as a runnable demo backend and as the test double for
// the gateway's streaming paths.
package echoengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/streamgate/streamgate/engine"
	"github.com/streamgate/streamgate/internal/jsonrpc"
)

// streamBuffer is the per-stream event buffer. Events beyond it are dropped
// for lagging consumers; the backlog remains replayable via Last-Event-ID.
const streamBuffer = 64

// NewFactory returns a factory producing one isolated echo engine per
// session.
func NewFactory() engine.Factory {
	return engine.FactoryFunc(func(ctx context.Context, sessionID string) (engine.Handle, error) {
		return &Engine{
			sessionID: sessionID,
			streams:   make(map[*stream]struct{}),
		}, nil
	})
}

type event struct {
	id   string
	data []byte
}

// Engine is one session's echo protocol instance.
type Engine struct {
	sessionID string
	counter   atomic.Int64

	mu      sync.Mutex
	readyFn func(sessionID string)
	closeFn func()
	ready   bool
	closed  bool
	backlog []event
	streams map[*stream]struct{}
}

var _ engine.Handle = (*Engine)(nil)

func (e *Engine) OnReady(fn func(sessionID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyFn = fn
}

func (e *Engine) OnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFn = fn
}

func (e *Engine) Handle(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	m, err := jsonrpc.Parse(msg)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, engine.ErrEngineClosed
	}

	if m.IsInitialize() {
		var readyFn func(string)
		if !e.ready {
			e.ready = true
			readyFn = e.readyFn
		}
		e.mu.Unlock()
		if readyFn != nil {
			readyFn(e.sessionID)
		}
		return marshalResult(m.ID, map[string]any{
			"protocolVersion": "2025-06-18",
			"serverInfo":      map[string]string{"name": "streamgate-echo", "version": "0.1.0"},
			"capabilities":    map[string]any{},
		})
	}

	if m.IsNotification() {
		// Server-push exercise: notifications are broadcast to every
		// attached stream.
		e.publishLocked(msg)
		e.mu.Unlock()
		return nil, nil
	}
	e.mu.Unlock()

	if m.Method == "" {
		// A response from the client; nothing to reply with.
		return nil, nil
	}

	params := m.Params
	if params == nil {
		params = json.RawMessage(`null`)
	}
	return marshalResult(m.ID, map[string]any{
		"method": m.Method,
		"echo":   params,
	})
}

// publishLocked appends to the backlog and fans out. Caller holds e.mu.
func (e *Engine) publishLocked(data []byte) {
	ev := event{
		id:   strconv.FormatInt(e.counter.Add(1), 10),
		data: append([]byte(nil), data...),
	}
	e.backlog = append(e.backlog, ev)
	for s := range e.streams {
		s.send(ev)
	}
}

func (e *Engine) AttachStream(ctx context.Context, lastEventID string) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrEngineClosed
	}

	var replay []event
	if lastEventID != "" {
		found := false
		for i := range e.backlog {
			if e.backlog[i].id == lastEventID {
				replay = e.backlog[i+1:]
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("last event id %s not found", lastEventID)
		}
	}

	s := &stream{
		engine: e,
		ch:     make(chan engine.Event, streamBuffer),
	}
	for _, ev := range replay {
		s.send(ev)
	}
	e.streams[s] = struct{}{}
	return s, nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closeFn := e.closeFn
	streams := make([]*stream, 0, len(e.streams))
	for s := range e.streams {
		streams = append(streams, s)
	}
	e.streams = make(map[*stream]struct{})
	e.mu.Unlock()

	for _, s := range streams {
		s.end()
	}
	if closeFn != nil {
		closeFn()
	}
	return nil
}

func marshalResult(id *jsonrpc.RequestID, result any) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return json.Marshal(&jsonrpc.Response{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Result:         raw,
		ID:             id,
	})
}

// stream is one attached outbound channel.
type stream struct {
	engine *Engine
	ch     chan engine.Event
	once   sync.Once
}

var _ engine.Stream = (*stream)(nil)

func (s *stream) Events() <-chan engine.Event { return s.ch }

// send enqueues without blocking; a full buffer drops the event for this
// stream only.
func (s *stream) send(ev event) {
	select {
	case s.ch <- engine.Event{ID: ev.id, Data: ev.data}:
	default:
	}
}

// end is the engine-side close of the stream.
func (s *stream) end() {
	s.once.Do(func() { close(s.ch) })
}

// Close detaches the stream from the engine.
func (s *stream) Close() {
	e := s.engine
	e.mu.Lock()
	delete(e.streams, s)
	e.mu.Unlock()
	s.end()
}

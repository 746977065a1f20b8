package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/streamgate/streamgate/internal/jsonrpc"
	"github.com/streamgate/streamgate/internal/logctx"
	"github.com/streamgate/streamgate/internal/origin"
	"github.com/streamgate/streamgate/internal/sessioncore"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	preflightMaxAge = "600"
)

// writeJSONError emits a minimal JSON body for transport-level rejections
// made before (or instead of) a protocol message exchange. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = slog.New(logctx.Handler{Handler: log.Handler()}) }
}

// WithMetrics attaches Prometheus instrumentation to the handler.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// Handler is the session-multiplexing HTTP endpoint: one path reachable via
// POST (initialize or send), GET (stream-subscribe), DELETE (terminate), and
// OPTIONS (preflight). The origin gate runs on every request before any
// session lookup.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	gate    *origin.Gate
	ctrl    *sessioncore.Controller
	metrics *Metrics
}

// NewHandler builds the endpoint handler. endpointPath is the single path
// the gateway serves (e.g. "/mcp").
func NewHandler(endpointPath string, gate *origin.Gate, ctrl *sessioncore.Controller, opts ...HandlerOption) *Handler {
	h := &Handler{
		log:  slog.New(slog.DiscardHandler),
		gate: gate,
		ctrl: ctrl,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpointPath), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpointPath), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpointPath), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", endpointPath), h.handleOptions)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	// Origin gating happens before routing: a disallowed origin must never
	// reach session lookup, preflight included.
	dec := h.gate.Check(r.Header.Get("Origin"))
	if !dec.Allowed {
		h.log.InfoContext(ctx, "origin.denied", slog.String("origin", r.Header.Get("Origin")))
		h.count(r.Method, http.StatusForbidden)
		writeJSONError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	for k, vs := range dec.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	sw := &statusWriter{ResponseWriter: w}
	h.mux.ServeHTTP(sw, r)
	h.count(r.Method, sw.status())
}

// lockedWriteFlusher serializes concurrent writes/flushes on a streaming
// response and drops them once ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handlePost classifies the body (initialize vs other) and either creates a
// new session or routes the message to an existing one.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch arrays are not supported on this transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	msg, err := jsonrpc.Parse(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: msg.Method, ID: msg.ID.String()})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		if !msg.IsInitialize() {
			// Caller contract violation: a non-initialize message needs the
			// session id it belongs to.
			writeJSONError(w, http.StatusBadRequest, "missing session id")
			h.log.InfoContext(ctx, "session.id.missing")
			return
		}
		h.initializeSession(ctx, w, raw, start)
		return
	}

	if msg.IsInitialize() {
		// A retried or duplicated initialize against a live session id.
		// Recover by closing the old session and creating a fresh one.
		if _, ok := h.ctrl.Registry().Get(sessID); !ok {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
		h.log.WarnContext(ctx, "session.initialize.duplicate")
		if err := h.ctrl.Terminate(ctx, sessID); err != nil && !errors.Is(err, sessioncore.ErrUnknownSession) {
			writeJSONError(w, http.StatusInternalServerError, "failed to replace session")
			h.log.ErrorContext(ctx, "session.replace.fail", slog.String("err", err.Error()))
			return
		}
		h.initializeSession(ctx, w, raw, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	resp, err := h.ctrl.Message(ctx, sessID, raw)
	if err != nil {
		if errors.Is(err, sessioncore.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		h.writeEngineError(w, msg.ID)
		return
	}

	if resp == nil {
		// Notification or client response: nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.inbound.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(resp, '\n')); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// initializeSession creates a brand-new session and replies with its id in
// the response header.
func (h *Handler) initializeSession(ctx context.Context, w http.ResponseWriter, raw json.RawMessage, start time.Time) {
	sess, resp, err := h.ctrl.Initialize(ctx, raw)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID})
	if h.metrics != nil {
		h.metrics.SessionsCreated.Inc()
	}

	w.Header().Set(sessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if resp != nil {
		if _, err := w.Write(append(resp, '\n')); err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet attaches a long-lived server-to-client event stream to an
// existing session. The request blocks for the stream's lifetime; no
// registry lock is held while streaming.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	sess, stream, err := h.ctrl.OpenStream(ctx, sessID, r.Header.Get(lastEventIDHeader))
	if err != nil {
		if errors.Is(err, sessioncore.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to attach stream")
		h.log.WarnContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer h.ctrl.ReleaseStream(sess)
	defer stream.Close()

	if h.metrics != nil {
		h.metrics.OpenStreams.Inc()
		defer h.metrics.OpenStreams.Dec()
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.client_gone", slog.Duration("dur", time.Since(start)))
			return
		case ev, open := <-stream.Events():
			if !open {
				// Engine side ended the stream (session closed).
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(wf, ev.ID, ev.Data); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				// A dead stream means a dead session: tear it down so the
				// id cannot linger half-alive.
				if terr := h.ctrl.Terminate(context.WithoutCancel(ctx), sessID); terr != nil && !errors.Is(terr, sessioncore.ErrUnknownSession) {
					h.log.WarnContext(ctx, "session.terminate.fail", slog.String("err", terr.Error()))
				}
				return
			}
		}
	}
}

// handleDelete terminates an existing session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.ctrl.Terminate(ctx, sessID); err != nil {
		if errors.Is(err, sessioncore.ErrUnknownSession) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to terminate session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleOptions answers CORS preflight. The allow headers were already set
// by the origin gate in ServeHTTP.
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError emits a protocol-shaped internal error correlated to the
// request id when one was parsed.
func (h *Handler) writeEngineError(w http.ResponseWriter, id *jsonrpc.RequestID) {
	res := jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal server error")
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(res)
}

func (h *Handler) count(method string, status int) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(method, statusClass(status)).Inc()
	}
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// statusWriter records the response status for instrumentation while
// preserving the Flusher the streaming paths rely on.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(p []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusWriter) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// Package logctx enriches slog records with request and session data carried
// in the context, so handler code logs terse event names and the correlation
// fields ride along for free.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an inner slog.Handler, attaching grouped attributes from the
// context to every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
		))
	}

	if rm, ok := ctx.Value(rpcDataKey{}).(*RPCData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rm.Method),
			slog.String("id", rm.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

type sessionDataKey struct{}

// SessionData identifies the session a request resolved to.
type SessionData struct {
	SessionID string
}

func WithSessionData(ctx context.Context, sd *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, sd)
}

type rpcDataKey struct{}

// RPCData identifies the protocol message being processed.
type RPCData struct {
	Method string
	ID     string
}

func WithRPCData(ctx context.Context, rm *RPCData) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, rm)
}

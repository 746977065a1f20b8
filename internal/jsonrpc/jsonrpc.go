// Package jsonrpc carries the thin slice of JSON-RPC 2.0 framing the
// transport gateway needs: enough to classify an inbound body (initialize
// request, other request, notification, response) and to emit structured
// error replies. Full message interpretation belongs to the session engine.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// MethodInitialize is the method name that opens a new session.
const MethodInitialize = "initialize"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeInternalError  ErrorCode = -32603
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// AnyMessage is a minimally-parsed JSON-RPC message: just the envelope
// fields, with params/result left raw for the engine.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents an outbound JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// NewErrorResponse builds an error response correlated to the given request
// id (which may be nil when no id could be parsed from the request).
func NewErrorResponse(id *RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}

// Parse decodes an inbound body into an AnyMessage, enforcing the envelope
// invariants (version marker, request XOR response shape). Batch arrays are
// rejected by the caller before Parse.
func Parse(data []byte) (*AnyMessage, error) {
	var m AnyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if m.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, m.JSONRPCVersion)
	}
	hasMethod := m.Method != ""
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if hasMethod && (hasResult || hasError) {
		return nil, fmt.Errorf("request message cannot carry result or error fields")
	}
	if !hasMethod && !hasResult && !hasError {
		return nil, fmt.Errorf("message is neither a request nor a response")
	}
	return &m, nil
}

// IsInitialize reports whether the message is an initialize request.
func (m *AnyMessage) IsInitialize() bool {
	return m.Method == MethodInitialize && !m.ID.IsNil()
}

// IsNotification reports whether the message is a request without an id,
// i.e. one that expects no reply.
func (m *AnyMessage) IsNotification() bool {
	return m.Method != "" && m.ID.IsNil()
}

// Package jsonrpc implements the subset of JSON-RPC 2.0 framing the bridge
// needs: single (non-batch) requests, responses, and the string-or-number
// request id union. Parsing is deliberately tolerant — traffic arriving over
// the legacy SSE transport is not always well formed, and the bridge prefers
// shaping a best-effort envelope over rejecting the message outright.
package jsonrpc

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is the JSON-RPC protocol version spoken on the wire.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the payload is not a valid request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeServerError is the generic server-side failure code used when a
	// downstream call fails for reasons that are not protocol violations.
	ErrorCodeServerError ErrorCode = -32000
)

// notificationPrefix marks methods that never receive a response even when an
// id is (incorrectly) present.
const notificationPrefix = "notifications/"

// Request is an inbound JSON-RPC request or notification.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request must not produce a response:
// either it carries no id, or its method is in the notifications/ namespace.
func (r *Request) IsNotification() bool {
	if r.ID.IsNil() {
		return true
	}
	return strings.HasPrefix(r.Method, notificationPrefix)
}

// Response is an outbound JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewResultResponse builds a successful response, marshaling result eagerly so
// encoding failures surface at the call site rather than during transport
// writes.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPCVersion: ProtocolVersion, Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message, Data: data},
		ID:             id,
	}
}

// ParseRequest decodes body into a Request, tolerating the two encodings seen
// in the wild: a JSON object, or a JSON string that itself contains the JSON
// object (clients that stringify twice). A nil error with an empty Method is
// possible and means the caller should treat the message as a no-op
// notification.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err == nil {
		return &req, nil
	}
	var nested string
	if err := json.Unmarshal(body, &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &req); err == nil {
			return &req, nil
		}
	}
	return nil, &Error{Code: ErrorCodeParseError, Message: "invalid JSON body"}
}

func (e *Error) Error() string {
	return e.Message
}

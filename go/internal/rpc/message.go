package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version stamped on every outgoing message.
const Version = "2.0"

// Error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrInvalidParams marks handler errors caused by bad client parameters.
var ErrInvalidParams = errors.New("invalid params")

// ParamsError is a parameter validation failure whose message is safe to
// return to the client.
type ParamsError struct {
	Message string
}

func (e *ParamsError) Error() string {
	return "invalid params: " + e.Message
}

func (e *ParamsError) Unwrap() error {
	return ErrInvalidParams
}

// InvalidParams returns a ParamsError with a formatted message.
func InvalidParams(format string, args ...any) error {
	return &ParamsError{Message: fmt.Sprintf(format, args...)}
}

// Error is the error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call is what a handler receives for one inbound message.
type Call struct {
	Method    string
	Params    json.RawMessage // always a JSON object, "{}" when absent
	SessionID string
	ID        json.RawMessage // nil for notifications
}

// IsNotification reports whether the caller expects no response.
func (c Call) IsNotification() bool {
	return len(c.ID) == 0
}

// DecodeParams unmarshals the call parameters into v. Decoding failures are
// reported as invalid params.
func (c Call) DecodeParams(v any) error {
	params := c.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &ParamsError{Message: describeDecodeError(err)}
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s must be a %s", typeErr.Field, typeErr.Type)
	}
	return "malformed params"
}

// Response is a reply to a request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult creates a success response.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError creates an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Notification is a server push. It never carries an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewNotification creates a server push message.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// IDString renders an id for logs.
func IDString(id json.RawMessage) string {
	if len(id) == 0 {
		return "null"
	}
	return string(bytes.TrimSpace(id))
}

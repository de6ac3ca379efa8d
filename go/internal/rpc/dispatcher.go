package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/CucumberKing/nye.countdown/go/internal/metrics"
)

// Handler serves one method. Returning a nil response with a nil error lets
// the dispatcher answer with an empty result.
type Handler func(ctx context.Context, call Call) (*Response, error)

// metric labels for messages that never reached a registered handler
const (
	labelMalformed = "_malformed"
	labelUnknown   = "_unknown"
)

// Dispatcher routes raw protocol frames to registered handlers.
// Handlers are registered once at startup; Register must not race Dispatch.
type Dispatcher struct {
	handlers map[string]Handler
	metrics  metrics.Collector
}

// NewDispatcher creates a dispatcher with no methods registered.
func NewDispatcher(collector metrics.Collector) *Dispatcher {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		metrics:  collector,
	}
}

// Register binds a method name to a handler, replacing any previous one.
func (d *Dispatcher) Register(method string, handler Handler) {
	if _, exists := d.handlers[method]; exists {
		log.Warn().Str("method", method).Msg("replacing rpc handler")
	}
	d.handlers[method] = handler
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	methods := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// Dispatch handles one inbound frame. It returns nil when nothing should be
// sent back, which only happens for notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, sessionID string) *Response {
	start := time.Now()

	if !gjson.ValidBytes(raw) {
		log.Debug().Str("session_id", sessionID).Msg("rpc parse error")
		d.metrics.RecordRPC(labelMalformed, CodeParseError, time.Since(start))
		return NewError(nil, CodeParseError, "Parse error")
	}

	call, err := parseCall(raw, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("invalid rpc request")
		d.metrics.RecordRPC(labelMalformed, CodeInvalidRequest, time.Since(start))
		return NewError(call.ID, CodeInvalidRequest, "Invalid request")
	}

	handler, ok := d.handlers[call.Method]
	if !ok {
		if call.IsNotification() {
			log.Debug().Str("method", call.Method).Msg("dropping notification for unknown method")
			return nil
		}
		d.metrics.RecordRPC(labelUnknown, CodeMethodNotFound, time.Since(start))
		return NewError(call.ID, CodeMethodNotFound, "Method not found: "+call.Method)
	}

	resp, err := invoke(ctx, handler, call)
	if err != nil {
		resp = d.errorResponse(call, err)
	}
	if resp == nil {
		resp = NewResult(nil, map[string]any{})
	}

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	d.metrics.RecordRPC(call.Method, code, time.Since(start))

	if call.IsNotification() {
		return nil
	}

	resp.JSONRPC = Version
	if len(resp.ID) == 0 {
		resp.ID = call.ID
	}
	return resp
}

func (d *Dispatcher) errorResponse(call Call, err error) *Response {
	var paramsErr *ParamsError
	switch {
	case errors.As(err, &paramsErr):
		return NewError(call.ID, CodeInvalidParams, paramsErr.Message)
	case errors.Is(err, ErrInvalidParams):
		return NewError(call.ID, CodeInvalidParams, "Invalid params")
	default:
		log.Error().
			Err(err).
			Str("method", call.Method).
			Str("session_id", call.SessionID).
			Str("request_id", IDString(call.ID)).
			Msg("rpc handler failed")
		return NewError(call.ID, CodeInternalError, "Internal error")
	}
}

// invoke runs the handler, converting a panic into an error.
func invoke(ctx context.Context, handler Handler, call Call) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, call)
}

// parseCall validates the envelope of a syntactically valid frame. On error,
// the returned call still carries the request id when one could be read.
func parseCall(raw []byte, sessionID string) (Call, error) {
	call := Call{SessionID: sessionID}

	envelope := gjson.ParseBytes(raw)
	if !envelope.IsObject() {
		return call, errors.New("message is not an object")
	}

	id := envelope.Get("id")
	switch id.Type {
	case gjson.String, gjson.Number:
		call.ID = json.RawMessage(id.Raw)
	case gjson.Null:
		// absent or explicit null: notification
	default:
		return call, fmt.Errorf("id must be a string or number, got %s", id.Type)
	}

	if version := envelope.Get("jsonrpc"); version.Exists() {
		if version.Type != gjson.String || version.Str != Version {
			return call, fmt.Errorf("unsupported jsonrpc version %s", version.Raw)
		}
	}

	method := envelope.Get("method")
	if method.Type != gjson.String || method.Str == "" {
		return call, errors.New("method must be a non-empty string")
	}
	call.Method = method.Str

	params := envelope.Get("params")
	switch {
	case !params.Exists():
		call.Params = json.RawMessage("{}")
	case params.IsObject():
		call.Params = json.RawMessage(params.Raw)
	default:
		return call, errors.New("params must be an object")
	}

	return call, nil
}

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// RequestMeta identifies a call inside a request event. A flow must carry ID
// and MethodRef through to its completion.
type RequestMeta struct {
	Method    string    `json:"method"`
	ID        string    `json:"id"`
	MethodRef string    `json:"methodNodeId,omitempty"`
	Deadline  time.Time `json:"deadline"`
}

// RequestEvent is what a registration emits into the flow for each call.
type RequestEvent struct {
	Payload json.RawMessage `json:"payload"`
	RPC     RequestMeta     `json:"rpc"`
}

// CompletionMeta addresses the call a completion settles.
type CompletionMeta struct {
	ID        string `json:"id"`
	MethodRef string `json:"methodNodeId,omitempty"`
}

// Completion is the flow's answer to a request event. A non-nil Error
// rejects the call, otherwise Payload becomes the result.
type Completion struct {
	RPC     CompletionMeta        `json:"rpc"`
	Payload json.RawMessage       `json:"payload,omitempty"`
	Error   *jsonrpc.JSONRPCError `json:"error,omitempty"`
}

// UnmarshalJSON accepts any value for "error". null and false mean no
// error. A string becomes the message. An object keeps an integer code, a
// string message and its data. Anything else rejects with the defaults
// Complete applies to a zero error.
func (c *Completion) UnmarshalJSON(b []byte) error {
	var raw struct {
		RPC     CompletionMeta  `json:"rpc"`
		Payload json.RawMessage `json:"payload"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Completion{RPC: raw.RPC, Payload: raw.Payload, Error: decodeError(raw.Error)}
	return nil
}

func decodeError(raw json.RawMessage) *jsonrpc.JSONRPCError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case 'n', 'f':
		// null, false
		return nil
	case '"':
		var msg string
		json.Unmarshal(raw, &msg)
		return &jsonrpc.JSONRPCError{Message: msg}
	case '{':
		var obj struct {
			Code    json.RawMessage `json:"code"`
			Message json.RawMessage `json:"message"`
			Data    any             `json:"data"`
		}
		e := &jsonrpc.JSONRPCError{}
		if json.Unmarshal(raw, &obj) != nil {
			return e
		}
		json.Unmarshal(obj.Code, &e.Code)
		json.Unmarshal(obj.Message, &e.Message)
		e.Data = obj.Data
		return e
	default:
		return &jsonrpc.JSONRPCError{}
	}
}

// Emitter delivers request events into the flow. Emit runs on the caller's
// goroutine after the call is resolvable, so a completion may arrive before
// Emit returns.
type Emitter interface {
	Emit(ctx context.Context, ev RequestEvent) error
}

// EmitterFunc adapts a function to an Emitter.
type EmitterFunc func(ctx context.Context, ev RequestEvent) error

func (f EmitterFunc) Emit(ctx context.Context, ev RequestEvent) error {
	return f(ctx, ev)
}

// DispatchResult is the result of handing a completion to the broker.
type DispatchResult int

const (
	// Settled means the completion resolved or rejected a pending call.
	Settled DispatchResult = iota + 1
	// Unknown means no pending call matched; the completion was dropped.
	Unknown
)

func (d DispatchResult) String() string {
	switch d {
	case Settled:
		return "settled"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

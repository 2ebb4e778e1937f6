package broker

import (
	"errors"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// Error codes reserved by the broker, in the JSON-RPC implementation-defined
// server error range.
const (
	CodeMethodTimeout       = -32001
	CodeHandlerUnregistered = -32002
	CodeServerClosed        = -32003
)

var (
	// ErrMethodTimeout rejects a call whose completion did not arrive before
	// its deadline.
	ErrMethodTimeout = jsonrpc.NewError(CodeMethodTimeout, "Method timeout")
	// ErrHandlerUnregistered rejects calls still pending when their method is
	// unregistered.
	ErrHandlerUnregistered = jsonrpc.NewError(CodeHandlerUnregistered, "Handler unregistered")
	// ErrServerClosed rejects calls still pending when the broker closes, and
	// any allocation attempted afterwards.
	ErrServerClosed = jsonrpc.NewError(CodeServerClosed, "Server closed")

	// ErrNotRegistered is returned by Unregister for a method the broker does
	// not serve.
	ErrNotRegistered = errors.New("broker: method not registered")

	// errEmitFailed rejects a call whose request event could not be emitted.
	errEmitFailed = jsonrpc.NewError(jsonrpc.CodeInternalError, "request emit failed")
)

package jsonrpc

import (
	"errors"
	"fmt"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrMethodExists is returned by AddMethod when the name is already taken.
var ErrMethodExists = errors.New("jsonrpc: method already registered")

// JSONRPCError is the error object of a JSON-RPC 2.0 response. Handlers
// return it (possibly wrapped) to control the code, message and data the
// caller sees.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// NewError returns a JSONRPCError without data.
func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

// AsError converts any error to a JSON-RPC error. A JSONRPCError anywhere in
// the chain keeps its code; other errors become CodeInternalError. A nil err
// gives nil.
func AsError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &JSONRPCError{
		Code:    CodeInternalError,
		Message: err.Error(),
	}
}

func methodExists(name string) error {
	return fmt.Errorf("%w: %s", ErrMethodExists, name)
}

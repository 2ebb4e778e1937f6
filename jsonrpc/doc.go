// Package jsonrpc provides a JSON-RPC 2.0 server endpoint integrated with the
// endpoint package's processor chain.
//
// It implements the JSON-RPC 2.0 specification
// (https://www.jsonrpc.org/specification) over HTTP POST.
//
// # Basic Usage
//
//	e := jsonrpc.NewEndpoint()
//	e.AddMethod("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return params, nil
//	}, jsonrpc.MethodOptions{Description: "Echoes its params."})
//	http.Handle("/rpc", endpoint.Handler(e.Endpoint))
//
// Methods can also be registered reflectively from a receiver:
//
//	type MathMethods struct{}
//
//	type AddParams struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	func (m *MathMethods) Add(ctx context.Context, params AddParams) (int, error) {
//	    return params.A + params.B, nil
//	}
//
//	e.Register("math", &MathMethods{}) // -> "math.Add"
//
// Reflective methods accept positional (array) and named (object) params.
// A `_` field with a `jsonrpc` tag overrides the method name.
//
// # Runtime registration
//
// AddMethod and RemoveMethod may be called while the endpoint serves
// traffic. MethodOptions carries a description and an optional JSON Schema;
// with ValidateSchema set, params are checked before the handler runs.
// EnableIntrospection publishes the method list as an RPC method.
//
// # Batches
//
// Members of a batch are executed concurrently (see WithBatchConcurrency).
// Responses keep request order and notifications produce no response.
//
// # Error Handling
//
// Return a *JSONRPCError (possibly wrapped) to control code, message and
// data. Any other error becomes CodeInternalError with the error text as
// message. Processor errors are HTTP errors, not JSON-RPC errors.
package jsonrpc

package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

// HandlerFunc serves one method call. params is the raw "params" member of
// the request, nil when it was absent.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// MethodOptions describes a method for introspection and optional parameter
// validation.
type MethodOptions struct {
	Description string
	// Schema is a JSON Schema document for the params member.
	Schema json.RawMessage
	// ExposeSchema publishes Schema through Methods.
	ExposeSchema bool
	// ValidateSchema rejects calls whose params do not satisfy Schema with
	// CodeInvalidParams. Absent params are validated as null.
	ValidateSchema bool
}

// MethodInfo is the public description of a registered method.
type MethodInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type method struct {
	name    string
	handler HandlerFunc
	opts    MethodOptions
	schema  *jsonschema.Schema
}

// JSONRPCEndpoint is a registry for JSON-RPC methods.
// Use endpoint.Handler(e.Endpoint, processors...) to create an http.Handler.
type JSONRPCEndpoint struct {
	mu      sync.RWMutex
	methods map[string]*method

	logger           logrus.FieldLogger
	batchConcurrency int
	maxBodyBytes     int
}

// EndpointOption configures a JSONRPCEndpoint.
type EndpointOption func(*JSONRPCEndpoint)

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(l logrus.FieldLogger) EndpointOption {
	return func(e *JSONRPCEndpoint) {
		e.logger = l
	}
}

// WithBatchConcurrency bounds how many members of one batch run at the same
// time. n <= 0 means unbounded.
func WithBatchConcurrency(n int) EndpointOption {
	return func(e *JSONRPCEndpoint) {
		e.batchConcurrency = n
	}
}

// WithMaxBodyBytes rejects request bodies larger than n bytes with 413. It
// can only tighten endpoint.DefaultBodyLimit, which applies first.
func WithMaxBodyBytes(n int) EndpointOption {
	return func(e *JSONRPCEndpoint) {
		e.maxBodyBytes = n
	}
}

// NewEndpoint creates a new JSON-RPC method registry.
func NewEndpoint(opts ...EndpointOption) *JSONRPCEndpoint {
	e := &JSONRPCEndpoint{
		methods:          make(map[string]*method),
		logger:           logrus.StandardLogger(),
		batchConcurrency: 16,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddMethod registers h under name. It fails with ErrMethodExists if the
// name is taken, or if opts.ValidateSchema is set and the schema does not
// compile.
func (e *JSONRPCEndpoint) AddMethod(name string, h HandlerFunc, opts MethodOptions) error {
	if name == "" {
		return fmt.Errorf("jsonrpc: empty method name")
	}
	if h == nil {
		return fmt.Errorf("jsonrpc: nil handler for %s", name)
	}
	m := &method{name: name, handler: h, opts: opts}
	if opts.ValidateSchema && len(opts.Schema) > 0 {
		s, err := jsonschema.CompileString(name+".schema.json", string(opts.Schema))
		if err != nil {
			return fmt.Errorf("jsonrpc: schema for %s: %w", name, err)
		}
		m.schema = s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.methods[name]; exists {
		return methodExists(name)
	}
	e.methods[name] = m
	return nil
}

// RemoveMethod unregisters name and reports whether it was registered.
func (e *JSONRPCEndpoint) RemoveMethod(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.methods[name]; !ok {
		return false
	}
	delete(e.methods, name)
	return true
}

// Methods lists registered methods sorted by name.
func (e *JSONRPCEndpoint) Methods() []MethodInfo {
	e.mu.RLock()
	out := make([]MethodInfo, 0, len(e.methods))
	for _, m := range e.methods {
		info := MethodInfo{Name: m.name, Description: m.opts.Description}
		if m.opts.ExposeSchema {
			info.Schema = m.opts.Schema
		}
		out = append(out, info)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnableIntrospection registers a method under name that returns Methods().
func (e *JSONRPCEndpoint) EnableIntrospection(name string) error {
	return e.AddMethod(name, func(context.Context, json.RawMessage) (any, error) {
		return e.Methods(), nil
	}, MethodOptions{Description: "Lists the methods served by this endpoint."})
}

func (e *JSONRPCEndpoint) invokeMethod(ctx context.Context, name string, params json.RawMessage) (result any, err error) {
	e.mu.RLock()
	m, ok := e.methods[name]
	e.mu.RUnlock()

	if !ok {
		return nil, NewError(CodeMethodNotFound, "method not found: "+name)
	}
	if m.schema != nil {
		if err := validateParams(m.schema, params); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{"method": name, "panic": r}).Error("jsonrpc: handler panic")
			result, err = nil, NewError(CodeInternalError, "internal error")
		}
	}()
	return m.handler(ctx, params)
}

func validateParams(s *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return NewError(CodeInvalidParams, "invalid params")
	}
	if err := s.Validate(v); err != nil {
		return &JSONRPCError{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

// rpcMethod holds reflection data for a method registered through Register.
type rpcMethod struct {
	receiver    reflect.Value
	method      reflect.Method
	paramType   reflect.Type
	paramNames  []string // JSON tag names for validation and named params
	paramFields []int    // Field indices for positional params unmarshaling
	methodName  string
}

func (m *rpcMethod) call(ctx context.Context, params json.RawMessage) (any, error) {
	if params == nil {
		params = json.RawMessage("null")
	}
	param := reflect.New(m.paramType)

	var paramList []json.RawMessage
	if err := json.Unmarshal(params, &paramList); err == nil && paramList != nil {
		// Positional params map to struct fields by declaration order.
		if len(paramList) != len(m.paramFields) {
			return nil, NewError(CodeInvalidParams, "invalid number of params")
		}
		for i, rawElem := range paramList {
			field := param.Elem().Field(m.paramFields[i])
			if err := json.Unmarshal(rawElem, field.Addr().Interface()); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid params")
			}
		}
	} else {
		if err := json.Unmarshal(params, param.Interface()); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid params")
		}
		var paramMap map[string]json.RawMessage
		if err := json.Unmarshal(params, &paramMap); err == nil {
			for _, name := range m.paramNames {
				if _, ok := paramMap[name]; !ok {
					return nil, NewError(CodeInvalidParams, "missing param: "+name)
				}
			}
		}
	}

	results := m.method.Func.Call([]reflect.Value{m.receiver, reflect.ValueOf(ctx), param.Elem()})
	var retErr error
	if !results[1].IsNil() {
		retErr = results[1].Interface().(error)
	}
	return results[0].Interface(), retErr
}

// Register adds methods from a receiver struct to the endpoint.
// The namespace prefixes all method names (e.g., "math" + "Add" -> "math.Add").
// Only exported methods with the signature
//
//	func(ctx context.Context, params <StructType>) (result, error)
//
// are registered. Register panics on a name collision.
func (e *JSONRPCEndpoint) Register(namespace string, receiver any) {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	for i := 0; i < val.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		rm := parseMethod(val, m)
		if rm == nil {
			continue
		}
		name := rm.methodName
		if namespace != "" {
			name = namespace + "." + name
		}
		if err := e.AddMethod(name, rm.call, MethodOptions{}); err != nil {
			panic("jsonrpc: method name collision: " + name)
		}
	}
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// parseMethod extracts method signature information via reflection.
// Returns nil for invalid signatures.
func parseMethod(receiver reflect.Value, m reflect.Method) *rpcMethod {
	ft := m.Func.Type()
	if ft.NumIn() != 3 || ft.In(1) != contextType {
		return nil
	}
	if ft.NumOut() != 2 || ft.Out(1) != errorType {
		return nil
	}
	paramType := ft.In(2)
	if paramType.Kind() != reflect.Struct {
		return nil
	}

	rpc := &rpcMethod{
		receiver:   receiver,
		method:     m,
		paramType:  paramType,
		methodName: m.Name,
	}
	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			if tag := field.Tag.Get("jsonrpc"); tag != "" {
				rpc.methodName = tag
			}
			continue
		}
		name := field.Name
		if jsonTag := field.Tag.Get("json"); jsonTag != "" {
			name = strings.Split(jsonTag, ",")[0]
			if name == "" || name == "-" {
				continue
			}
		}
		rpc.paramNames = append(rpc.paramNames, name)
		rpc.paramFields = append(rpc.paramFields, i)
	}
	return rpc
}

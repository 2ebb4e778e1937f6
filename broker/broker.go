package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// MethodTable is the part of a JSON-RPC engine the broker registers methods
// on. *jsonrpc.JSONRPCEndpoint implements it.
type MethodTable interface {
	AddMethod(name string, h jsonrpc.HandlerFunc, opts jsonrpc.MethodOptions) error
	RemoveMethod(name string) bool
}

// Topology decides how completions are routed to tables.
type Topology int

const (
	// Bound gives every registration its own table; completions must name
	// the registration through MethodRef.
	Bound Topology = iota
	// Shared keeps one table per broker; MethodRef is optional and, when
	// present, must match the registration that allocated the call.
	Shared
)

func (t Topology) String() string {
	if t == Shared {
		return "shared"
	}
	return "bound"
}

// ParseTopology maps "bound" and "shared" to a Topology. The empty string is
// Bound.
func ParseTopology(s string) (Topology, error) {
	switch s {
	case "", "bound":
		return Bound, nil
	case "shared":
		return Shared, nil
	default:
		return Bound, fmt.Errorf("broker: unknown topology %q", s)
	}
}

// Config configures a Broker.
type Config struct {
	Topology Topology
	// Timeout is the default call timeout for registrations; <= 0 means
	// DefaultTimeout.
	Timeout  time.Duration
	Logger   logrus.FieldLogger
	Observer Observer
	// Recall, when set, enriches the log line of an unknown completion with
	// what happened to the call.
	Recall Recall
}

// Broker correlates JSON-RPC calls with the asynchronous completions of a
// flow.
type Broker struct {
	methods  MethodTable
	topology Topology
	timeout  time.Duration
	logger   logrus.FieldLogger
	observer Observer
	recall   Recall
	registry *Registry
	shared   *Table

	mu     sync.RWMutex
	byName map[string]*Registration
	byRef  map[string]*Registration
	closed bool
}

// New returns a broker registering its methods on methods.
func New(methods MethodTable, cfg Config) *Broker {
	b := &Broker{
		methods:  methods,
		topology: cfg.Topology,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		recall:   cfg.Recall,
		registry: NewRegistry(),
		byName:   make(map[string]*Registration),
		byRef:    make(map[string]*Registration),
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.logger == nil {
		b.logger = logrus.StandardLogger()
	}
	if b.observer == nil {
		b.observer = Observers()
	}
	if b.topology == Shared {
		b.shared = b.newTable()
	}
	return b
}

func (b *Broker) newTable() *Table {
	return NewTable(WithObserver(b.observer), WithLogger(b.logger))
}

// Topology returns the routing topology.
func (b *Broker) Topology() Topology { return b.topology }

// Registry returns the names of the methods currently served.
func (b *Broker) Registry() *Registry { return b.registry }

// Registration returns the live registration for method.
func (b *Broker) Registration(method string) (*Registration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.byName[method]
	return r, ok
}

// RegisterOption configures a single registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	timeout time.Duration
	method  jsonrpc.MethodOptions
}

// WithTimeout overrides the broker's default call timeout.
func WithTimeout(d time.Duration) RegisterOption {
	return func(o *registerOptions) {
		o.timeout = d
	}
}

// WithDescription sets the description published by introspection.
func WithDescription(desc string) RegisterOption {
	return func(o *registerOptions) {
		o.method.Description = desc
	}
}

// WithSchema attaches a JSON Schema for the method params. expose publishes
// it through introspection, validate rejects non-conforming params before
// a call is allocated.
func WithSchema(schema json.RawMessage, expose, validate bool) RegisterOption {
	return func(o *registerOptions) {
		o.method.Schema = schema
		o.method.ExposeSchema = expose
		o.method.ValidateSchema = validate
	}
}

// Register serves method by emitting each call to emit and waiting for its
// completion.
func (b *Broker) Register(method string, emit Emitter, opts ...RegisterOption) (*Registration, error) {
	if emit == nil {
		return nil, fmt.Errorf("broker: nil emitter for %s", method)
	}
	ro := registerOptions{timeout: b.timeout}
	for _, opt := range opts {
		opt(&ro)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrServerClosed
	}
	if _, exists := b.byName[method]; exists {
		return nil, fmt.Errorf("broker: %w: %s", jsonrpc.ErrMethodExists, method)
	}

	r := &Registration{
		broker:  b,
		method:  method,
		ref:     uuid.NewString(),
		emit:    emit,
		timeout: ro.timeout,
	}
	if b.topology == Shared {
		r.table = b.shared
	} else {
		r.table = b.newTable()
	}
	if err := b.methods.AddMethod(method, r.Handle, ro.method); err != nil {
		return nil, err
	}
	b.byName[method] = r
	b.byRef[r.ref] = r
	b.registry.Add(method)

	b.logger.WithFields(logrus.Fields{"method": method, "ref": r.ref, "topology": b.topology}).Info("broker: method registered")
	return r, nil
}

// Unregister stops serving method and rejects its pending calls with
// ErrHandlerUnregistered.
func (b *Broker) Unregister(method string) error {
	b.mu.Lock()
	r, ok := b.byName[method]
	if ok {
		b.detach(r)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, method)
	}
	r.fail(ErrHandlerUnregistered)
	return nil
}

// detach removes r from every index. b.mu must be held.
func (b *Broker) detach(r *Registration) {
	delete(b.byName, r.method)
	delete(b.byRef, r.ref)
	b.registry.Remove(r.method)
	b.methods.RemoveMethod(r.method)
	r.closed.Store(true)
}

// Complete settles the call addressed by c. Completions that match nothing
// are dropped, logged and reported as Unknown.
func (b *Broker) Complete(c Completion) DispatchResult {
	id, ref := c.RPC.ID, c.RPC.MethodRef
	if id == "" {
		return b.unknown(c, ReasonMissingID)
	}

	var (
		table      *Table
		checkOwner bool
	)
	switch b.topology {
	case Shared:
		if ref != "" {
			b.mu.RLock()
			_, live := b.byRef[ref]
			b.mu.RUnlock()
			if !live {
				return b.unknown(c, ReasonUnknownRef)
			}
			checkOwner = true
		}
		table = b.shared
	default:
		if ref == "" {
			return b.unknown(c, ReasonMissingRef)
		}
		b.mu.RLock()
		r, live := b.byRef[ref]
		b.mu.RUnlock()
		if !live {
			return b.unknown(c, ReasonUnknownRef)
		}
		table = r.table
	}

	switch table.settle(id, ref, checkOwner, outcomeOf(c)) {
	case settledOK:
		return Settled
	case settleOwnerMismatch:
		return b.unknown(c, ReasonOwnerMismatch)
	default:
		return b.unknown(c, ReasonNotPending)
	}
}

func outcomeOf(c Completion) Outcome {
	if c.Error == nil {
		return Resolve(c.Payload)
	}
	e := *c.Error
	if e.Code == 0 {
		e.Code = jsonrpc.CodeInternalError
	}
	if e.Message == "" {
		e.Message = "Internal error"
	}
	return Reject(&e)
}

func (b *Broker) unknown(c Completion, reason UnknownReason) DispatchResult {
	b.observer.OnUnknown(c.RPC.ID, reason)
	fields := logrus.Fields{"id": c.RPC.ID, "ref": c.RPC.MethodRef, "reason": reason}
	if b.recall != nil && c.RPC.ID != "" {
		if s, ok := b.recall.Recall(c.RPC.ID); ok {
			fields["method"] = s.Method
			fields["previous"] = s.Kind
			fields["since"] = time.Since(s.At).Round(time.Millisecond).String()
			if s.Error != nil {
				fields["previous_code"] = s.Error.Code
			}
		}
	}
	b.logger.WithFields(fields).Warn("broker: completion for unknown call dropped")
	return Unknown
}

// Close unregisters every method and rejects all pending calls with
// ErrServerClosed. Closing twice is a no-op.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	regs := make([]*Registration, 0, len(b.byName))
	for _, r := range b.byName {
		regs = append(regs, r)
	}
	for _, r := range regs {
		b.detach(r)
	}
	b.mu.Unlock()

	n := 0
	for _, r := range regs {
		n += r.fail(ErrServerClosed)
	}
	if b.shared != nil {
		n += b.shared.Close(ErrServerClosed)
	}
	b.logger.WithFields(logrus.Fields{"methods": len(regs), "rejected": n}).Info("broker: closed")
	return nil
}

// Registration is one method served through the broker.
type Registration struct {
	broker  *Broker
	method  string
	ref     string
	table   *Table
	emit    Emitter
	timeout time.Duration
	closed  atomic.Bool
}

// Method returns the registered method name.
func (r *Registration) Method() string { return r.method }

// Ref returns the opaque reference completions use to address this
// registration.
func (r *Registration) Ref() string { return r.ref }

// Pending returns the number of calls waiting in this registration's table.
// With the shared topology it counts every call of the broker.
func (r *Registration) Pending() int { return r.table.Len() }

// Invoke allocates a call, emits its request event and returns the pending
// handle. If emitting fails the call is rejected at once with an internal
// error.
func (r *Registration) Invoke(ctx context.Context, params json.RawMessage) (*Pending, error) {
	if r.closed.Load() {
		return nil, ErrHandlerUnregistered
	}
	p, err := r.table.Allocate(r.ref, r.method, r.timeout)
	if err != nil {
		return nil, err
	}
	// A shared table outlives its registrations; catch an Unregister that
	// ran between the check above and Allocate.
	if r.closed.Load() {
		r.table.SettleOwned(p.ID(), r.ref, Reject(ErrHandlerUnregistered))
		return p, nil
	}

	ev := RequestEvent{
		Payload: params,
		RPC: RequestMeta{
			Method:    r.method,
			ID:        p.ID(),
			MethodRef: r.ref,
			Deadline:  p.Deadline(),
		},
	}
	if err := r.emit.Emit(ctx, ev); err != nil {
		r.broker.logger.WithError(err).WithFields(logrus.Fields{"method": r.method, "id": p.ID()}).Error("broker: request emit failed")
		r.table.Settle(p.ID(), Reject(errEmitFailed))
	}
	return p, nil
}

// Handle is the jsonrpc.HandlerFunc of the registration: Invoke followed by
// Wait. If ctx ends first the call stays pending until completed, reaped or
// torn down.
func (r *Registration) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := r.Invoke(ctx, params)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Close unregisters the method. It is safe to call more than once, and never
// touches a later registration of the same name.
func (r *Registration) Close() error {
	b := r.broker
	b.mu.Lock()
	live := b.byName[r.method] == r
	if live {
		b.detach(r)
	}
	b.mu.Unlock()
	if live {
		r.fail(ErrHandlerUnregistered)
	}
	return nil
}

// fail rejects the registration's pending calls and returns how many.
func (r *Registration) fail(err error) int {
	var n int
	if r.broker.topology == Shared {
		n = r.table.FailOwner(r.ref, err)
	} else {
		n = r.table.Close(err)
	}
	r.broker.logger.WithFields(logrus.Fields{"method": r.method, "ref": r.ref, "rejected": n}).Info("broker: method unregistered")
	return n
}

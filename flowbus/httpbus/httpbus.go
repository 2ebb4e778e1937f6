// Package httpbus carries request events to workers over HTTP.
//
// Workers subscribe with GET {prefix}/requests/{method} and receive request
// events as server-sent events; they answer by POSTing a completion to
// {prefix}/complete. Each method has a bounded queue; Emit fails with
// ErrQueueFull instead of blocking when no worker keeps up.
//
// Delivery is at most once: an event taken by a subscriber whose connection
// drops is lost and its call times out.
package httpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/endpoint"
	"github.com/mnehpets/flowrpc/flowbus"
	"github.com/mnehpets/flowrpc/ticket"
)

// ErrQueueFull is returned by Emit when the method's queue is full.
var ErrQueueFull = errors.New("httpbus: queue full")

// DefaultQueueSize is the per-method queue capacity.
const DefaultQueueSize = 64

// Bus is an HTTP flow bus. It implements broker.Emitter.
type Bus struct {
	completer  flowbus.Completer
	prefix     string
	size       int
	heartbeat  time.Duration
	sealer     *ticket.Sealer
	processors []endpoint.Processor
	logger     logrus.FieldLogger

	mu     sync.Mutex
	queues map[string]chan broker.RequestEvent
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix sets the path prefix of the worker routes, e.g. "/flow".
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithQueueSize sets the per-method queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		b.size = n
	}
}

// WithHeartbeat sets the SSE keep-alive interval; 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Bus) {
		b.heartbeat = d
	}
}

// WithSealer hands workers sealed tickets instead of raw method references.
// A ticket is bound to one call and expires at its deadline.
func WithSealer(s *ticket.Sealer) Option {
	return func(b *Bus) {
		b.sealer = s
	}
}

// WithProcessors runs processors, e.g. bearer authentication, in front of
// the worker routes.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(b *Bus) {
		b.processors = append(b.processors, p...)
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New returns a bus delivering completions to completer.
func New(completer flowbus.Completer, opts ...Option) *Bus {
	b := &Bus{
		completer: completer,
		size:      DefaultQueueSize,
		heartbeat: 15 * time.Second,
		logger:    logrus.StandardLogger(),
		queues:    make(map[string]chan broker.RequestEvent),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.size <= 0 {
		b.size = DefaultQueueSize
	}
	return b
}

func (b *Bus) queue(method string) chan broker.RequestEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[method]
	if !ok {
		q = make(chan broker.RequestEvent, b.size)
		b.queues[method] = q
	}
	return q
}

// Len returns the number of events waiting for a worker of method.
func (b *Bus) Len(method string) int {
	return len(b.queue(method))
}

// Emit implements broker.Emitter.
func (b *Bus) Emit(_ context.Context, ev broker.RequestEvent) error {
	if b.sealer != nil {
		tk, err := b.sealer.Seal(ticket.Claims{Ref: ev.RPC.MethodRef, ID: ev.RPC.ID, Expires: ev.RPC.Deadline})
		if err != nil {
			return fmt.Errorf("httpbus: seal: %w", err)
		}
		ev.RPC.MethodRef = tk
	}
	select {
	case b.queue(ev.RPC.Method) <- ev:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, ev.RPC.Method)
	}
}

// Handler returns the worker routes.
func (b *Bus) Handler() http.Handler {
	mux := http.NewServeMux()
	b.Mount(mux)
	return mux
}

// Mount registers the worker routes on mux.
func (b *Bus) Mount(mux *http.ServeMux) {
	mux.Handle("GET "+b.prefix+"/requests/{method}", &endpoint.EndpointHandler[requestsParams]{
		Endpoint:   b.requests,
		Processors: b.processors,
		Logger:     b.logger,
	})
	mux.Handle("POST "+b.prefix+"/complete", &endpoint.EndpointHandler[completeParams]{
		Endpoint:   b.complete,
		Processors: b.processors,
		Logger:     b.logger,
	})
}

type requestsParams struct {
	Method string `path:"method"`
}

var requestEventType = "request"

func (b *Bus) requests(_ http.ResponseWriter, r *http.Request, p requestsParams) (endpoint.Renderer, error) {
	q := b.queue(p.Method)
	ctx := r.Context()
	logger := b.logger.WithField("method", p.Method)
	logger.Debug("httpbus: worker subscribed")

	events := func(yield func(endpoint.SSEvent) bool) {
		defer logger.Debug("httpbus: worker left")
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-q:
				data, err := json.Marshal(ev)
				if err != nil {
					logger.WithError(err).WithField("id", ev.RPC.ID).Error("httpbus: encode event")
					continue
				}
				id := ev.RPC.ID
				if !yield(endpoint.SSEvent{ID: &id, Type: &requestEventType, Data: string(data)}) {
					logger.WithField("id", id).Warn("httpbus: event dropped by departing worker")
					return
				}
			}
		}
	}
	return &endpoint.SSERenderer{Events: events, Heartbeat: b.heartbeat}, nil
}

type completeParams struct {
	Completion broker.Completion `body:""`
}

type completeResponse struct {
	Status string `json:"status"`
}

func (b *Bus) complete(_ http.ResponseWriter, _ *http.Request, p completeParams) (endpoint.Renderer, error) {
	c := p.Completion
	if b.sealer != nil {
		claims, err := b.sealer.Open(c.RPC.MethodRef)
		switch {
		case errors.Is(err, ticket.ErrExpired):
			// Late: let the broker report it as an unknown completion.
		case err != nil:
			return nil, endpoint.Error(http.StatusForbidden, "invalid ticket", err)
		}
		if claims.ID != c.RPC.ID {
			return nil, endpoint.Error(http.StatusForbidden, "ticket does not match call", nil)
		}
		c.RPC.MethodRef = claims.Ref
	}

	if b.completer.Complete(c) == broker.Settled {
		return endpoint.JSON(http.StatusOK, completeResponse{Status: broker.Settled.String()}), nil
	}
	return endpoint.JSON(http.StatusNotFound, completeResponse{Status: broker.Unknown.String()}), nil
}

var _ broker.Emitter = (*Bus)(nil)

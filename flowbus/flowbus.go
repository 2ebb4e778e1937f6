// Package flowbus holds what the flow transports share: the completion sink
// they feed and the worker-side helper that turns a request event into a
// completion.
//
// Transports live in subpackages:
//   - httpbus: workers pull request events over SSE and POST completions.
//   - redisbus: request and completion lists in redis.
//   - kafkabus: request and completion topics in kafka.
package flowbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/jsonrpc"
)

// ErrExpired is returned by Execute for events whose deadline has passed.
var ErrExpired = errors.New("flowbus: request expired")

// Completer receives completions. *broker.Broker implements it.
type Completer interface {
	Complete(c broker.Completion) broker.DispatchResult
}

// CompleterFunc adapts a function to a Completer.
type CompleterFunc func(c broker.Completion) broker.DispatchResult

func (f CompleterFunc) Complete(c broker.Completion) broker.DispatchResult {
	return f(c)
}

// Thunk handles the params of one request event on the worker side.
type Thunk func(ctx context.Context, params json.RawMessage) (any, error)

// Execute runs fn for ev and builds the completion addressed to ev's call.
// The context passed to fn ends at the event deadline. An event already past
// its deadline is not run and ErrExpired is returned.
func Execute(ctx context.Context, ev broker.RequestEvent, fn Thunk) (broker.Completion, error) {
	c := broker.Completion{RPC: broker.CompletionMeta{ID: ev.RPC.ID, MethodRef: ev.RPC.MethodRef}}
	if !ev.RPC.Deadline.IsZero() {
		if !time.Now().Before(ev.RPC.Deadline) {
			return c, ErrExpired
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ev.RPC.Deadline)
		defer cancel()
	}

	v, err := fn(ctx, ev.Payload)
	if err != nil {
		c.Error = jsonrpc.AsError(err)
		return c, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.Error = jsonrpc.AsError(err)
		return c, nil
	}
	c.Payload = b
	return c, nil
}

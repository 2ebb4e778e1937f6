// Package redisbus carries request events and completions through redis
// lists.
//
// Emit LPUSHes a request event to {prefix}:requests:{method}, tagged with
// the list the completion must be pushed to. Each Bus instance owns one
// completion list, {prefix}:completions:{instance}, which Run drains with
// BRPOP. Worker is the other side: it pops request events, runs a Thunk
// and pushes the completion back.
package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/flowbus"
)

// DefaultPrefix namespaces every key the bus uses.
const DefaultPrefix = "flowrpc"

// envelope is a request event on the wire.
type envelope struct {
	broker.RequestEvent
	ReplyTo string `json:"replyTo"`
}

// RequestsKey returns the list request events of method are pushed to.
func RequestsKey(prefix, method string) string {
	return prefix + ":requests:" + method
}

// CompletionsKey returns the completion list of a bus instance.
func CompletionsKey(prefix, instance string) string {
	return prefix + ":completions:" + instance
}

// Bus emits request events to redis and dispatches completions.
type Bus struct {
	rdb       redis.UniversalClient
	completer flowbus.Completer
	prefix    string
	instance  string
	poll      time.Duration
	backoff   time.Duration
	logger    logrus.FieldLogger
}

// Option configures a Bus or a Worker.
type Option func(*options)

type options struct {
	prefix   string
	instance string
	poll     time.Duration
	logger   logrus.FieldLogger
	workers  int
}

// WithPrefix changes DefaultPrefix.
func WithPrefix(p string) Option {
	return func(o *options) {
		o.prefix = p
	}
}

// WithInstance names the bus's completion list. Defaults to a random uuid.
func WithInstance(id string) Option {
	return func(o *options) {
		o.instance = id
	}
}

// MinPollTimeout is the shortest BRPOP timeout go-redis sends as is.
const MinPollTimeout = time.Second

// WithPollTimeout sets the BRPOP timeout, which bounds how long Run and
// Listen take to notice a cancelled context. Redis blocks in whole seconds,
// so values under MinPollTimeout are raised to it.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		o.poll = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithConcurrency bounds how many requests a Worker runs at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		prefix:  DefaultPrefix,
		poll:    time.Second,
		logger:  logrus.StandardLogger(),
		workers: 16,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poll < MinPollTimeout {
		o.poll = MinPollTimeout
	}
	if o.instance == "" {
		o.instance = uuid.NewString()
	}
	return o
}

// New returns a bus delivering completions to completer.
func New(rdb redis.UniversalClient, completer flowbus.Completer, opts ...Option) *Bus {
	o := newOptions(opts)
	return &Bus{
		rdb:       rdb,
		completer: completer,
		prefix:    o.prefix,
		instance:  o.instance,
		poll:      o.poll,
		backoff:   100 * time.Millisecond,
		logger:    o.logger.WithField("instance", o.instance),
	}
}

// Instance returns the name of the bus's completion list.
func (b *Bus) Instance() string { return b.instance }

// Emit implements broker.Emitter.
func (b *Bus) Emit(ctx context.Context, ev broker.RequestEvent) error {
	data, err := json.Marshal(envelope{RequestEvent: ev, ReplyTo: CompletionsKey(b.prefix, b.instance)})
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, RequestsKey(b.prefix, ev.RPC.Method), data).Err(); err != nil {
		return errors.Wrapf(err, "redisbus: emit %s", ev.RPC.Method)
	}
	return nil
}

// Run pops completions and hands them to the completer until ctx ends.
// Redis errors are logged and retried.
func (b *Bus) Run(ctx context.Context) error {
	key := CompletionsKey(b.prefix, b.instance)
	b.logger.WithField("key", key).Info("redisbus: listening for completions")
	for {
		// BRPOP returns [key, payload].
		v, err := b.rdb.BRPop(ctx, b.poll, key).Result()
		if err == nil {
			// A popped completion is dispatched even if ctx ended meanwhile.
			b.dispatch(v[1])
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil || errors.Is(err, redis.Nil) {
			continue
		}
		b.logger.WithError(err).Warn("redisbus: BRPOP failed")
		if !sleep(ctx, b.backoff) {
			return nil
		}
	}
}

func (b *Bus) dispatch(data string) {
	var c broker.Completion
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		b.logger.WithError(err).Warn("redisbus: dropping undecodable completion")
		return
	}
	res := b.completer.Complete(c)
	b.logger.WithFields(logrus.Fields{"id": c.RPC.ID, "result": res}).Debug("redisbus: completion dispatched")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ broker.Emitter = (*Bus)(nil)

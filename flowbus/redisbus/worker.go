package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/flowrpc/flowbus"
)

// completionTTL bounds how long an unread completion list lives.
const completionTTL = 10 * time.Minute

// Worker serves request events pushed by Bus instances.
type Worker struct {
	rdb     redis.UniversalClient
	prefix  string
	poll    time.Duration
	workers int
	logger  logrus.FieldLogger
}

// NewWorker returns a worker reading from rdb.
func NewWorker(rdb redis.UniversalClient, opts ...Option) *Worker {
	o := newOptions(opts)
	return &Worker{rdb: rdb, prefix: o.prefix, poll: o.poll, workers: o.workers, logger: o.logger}
}

// Listen pops request events for the methods in m and runs the matching
// Thunk, pushing each completion to the list the event names. Expired
// events are dropped. It blocks until ctx ends and returns once running
// thunks finished.
func (w *Worker) Listen(ctx context.Context, m map[string]flowbus.Thunk) error {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for method := range m {
		keys = append(keys, RequestsKey(w.prefix, method))
	}
	sort.Strings(keys)

	var g errgroup.Group
	if w.workers > 0 {
		g.SetLimit(w.workers)
	}
	defer g.Wait()

	w.logger.WithField("keys", keys).Info("redisbus: worker listening")
	for {
		v, err := w.rdb.BRPop(ctx, w.poll, keys...).Result()
		if ctx.Err() != nil {
			if err == nil {
				w.requeue(ctx, v[0], v[1])
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			w.logger.WithError(err).Warn("redisbus: BRPOP failed")
			if !sleep(ctx, 100*time.Millisecond) {
				return nil
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(v[1]), &env); err != nil {
			w.logger.WithError(err).WithField("key", v[0]).Warn("redisbus: dropping undecodable request")
			continue
		}
		fn, ok := m[env.RPC.Method]
		if !ok {
			w.logger.WithField("method", env.RPC.Method).Warn("redisbus: no thunk for method")
			continue
		}
		g.Go(func() error {
			w.serve(ctx, env, fn)
			return nil
		})
	}
}

// requeue puts a request popped during shutdown back at the end BRPOP reads
// from, so the next worker serves it first.
func (w *Worker) requeue(ctx context.Context, key, data string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.rdb.RPush(rctx, key, data).Err(); err != nil {
		w.logger.WithError(err).WithField("key", key).Error("redisbus: requeue request on shutdown")
		return
	}
	w.logger.WithField("key", key).Info("redisbus: request requeued on shutdown")
}

func (w *Worker) serve(ctx context.Context, env envelope, fn flowbus.Thunk) {
	logger := w.logger.WithFields(logrus.Fields{"method": env.RPC.Method, "id": env.RPC.ID})
	c, err := flowbus.Execute(ctx, env.RequestEvent, fn)
	if errors.Is(err, flowbus.ErrExpired) {
		logger.Info("redisbus: request expired, dropping call")
		return
	}
	if env.ReplyTo == "" {
		logger.Warn("redisbus: request without replyTo")
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		logger.WithError(err).Error("redisbus: encode completion")
		return
	}
	// The caller may be gone; a fresh context lets the reply land even when
	// the worker is shutting down.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err = w.rdb.TxPipelined(pctx, func(p redis.Pipeliner) error {
		p.LPush(pctx, env.ReplyTo, data)
		p.Expire(pctx, env.ReplyTo, completionTTL)
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("redisbus: push completion")
		return
	}
	logger.Debug("redisbus: completion pushed")
}

package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/flowbus"
)

// NewReplyWriter returns a writer without a fixed topic; every message names
// its own.
func NewReplyWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Worker serves request events read from the requests topic and writes each
// completion to the topic named by the event's reply-to header. Events are
// handled one at a time, in partition order.
type Worker struct {
	r      MessageReader
	w      MessageWriter
	logger logrus.FieldLogger
}

// NewWorker returns a worker reading requests with r and replying with w,
// which must not have a fixed topic.
func NewWorker(r MessageReader, w MessageWriter, logger logrus.FieldLogger) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{r: r, w: w, logger: logger}
}

// Listen runs the Thunk of m matching each event's method until ctx ends or
// the reader fails. Events for other methods and expired events are
// skipped.
func (w *Worker) Listen(ctx context.Context, m map[string]flowbus.Thunk) error {
	for {
		msg, err := w.r.ReadMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kafkabus: read requests: %w", err)
		}
		if err := w.serve(ctx, msg, m); err != nil {
			w.logger.WithError(err).WithField("offset", msg.Offset).Warn("kafkabus: request not served")
		}
	}
}

func (w *Worker) serve(ctx context.Context, msg kafka.Message, m map[string]flowbus.Thunk) error {
	var ev broker.RequestEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	fn, ok := m[ev.RPC.Method]
	if !ok {
		return nil
	}
	replyTo := header(msg, ReplyToHeader)
	if replyTo == "" {
		return fmt.Errorf("request %s has no %s header", ev.RPC.ID, ReplyToHeader)
	}
	c, err := flowbus.Execute(ctx, ev, fn)
	if errors.Is(err, flowbus.ErrExpired) {
		w.logger.WithFields(logrus.Fields{"method": ev.RPC.Method, "id": ev.RPC.ID}).Info("kafkabus: request expired, dropping call")
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return w.w.WriteMessages(ctx, kafka.Message{Topic: replyTo, Key: []byte(ev.RPC.ID), Value: data})
}

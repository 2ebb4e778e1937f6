// Package kafkabus carries request events and completions through kafka
// topics.
//
// Request events are written to the requests topic keyed by method, with a
// reply-to header naming the topic the completion must go to. Each Bus
// instance should read its own completions topic; completions for calls it
// did not allocate are reported unknown.
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

// ReplyToHeader names the completions topic of the emitting instance.
const ReplyToHeader = "reply-to"

// MessageWriter is the part of *kafka.Writer the bus uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the bus uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config describes the topics of a Bus.
type Config struct {
	Brokers          []string
	RequestsTopic    string
	CompletionsTopic string
	// GroupID of the completions reader. Empty reads without a consumer
	// group.
	GroupID string
}

// NewWriter returns a synchronous writer for the requests topic. Messages
// with the same key land on the same partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewReader returns a reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
		MaxWait: time.Second,
	})
}

// Bus emits request events to kafka and dispatches completions.
type Bus struct {
	w         MessageWriter
	r         MessageReader
	completer flowbus.Completer
	replyTo   string
	logger    logrus.FieldLogger
}

// New returns a bus writing requests with w and reading completions, which
// workers send to replyTo, with r.
func New(w MessageWriter, r MessageReader, replyTo string, completer flowbus.Completer, logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{w: w, r: r, completer: completer, replyTo: replyTo, logger: logger}
}

// Dial builds a Bus on real kafka connections from cfg.
func Dial(cfg Config, completer flowbus.Completer, logger logrus.FieldLogger) (*Bus, error) {
	if len(cfg.Brokers) == 0 || cfg.RequestsTopic == "" || cfg.CompletionsTopic == "" {
		return nil, errors.New("kafkabus: brokers and both topics are required")
	}
	return New(
		NewWriter(cfg.Brokers, cfg.RequestsTopic),
		NewReader(cfg.Brokers, cfg.CompletionsTopic, cfg.GroupID),
		cfg.CompletionsTopic, completer, logger,
	), nil
}

// Emit implements broker.Emitter.
func (b *Bus) Emit(ctx context.Context, ev broker.RequestEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(ev.RPC.Method),
		Value:   data,
		Headers: []kafka.Header{{Key: ReplyToHeader, Value: []byte(b.replyTo)}},
	}
	if err := b.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkabus: emit %s: %w", ev.RPC.Method, err)
	}
	return nil
}

// Run reads completions and hands them to the completer until ctx ends or
// the reader fails.
func (b *Bus) Run(ctx context.Context) error {
	for {
		msg, err := b.r.ReadMessage(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kafkabus: read completions: %w", err)
		}
		var c broker.Completion
		if err := json.Unmarshal(msg.Value, &c); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset}).Warn("kafkabus: dropping undecodable completion")
			continue
		}
		res := b.completer.Complete(c)
		b.logger.WithFields(logrus.Fields{"id": c.RPC.ID, "result": res}).Debug("kafkabus: completion dispatched")
	}
}

// Close closes the writer and the reader.
func (b *Bus) Close() error {
	return errors.Join(b.w.Close(), b.r.Close())
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

var _ broker.Emitter = (*Bus)(nil)

package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/flowbus"
	"github.com/mnehpets/flowrpc/jsonrpc"
)

// cluster is an in-memory stand-in for kafka topics.
type cluster struct {
	mu     sync.Mutex
	topics map[string]chan kafka.Message
}

func newCluster() *cluster { return &cluster{topics: make(map[string]chan kafka.Message)} }

func (c *cluster) topic(name string) chan kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.topics[name]
	if !ok {
		ch = make(chan kafka.Message, 64)
		c.topics[name] = ch
	}
	return ch
}

type fakeWriter struct {
	c     *cluster
	topic string
	err   error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	for _, m := range msgs {
		topic := w.topic
		if m.Topic != "" {
			topic = m.Topic
		}
		m.Topic = topic
		w.c.topic(topic) <- m
	}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	c     *cluster
	topic string
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.c.topic(r.topic):
		return m, nil
	}
}

func (r *fakeReader) Close() error { return nil }

func TestBus_EmitMessage(t *testing.T) {
	c := newCluster()
	logger, _ := logtest.NewNullLogger()
	bus := New(&fakeWriter{c: c, topic: "requests"}, &fakeReader{c: c, topic: "done-1"}, "done-1", nil, logger)

	require.NoError(t, bus.Emit(context.Background(), broker.RequestEvent{
		Payload: json.RawMessage(`[1]`),
		RPC:     broker.RequestMeta{Method: "sum", ID: "rpc_1", MethodRef: "ref"},
	}))

	msg := <-c.topic("requests")
	assert.Equal(t, "sum", string(msg.Key))
	assert.Equal(t, "done-1", header(msg, ReplyToHeader))
	var ev broker.RequestEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "rpc_1", ev.RPC.ID)
	assert.Equal(t, "ref", ev.RPC.MethodRef)
}

func TestBus_EmitError(t *testing.T) {
	c := newCluster()
	bus := New(&fakeWriter{c: c, err: errors.New("leader not available")}, &fakeReader{c: c}, "done", nil, nil)
	err := bus.Emit(context.Background(), broker.RequestEvent{RPC: broker.RequestMeta{Method: "sum"}})
	assert.ErrorContains(t, err, "leader not available")
}

func TestBusAndWorker_RoundTrip(t *testing.T) {
	c := newCluster()
	logger, _ := logtest.NewNullLogger()
	b := broker.New(jsonrpc.NewEndpoint(jsonrpc.WithLogger(logger)), broker.Config{Logger: logger})
	defer b.Close()

	bus := New(&fakeWriter{c: c, topic: "requests"}, &fakeReader{c: c, topic: "done-1"}, "done-1", b, logger)
	worker := NewWorker(&fakeReader{c: c, topic: "requests"}, &fakeWriter{c: c}, logger)

	reg, err := b.Register("upper", bus, broker.WithTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, bus.Run(ctx)) }()
	go func() {
		defer wg.Done()
		assert.NoError(t, worker.Listen(ctx, map[string]flowbus.Thunk{
			"upper": func(_ context.Context, params json.RawMessage) (any, error) {
				var s string
				if err := json.Unmarshal(params, &s); err != nil {
					return nil, err
				}
				return strings.ToUpper(s), nil
			},
		}))
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	v, err := reg.Handle(ctx, json.RawMessage(`"flow"`))
	require.NoError(t, err)
	assert.JSONEq(t, `"FLOW"`, string(v.(json.RawMessage)))
}

func TestBus_RunSkipsGarbage(t *testing.T) {
	c := newCluster()
	logger, hook := logtest.NewNullLogger()
	got := make(chan broker.Completion, 1)
	completer := flowbus.CompleterFunc(func(cm broker.Completion) broker.DispatchResult {
		got <- cm
		return broker.Unknown
	})
	bus := New(&fakeWriter{c: c}, &fakeReader{c: c, topic: "done"}, "done", completer, logger)

	c.topic("done") <- kafka.Message{Value: []byte("{")}
	c.topic("done") <- kafka.Message{Value: []byte(`{"rpc":{"id":"rpc_2"}}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	select {
	case cm := <-got:
		assert.Equal(t, "rpc_2", cm.RPC.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not dispatched")
	}
	require.NotNil(t, hook.LastEntry())
}

func TestBus_RunDecodesStringError(t *testing.T) {
	c := newCluster()
	logger, _ := logtest.NewNullLogger()
	got := make(chan broker.Completion, 1)
	completer := flowbus.CompleterFunc(func(cm broker.Completion) broker.DispatchResult {
		got <- cm
		return broker.Settled
	})
	bus := New(&fakeWriter{c: c}, &fakeReader{c: c, topic: "done"}, "done", completer, logger)

	c.topic("done") <- kafka.Message{Value: []byte(`{"rpc":{"id":"rpc_3"},"error":"bad input"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	select {
	case cm := <-got:
		assert.Equal(t, "rpc_3", cm.RPC.ID)
		require.NotNil(t, cm.Error)
		assert.Equal(t, "bad input", cm.Error.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("completion not dispatched")
	}
}

type failingReader struct{}

func (failingReader) ReadMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("group coordinator not available")
}

func (failingReader) Close() error { return nil }

func TestBus_RunReaderError(t *testing.T) {
	bus := New(&fakeWriter{}, failingReader{}, "done", nil, nil)
	err := bus.Run(context.Background())
	assert.ErrorContains(t, err, "group coordinator not available")
}

func TestWorker_SkipsExpiredAndForeign(t *testing.T) {
	c := newCluster()
	logger, _ := logtest.NewNullLogger()
	worker := NewWorker(&fakeReader{c: c, topic: "requests"}, &fakeWriter{c: c}, logger)

	enqueue := func(method, id string, deadline time.Time) {
		data, _ := json.Marshal(broker.RequestEvent{RPC: broker.RequestMeta{Method: method, ID: id, MethodRef: "ref", Deadline: deadline}})
		c.topic("requests") <- kafka.Message{Value: data, Headers: []kafka.Header{{Key: ReplyToHeader, Value: []byte("done")}}}
	}
	enqueue("m", "rpc_old", time.Now().Add(-time.Second))
	enqueue("other", "rpc_foreign", time.Now().Add(time.Minute))
	enqueue("m", "rpc_new", time.Now().Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Listen(ctx, map[string]flowbus.Thunk{
		"m": func(context.Context, json.RawMessage) (any, error) { return 1, nil },
	})

	select {
	case msg := <-c.topic("done"):
		var cm broker.Completion
		require.NoError(t, json.Unmarshal(msg.Value, &cm))
		assert.Equal(t, "rpc_new", cm.RPC.ID)
		assert.Equal(t, "ref", cm.RPC.MethodRef)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion written")
	}
	select {
	case msg := <-c.topic("done"):
		t.Fatalf("unexpected completion %s", msg.Value)
	case <-time.After(50 * time.Millisecond):
	}
}

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/flowrpc/endpoint"
	"github.com/mnehpets/flowrpc/jsonrpc"
)

// flow captures request events so tests can complete them in any order.
type flow struct {
	events chan RequestEvent
}

func newFlow() *flow {
	return &flow{events: make(chan RequestEvent, 16)}
}

func (f *flow) Emit(_ context.Context, ev RequestEvent) error {
	f.events <- ev
	return nil
}

func (f *flow) next(t *testing.T) RequestEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no request event emitted")
		return RequestEvent{}
	}
}

func reply(ev RequestEvent, payload string) Completion {
	return Completion{
		RPC:     CompletionMeta{ID: ev.RPC.ID, MethodRef: ev.RPC.MethodRef},
		Payload: json.RawMessage(payload),
	}
}

type fixture struct {
	endpoint *jsonrpc.JSONRPCEndpoint
	broker   *Broker
	logs     *logtest.Hook
	observer *recordingObserver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	obs := &recordingObserver{}
	e := jsonrpc.NewEndpoint(jsonrpc.WithLogger(logger))
	cfg.Logger = logger
	cfg.Observer = obs
	b := New(e, cfg)
	t.Cleanup(func() { b.Close() })
	return &fixture{endpoint: e, broker: b, logs: hook, observer: obs}
}

func (f *fixture) call(t *testing.T, body string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	endpoint.Handler(f.endpoint.Endpoint).ServeHTTP(rec, req)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func (f *fixture) unknownReasons() []any {
	var out []any
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Data["reason"])
		}
	}
	return out
}

func TestBroker_PingPongOverHTTP(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Second})
	fl := newFlow()
	reg, err := fx.broker.Register("ping", fl)
	require.NoError(t, err)

	go func() {
		ev := fl.next(t)
		assert.Equal(t, "ping", ev.RPC.Method)
		assert.Equal(t, reg.Ref(), ev.RPC.MethodRef)
		assert.JSONEq(t, `{"x":1}`, string(ev.Payload))
		assert.Equal(t, Settled, fx.broker.Complete(reply(ev, `"pong"`)))
	}()

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"ping","params":{"x":1},"id":1}`)
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, 0, reg.Pending())
}

func TestBroker_TimeoutThenLateCompletionIsUnknown(t *testing.T) {
	fx := newFixture(t, Config{Timeout: 30 * time.Millisecond})
	fl := newFlow()
	_, err := fx.broker.Register("slow", fl)
	require.NoError(t, err)

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"slow","id":"a"}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(CodeMethodTimeout), errObj["code"])
	assert.Equal(t, "Method timeout", errObj["message"])

	ev := fl.next(t)
	assert.Equal(t, Unknown, fx.broker.Complete(reply(ev, `"too late"`)))
	assert.Equal(t, []any{ReasonNotPending}, fx.unknownReasons())
	assert.Equal(t, []SettleKind{KindTimeout}, fx.observer.kinds())
}

type fakeRecall map[string]Settlement

func (f fakeRecall) Recall(id string) (Settlement, bool) {
	s, ok := f[id]
	return s, ok
}

func TestBroker_UnknownCompletionLogIncludesRecall(t *testing.T) {
	recall := fakeRecall{"rpc_old": {ID: "rpc_old", Method: "slow", Kind: KindTimeout, At: time.Now().Add(-2 * time.Second), Error: ErrMethodTimeout}}
	fx := newFixture(t, Config{Topology: Shared, Recall: recall})

	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: "rpc_old"}}))
	entry := fx.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, KindTimeout, entry.Data["previous"])
	assert.Equal(t, "slow", entry.Data["method"])
	assert.Contains(t, entry.Data["since"], "2")
	assert.Equal(t, CodeMethodTimeout, entry.Data["previous_code"])
}

func TestBroker_ErrorCompletionKeepsCodeMessageAndData(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Second})
	fl := newFlow()
	_, err := fx.broker.Register("validate", fl)
	require.NoError(t, err)

	go func() {
		ev := fl.next(t)
		fx.broker.Complete(Completion{
			RPC:   CompletionMeta{ID: ev.RPC.ID, MethodRef: ev.RPC.MethodRef},
			Error: &jsonrpc.JSONRPCError{Code: -32000, Message: "bad input", Data: map[string]any{"field": "x"}},
		})
	}()

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"validate","params":[1],"id":2}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Equal(t, "bad input", errObj["message"])
	assert.Equal(t, map[string]any{"field": "x"}, errObj["data"])
	assert.Nil(t, resp["result"])
}

func TestBroker_ErrorCompletionDefaults(t *testing.T) {
	fx := newFixture(t, Config{})
	fl := newFlow()
	reg, err := fx.broker.Register("m", fl)
	require.NoError(t, err)

	p, err := reg.Invoke(context.Background(), nil)
	require.NoError(t, err)
	ev := fl.next(t)
	appErr := &jsonrpc.JSONRPCError{}
	require.Equal(t, Settled, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: ev.RPC.ID, MethodRef: reg.Ref()}, Error: appErr}))

	_, werr := p.Wait(context.Background())
	var rpcErr *jsonrpc.JSONRPCError
	require.ErrorAs(t, werr, &rpcErr)
	assert.Equal(t, jsonrpc.CodeInternalError, rpcErr.Code)
	assert.Equal(t, "Internal error", rpcErr.Message)
	assert.Zero(t, appErr.Code, "caller's error must not be modified")
}

func TestCompletion_UnmarshalAnyError(t *testing.T) {
	tests := []struct {
		name    string
		errJSON string
		want    *jsonrpc.JSONRPCError
	}{
		{"absent", ``, nil},
		{"null", `,"error":null`, nil},
		{"false", `,"error":false`, nil},
		{"string", `,"error":"bad input"`, &jsonrpc.JSONRPCError{Message: "bad input"}},
		{"true", `,"error":true`, &jsonrpc.JSONRPCError{}},
		{"number", `,"error":7`, &jsonrpc.JSONRPCError{}},
		{"array", `,"error":["x"]`, &jsonrpc.JSONRPCError{}},
		{"object", `,"error":{"code":-32000,"message":"bad input","data":{"f":1}}`,
			&jsonrpc.JSONRPCError{Code: -32000, Message: "bad input", Data: map[string]any{"f": float64(1)}}},
		{"string code", `,"error":{"code":"E42","message":"bad input"}`, &jsonrpc.JSONRPCError{Message: "bad input"}},
		{"fractional code", `,"error":{"code":1.5,"message":"bad input"}`, &jsonrpc.JSONRPCError{Message: "bad input"}},
		{"non-string message", `,"error":{"code":-32000,"message":{"a":1}}`, &jsonrpc.JSONRPCError{Code: -32000}},
		{"empty object", `,"error":{}`, &jsonrpc.JSONRPCError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Completion
			src := `{"rpc":{"id":"rpc_1","methodNodeId":"ref"},"payload":{"ok":true}` + tt.errJSON + `}`
			require.NoError(t, json.Unmarshal([]byte(src), &c))
			assert.Equal(t, "rpc_1", c.RPC.ID)
			assert.Equal(t, "ref", c.RPC.MethodRef)
			assert.JSONEq(t, `{"ok":true}`, string(c.Payload))
			assert.Equal(t, tt.want, c.Error)
		})
	}
}

func TestCompletion_UnmarshalRejectsMalformedJSON(t *testing.T) {
	var c Completion
	assert.Error(t, json.Unmarshal([]byte(`{"rpc":{"id":1}}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"rpc":`), &c))
}

func TestBroker_DecodedErrorCompletionRejects(t *testing.T) {
	tests := []struct {
		name        string
		errJSON     string
		wantCode    int
		wantMessage string
	}{
		{"string", `"bad input"`, jsonrpc.CodeInternalError, "bad input"},
		{"true", `true`, jsonrpc.CodeInternalError, "Internal error"},
		{"empty string", `""`, jsonrpc.CodeInternalError, "Internal error"},
		{"object with string code", `{"code":"E42","message":"bad input"}`, jsonrpc.CodeInternalError, "bad input"},
		{"object", `{"code":-32000,"message":"bad input"}`, -32000, "bad input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			fl := newFlow()
			reg, err := fx.broker.Register("m", fl)
			require.NoError(t, err)

			p, err := reg.Invoke(context.Background(), nil)
			require.NoError(t, err)
			ev := fl.next(t)

			var c Completion
			src := `{"rpc":{"id":"` + ev.RPC.ID + `","methodNodeId":"` + reg.Ref() + `"},"error":` + tt.errJSON + `}`
			require.NoError(t, json.Unmarshal([]byte(src), &c))
			require.Equal(t, Settled, fx.broker.Complete(c))

			_, werr := p.Wait(context.Background())
			var rpcErr *jsonrpc.JSONRPCError
			require.ErrorAs(t, werr, &rpcErr)
			assert.Equal(t, tt.wantCode, rpcErr.Code)
			assert.Equal(t, tt.wantMessage, rpcErr.Message)
		})
	}
}

func TestBroker_OutOfOrderSettlement(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Second})
	fl := newFlow()
	reg, err := fx.broker.Register("work", fl)
	require.NoError(t, err)

	pa, err := reg.Invoke(context.Background(), json.RawMessage(`"A"`))
	require.NoError(t, err)
	pb, err := reg.Invoke(context.Background(), json.RawMessage(`"B"`))
	require.NoError(t, err)
	evA, evB := fl.next(t), fl.next(t)
	require.NotEqual(t, evA.RPC.ID, evB.RPC.ID)

	require.Equal(t, Settled, fx.broker.Complete(reply(evB, `"b done"`)))
	_, settledA := pa.Result()
	assert.False(t, settledA)
	require.Equal(t, Settled, fx.broker.Complete(reply(evA, `"a done"`)))

	va, erra := pa.Wait(context.Background())
	vb, errb := pb.Wait(context.Background())
	require.NoError(t, erra)
	require.NoError(t, errb)
	assert.JSONEq(t, `"a done"`, string(va.(json.RawMessage)))
	assert.JSONEq(t, `"b done"`, string(vb.(json.RawMessage)))
}

func TestBroker_CompletionBeforeEmitReturns(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Second})
	var b *Broker = fx.broker
	_, err := b.Register("sync", EmitterFunc(func(_ context.Context, ev RequestEvent) error {
		if b.Complete(reply(ev, `42`)) != Settled {
			return errors.New("id was not resolvable during emit")
		}
		return nil
	}))
	require.NoError(t, err)

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"sync","id":1}`)
	assert.Equal(t, float64(42), resp["result"])
}

func TestBroker_EmitFailureRejectsCall(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Minute})
	reg, err := fx.broker.Register("broken", EmitterFunc(func(context.Context, RequestEvent) error {
		return errors.New("queue full")
	}))
	require.NoError(t, err)

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"broken","id":1}`)
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(jsonrpc.CodeInternalError), errObj["code"])
	assert.Equal(t, "request emit failed", errObj["message"])
	assert.Equal(t, 0, reg.Pending())
}

func TestBroker_BoundRequiresLiveRef(t *testing.T) {
	fx := newFixture(t, Config{})
	fl := newFlow()
	reg, err := fx.broker.Register("m", fl)
	require.NoError(t, err)
	p, err := reg.Invoke(context.Background(), nil)
	require.NoError(t, err)
	ev := fl.next(t)

	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: ev.RPC.ID}}))
	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: ev.RPC.ID, MethodRef: "nope"}}))
	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{MethodRef: reg.Ref()}}))
	assert.Equal(t, []any{ReasonMissingRef, ReasonUnknownRef, ReasonMissingID}, fx.unknownReasons())

	_, settled := p.Result()
	assert.False(t, settled)
	assert.Equal(t, Settled, fx.broker.Complete(reply(ev, `null`)))
}

func TestBroker_BoundTablesAreIndependent(t *testing.T) {
	fx := newFixture(t, Config{})
	fa, fb := newFlow(), newFlow()
	ra, err := fx.broker.Register("a", fa)
	require.NoError(t, err)
	rb, err := fx.broker.Register("b", fb)
	require.NoError(t, err)

	_, err = ra.Invoke(context.Background(), nil)
	require.NoError(t, err)
	ev := fa.next(t)

	// Right id, wrong registration.
	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: ev.RPC.ID, MethodRef: rb.Ref()}}))
	assert.Equal(t, 1, ra.Pending())
	assert.Equal(t, 0, rb.Pending())
}

func TestBroker_SharedTopology(t *testing.T) {
	fx := newFixture(t, Config{Topology: Shared})
	fa, fb := newFlow(), newFlow()
	ra, err := fx.broker.Register("a", fa)
	require.NoError(t, err)
	rb, err := fx.broker.Register("b", fb)
	require.NoError(t, err)

	pa, _ := ra.Invoke(context.Background(), nil)
	pb, _ := rb.Invoke(context.Background(), nil)
	evA, evB := fa.next(t), fb.next(t)

	// Without a ref the id alone is enough.
	assert.Equal(t, Settled, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: evA.RPC.ID}, Payload: json.RawMessage(`1`)}))
	// With a ref it must be the allocating registration.
	assert.Equal(t, Unknown, fx.broker.Complete(Completion{RPC: CompletionMeta{ID: evB.RPC.ID, MethodRef: ra.Ref()}}))
	assert.Equal(t, []any{ReasonOwnerMismatch}, fx.unknownReasons())
	assert.Equal(t, Settled, fx.broker.Complete(reply(evB, `2`)))

	for _, p := range []*Pending{pa, pb} {
		_, err := p.Wait(context.Background())
		assert.NoError(t, err)
	}
}

func TestBroker_SharedUnregisterFailsOnlyOwnCalls(t *testing.T) {
	fx := newFixture(t, Config{Topology: Shared})
	ra, _ := fx.broker.Register("a", newFlow())
	rb, _ := fx.broker.Register("b", newFlow())

	pa, _ := ra.Invoke(context.Background(), nil)
	pb, _ := rb.Invoke(context.Background(), nil)

	require.NoError(t, ra.Close())
	o, ok := pa.Result()
	require.True(t, ok)
	assert.ErrorIs(t, o.Err(), ErrHandlerUnregistered)
	_, ok = pb.Result()
	assert.False(t, ok)

	_, err := ra.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrHandlerUnregistered)
}

func TestBroker_UnregisterRejectsPendingAndRemovesMethod(t *testing.T) {
	fx := newFixture(t, Config{})
	fl := newFlow()
	reg, err := fx.broker.Register("m", fl)
	require.NoError(t, err)

	p, _ := reg.Invoke(context.Background(), nil)
	ev := fl.next(t)

	require.NoError(t, fx.broker.Unregister("m"))
	_, werr := p.Wait(context.Background())
	assert.ErrorIs(t, werr, ErrHandlerUnregistered)
	assert.False(t, fx.broker.Registry().Has("m"))
	assert.Equal(t, Unknown, fx.broker.Complete(reply(ev, `1`)))

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"m","id":1}`)
	assert.Equal(t, float64(jsonrpc.CodeMethodNotFound), resp["error"].(map[string]any)["code"])

	assert.ErrorIs(t, fx.broker.Unregister("m"), ErrNotRegistered)
	assert.NoError(t, reg.Close())
}

func TestBroker_RegistrationCloseLeavesReRegistrationAlone(t *testing.T) {
	fx := newFixture(t, Config{})
	old, err := fx.broker.Register("m", newFlow())
	require.NoError(t, err)
	require.NoError(t, old.Close())

	fresh, err := fx.broker.Register("m", newFlow())
	require.NoError(t, err)
	require.NoError(t, old.Close())

	cur, ok := fx.broker.Registration("m")
	require.True(t, ok)
	assert.Same(t, fresh, cur)
}

func TestBroker_DuplicateRegistration(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.broker.Register("m", newFlow())
	require.NoError(t, err)
	_, err = fx.broker.Register("m", newFlow())
	assert.ErrorIs(t, err, jsonrpc.ErrMethodExists)
	assert.Equal(t, []string{"m"}, fx.broker.Registry().Names())
}

func TestBroker_CallerContextEndLeavesCallPending(t *testing.T) {
	fx := newFixture(t, Config{Timeout: time.Minute})
	fl := newFlow()
	reg, err := fx.broker.Register("m", fl)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := reg.Handle(ctx, nil)
		done <- err
	}()
	ev := fl.next(t)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, reg.Pending())

	assert.Equal(t, Settled, fx.broker.Complete(reply(ev, `1`)))
	assert.Equal(t, 0, reg.Pending())
}

func TestBroker_CloseRejectsEverything(t *testing.T) {
	for _, topo := range []Topology{Bound, Shared} {
		t.Run(topo.String(), func(t *testing.T) {
			fx := newFixture(t, Config{Topology: topo, Timeout: time.Minute})
			names := []string{"a", "b", "c"}
			var pendings []*Pending
			for _, name := range names {
				reg, err := fx.broker.Register(name, newFlow())
				require.NoError(t, err)
				for i := 0; i < 3; i++ {
					p, err := reg.Invoke(context.Background(), nil)
					require.NoError(t, err)
					pendings = append(pendings, p)
				}
			}

			require.NoError(t, fx.broker.Close())
			require.NoError(t, fx.broker.Close())

			for _, p := range pendings {
				o, ok := p.Result()
				require.True(t, ok)
				assert.ErrorIs(t, o.Err(), ErrServerClosed)
			}
			assert.Equal(t, 0, fx.broker.Registry().Len())
			assert.Empty(t, fx.endpoint.Methods())

			_, err := fx.broker.Register("d", newFlow())
			assert.ErrorIs(t, err, ErrServerClosed)
		})
	}
}

func TestBroker_ConcurrentCallsAllSettle(t *testing.T) {
	fx := newFixture(t, Config{Timeout: 5 * time.Second})
	var b *Broker = fx.broker
	_, err := b.Register("echo", EmitterFunc(func(_ context.Context, ev RequestEvent) error {
		go b.Complete(Completion{RPC: CompletionMeta{ID: ev.RPC.ID, MethodRef: ev.RPC.MethodRef}, Payload: ev.Payload})
		return nil
	}))
	require.NoError(t, err)
	reg, _ := b.Registration("echo")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params, _ := json.Marshal(i)
			v, err := reg.Handle(context.Background(), params)
			if assert.NoError(t, err) {
				assert.JSONEq(t, string(params), string(v.(json.RawMessage)))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Pending())
}

func TestBroker_SchemaAndDescriptionReachTheEngine(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.broker.Register("greet", newFlow(),
		WithDescription("Greets someone"),
		WithSchema(json.RawMessage(`{"type":"object","required":["name"]}`), true, true),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)

	methods := fx.endpoint.Methods()
	require.Len(t, methods, 1)
	assert.Equal(t, "Greets someone", methods[0].Description)
	assert.JSONEq(t, `{"type":"object","required":["name"]}`, string(methods[0].Schema))

	resp := fx.call(t, `{"jsonrpc":"2.0","method":"greet","params":{},"id":1}`)
	assert.Equal(t, float64(jsonrpc.CodeInvalidParams), resp["error"].(map[string]any)["code"])
	reg, _ := fx.broker.Registration("greet")
	assert.Equal(t, 0, reg.Pending())
}

func TestParseTopology(t *testing.T) {
	for in, want := range map[string]Topology{"": Bound, "bound": Bound, "shared": Shared} {
		got, err := ParseTopology(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTopology("ring")
	assert.Error(t, err)
}

func TestDispatchResultString(t *testing.T) {
	assert.Equal(t, "settled", Settled.String())
	assert.Equal(t, "unknown", Unknown.String())
}

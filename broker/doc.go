// Package broker correlates JSON-RPC calls with the asynchronous completions
// of a flow.
//
// A Registration serves one method. Each call allocates an entry in a
// correlation Table, emits a RequestEvent carrying the entry id and the
// registration reference, and waits. A Completion carrying the same id
// settles the entry; the reaper rejects it with ErrMethodTimeout when the
// deadline passes first; unregistering the method or closing the broker
// rejects whatever is left. Whichever happens first wins, and everything
// after that is dropped: a late completion is reported as Unknown and logged.
//
//	e := jsonrpc.NewEndpoint()
//	b := broker.New(e, broker.Config{Timeout: 5 * time.Second})
//	b.Register("ping", broker.EmitterFunc(func(ctx context.Context, ev broker.RequestEvent) error {
//	    go b.Complete(broker.Completion{
//	        RPC:     broker.CompletionMeta{ID: ev.RPC.ID, MethodRef: ev.RPC.MethodRef},
//	        Payload: json.RawMessage(`"pong"`),
//	    })
//	    return nil
//	}))
//
// With the Bound topology every registration owns a table and completions
// must carry the MethodRef of the request event. With Shared there is a
// single table and MethodRef is optional.
package broker

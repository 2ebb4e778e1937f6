// Command flow-call invokes one method on a JSON-RPC server and prints the
// result.
//
//	flow-call -url http://localhost:8080/rpc echo '{"hello":"world"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mnehpets/flowrpc/client"
)

var (
	urlFlag     = flag.String("url", "http://localhost:8080/rpc", "Server `URL`.")
	timeoutFlag = flag.Duration("timeout", client.DefaultTimeout, "Call timeout.")
	notifyFlag  = flag.Bool("notify", false, "Send a notification and expect no result.")
	safeFlag    = flag.Bool("safe", false, "Request safe mode (X-RPC-Safe).")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] method [params-json]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}
	_ = godotenv.Load()

	method := flag.Arg(0)
	var params any
	if flag.NArg() == 2 {
		raw := json.RawMessage(flag.Arg(1))
		if !json.Valid(raw) {
			fmt.Fprintln(os.Stderr, "params must be valid JSON")
			os.Exit(2)
		}
		params = raw
	}

	opts := []client.Option{
		client.WithTimeout(*timeoutFlag),
		client.WithBearerToken(os.Getenv("FLOWRPC_TOKEN")),
	}
	if *safeFlag {
		opts = append(opts, client.WithSafeMode())
	}
	c := client.New(*urlFlag, opts...)

	ctx := context.Background()
	if *notifyFlag {
		if err := c.Notify(ctx, method, params); err != nil {
			fail(err)
		}
		return
	}

	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		fail(err)
	}
	fmt.Println(string(result))
}

func fail(err error) {
	rpcErr := client.AsRPCError(err)
	out, _ := json.Marshal(rpcErr)
	fmt.Fprintln(os.Stderr, string(out))
	os.Exit(1)
}

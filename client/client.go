// Package client calls remote JSON-RPC 2.0 servers over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mnehpets/flowrpc/jsonrpc"
)

// DefaultTimeout bounds a call when WithTimeout is not given.
const DefaultTimeout = 5 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client is a JSON-RPC 2.0 client for one server URL.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	token   oauth2.TokenSource
	safe    bool
	headers http.Header
	nextID  atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each call, including the wait for the response.
// d <= 0 disables the client-side timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBearerToken sends "Authorization: Bearer token" on every call.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token == "" {
			c.token = nil
			return
		}
		c.token = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
}

// WithTokenSource authenticates calls with tokens from ts, e.g. a client
// credentials flow.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.token = ts
	}
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSafeMode sets the X-RPC-Safe header, asking servers that support it to
// preserve non-JSON types in their responses.
func WithSafeMode() Option {
	return func(c *Client) {
		c.safe = true
	}
}

// WithHeader adds a header to every call.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// New returns a client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token != nil {
		base := c.http
		c.http = &http.Client{
			Transport:     &oauth2.Transport{Source: c.token, Base: base.Transport},
			CheckRedirect: base.CheckRedirect,
			Jar:           base.Jar,
			Timeout:       base.Timeout,
		}
	}
	return c
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type response struct {
	JSONRPC string                `json:"jsonrpc"`
	Result  json.RawMessage       `json:"result"`
	Error   *jsonrpc.JSONRPCError `json:"error"`
	ID      json.RawMessage       `json:"id"`
}

// Call invokes method with params and decodes the result into result, which
// may be nil to discard it. A server-side error is returned as a
// *jsonrpc.JSONRPCError; transport failures are returned wrapped.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
	body, err := c.post(ctx, request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return errors.Wrapf(err, "client: call %s", method)
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return errors.Wrapf(err, "client: call %s: decode response", method)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if !bytes.Equal(resp.ID, id) {
		return errors.Errorf("client: call %s: response id %s does not match request id %s", method, resp.ID, id)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return errors.Wrapf(err, "client: call %s: decode result", method)
	}
	return nil
}

// Notify sends a notification; the server sends no response body.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	_, err := c.post(ctx, request{JSONRPC: "2.0", Method: method, Params: params})
	return errors.Wrapf(err, "client: notify %s", method)
}

func (c *Client) post(ctx context.Context, req request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, vs := range c.headers {
		hr.Header[k] = append([]string(nil), vs...)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if c.safe {
		hr.Header.Set("X-RPC-Safe", "true")
	}

	res, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	switch res.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNoContent:
		if req.ID == nil {
			return nil, nil
		}
	}
	return nil, errors.Errorf("unexpected status %d: %s", res.StatusCode, bytes.TrimSpace(body))
}

// AsRPCError maps err onto a JSON-RPC error object: server errors keep their
// code and anything else becomes an internal error (-32603) carrying the
// error text. It returns nil for a nil err.
func AsRPCError(err error) *jsonrpc.JSONRPCError {
	return jsonrpc.AsError(err)
}

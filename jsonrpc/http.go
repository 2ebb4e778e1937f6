package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/flowrpc/endpoint"
)

// rpcParams captures the raw JSON-RPC request body. Parsing is deferred to
// the endpoint because JSON-RPC reports malformed JSON as a response, not as
// an HTTP error.
type rpcParams struct {
	Body []byte `body:""`
}

// Endpoint is the endpoint function that processes JSON-RPC requests.
// Pass to endpoint.Handler() to create an http.Handler.
func (e *JSONRPCEndpoint) Endpoint(w http.ResponseWriter, r *http.Request, params rpcParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "JSON-RPC requires POST method", nil)
	}
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, endpoint.Error(http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}
	if e.maxBodyBytes > 0 && len(params.Body) > e.maxBodyBytes {
		return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	return e.handleBody(r.Context(), params.Body), nil
}

var nullID = json.RawMessage("null")

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type response struct {
	Result any
	Error  *JSONRPCError
	ID     json.RawMessage
}

// MarshalJSON always writes "id", and exactly one of "result" or "error".
func (r response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullID
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Error   *JSONRPCError   `json:"error"`
			ID      json.RawMessage `json:"id"`
		}{"2.0", r.Error, id})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  any             `json:"result"`
		ID      json.RawMessage `json:"id"`
	}{"2.0", r.Result, id})
}

// handleBody processes a single request or a batch. Batch members run
// concurrently; responses keep request order.
func (e *JSONRPCEndpoint) handleBody(ctx context.Context, body []byte) endpoint.Renderer {
	body = bytes.TrimSpace(body)
	var reqs []json.RawMessage
	single := true

	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &reqs); err != nil {
			return &jsonrpcRenderer{err: NewError(CodeParseError, "parse error")}
		}
		single = false
	} else {
		reqs = []json.RawMessage{body}
	}
	if len(reqs) == 0 {
		return &jsonrpcRenderer{err: NewError(CodeInvalidRequest, "invalid request")}
	}

	responses := make([]*response, len(reqs))
	if single {
		responses[0] = e.handleOne(ctx, reqs[0])
	} else {
		var g errgroup.Group
		if e.batchConcurrency > 0 {
			g.SetLimit(e.batchConcurrency)
		}
		for i, raw := range reqs {
			g.Go(func() error {
				responses[i] = e.handleOne(ctx, raw)
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]*response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			out = append(out, resp)
		}
	}
	// No responses means all requests were notifications.
	if len(out) == 0 {
		return &jsonrpcRenderer{noContent: true}
	}
	return &jsonrpcRenderer{responses: out, single: single}
}

// handleOne returns nil for notifications.
func (e *JSONRPCEndpoint) handleOne(ctx context.Context, raw json.RawMessage) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		if !json.Valid(raw) {
			return &response{Error: NewError(CodeParseError, "parse error")}
		}
		return &response{Error: NewError(CodeInvalidRequest, "invalid request")}
	}
	if req.JSONRPC != "2.0" {
		return &response{Error: NewError(CodeInvalidRequest, "invalid request"), ID: req.ID}
	}
	if req.Method == "" {
		return &response{Error: NewError(CodeInvalidRequest, "method required"), ID: req.ID}
	}

	// Notification: no id means no response expected.
	if len(req.ID) == 0 {
		_, _ = e.invokeMethod(ctx, req.Method, req.Params)
		return nil
	}

	result, err := e.invokeMethod(ctx, req.Method, req.Params)
	if err != nil {
		return &response{Error: AsError(err), ID: req.ID}
	}
	return &response{Result: result, ID: req.ID}
}

// jsonrpcRenderer renders JSON-RPC responses.
type jsonrpcRenderer struct {
	responses []*response
	single    bool
	noContent bool
	err       *JSONRPCError
}

func (r *jsonrpcRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if r.noContent {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	switch {
	case r.err != nil:
		return enc.Encode(response{Error: r.err})
	case r.single:
		return enc.Encode(r.responses[0])
	default:
		return enc.Encode(r.responses)
	}
}

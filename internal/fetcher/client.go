package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMethod is the JSON-RPC method returning a batch's pubdata.
const DefaultMethod = "zks_getBatchPubdata"

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 64 * 1024 * 1024

// ErrFetchEmpty means the endpoint answered but has no data for the batch
// yet. It is an expected, retryable outcome.
var ErrFetchEmpty = errors.New("batch not available yet")

// TransportError is a failed call: the request did not produce a usable
// answer. It is retryable like ErrFetchEmpty but logged separately.
type TransportError struct {
	Batch  int64
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch batch %d: http status %d: %v", e.Batch, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch batch %d: %v", e.Batch, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client fetches one batch's payload.
type Client interface {
	// FetchBatch returns the payload for batch n, ErrFetchEmpty when the
	// batch is not available yet, or a *TransportError.
	FetchBatch(ctx context.Context, n int64) (json.RawMessage, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, n int64) (json.RawMessage, error)

// FetchBatch implements Client.
func (f ClientFunc) FetchBatch(ctx context.Context, n int64) (json.RawMessage, error) {
	return f(ctx, n)
}

// RPCClientConfig configures an RPCClient.
type RPCClientConfig struct {
	Endpoint string
	Method   string        // defaults to DefaultMethod
	Timeout  time.Duration // per request, 0 = 30s
	// RateLimit caps requests per second (0 = unlimited).
	RateLimit float64
}

// RPCClient calls a JSON-RPC 2.0 endpoint over HTTP POST.
type RPCClient struct {
	endpoint   string
	method     string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// NewRPCClient creates a client for cfg.Endpoint.
func NewRPCClient(cfg RPCClientConfig) *RPCClient {
	method := cfg.Method
	if method == "" {
		method = DefaultMethod
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &RPCClient{
		endpoint: cfg.Endpoint,
		method:   method,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// FetchBatch implements Client.
func (c *RPCClient) FetchBatch(ctx context.Context, n int64) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  c.method,
		Params:  []any{n},
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Batch: n, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Batch: n, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Batch: n, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Batch: n, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var r rpcResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &TransportError{Batch: n, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if r.Error != nil {
		return nil, &TransportError{Batch: n, Status: resp.StatusCode, Err: r.Error}
	}
	if IsEmptyResult(r.Result) {
		return nil, ErrFetchEmpty
	}
	return r.Result, nil
}

// IsEmptyResult reports whether a result carries no data: absent, null, an
// empty string, an empty array or an empty object.
func IsEmptyResult(result json.RawMessage) bool {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", `""`:
		return true
	}

	switch trimmed[0] {
	case '[':
		var arr []json.RawMessage
		return json.Unmarshal(trimmed, &arr) == nil && len(arr) == 0
	case '{':
		var obj map[string]json.RawMessage
		return json.Unmarshal(trimmed, &obj) == nil && len(obj) == 0
	}
	return false
}

var _ Client = (*RPCClient)(nil)

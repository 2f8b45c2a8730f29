package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// rpcHandler answers JSON-RPC requests with respond(batch).
func rpcHandler(t *testing.T, respond func(w http.ResponseWriter, batch int64)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.JSONRPC != "2.0" || req.Method != DefaultMethod || len(req.Params) != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		n, _ := req.Params[0].(float64)
		respond(w, int64(n))
	}
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":`+result+`}`)
}

// =============================================================================
// RPCClient
// =============================================================================

func TestRPCClient_Success(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, batch int64) {
		if batch != 7 {
			t.Errorf("batch = %d, want 7", batch)
		}
		writeResult(w, `{"pubdata":"0xabc"}`)
	}))
	defer srv.Close()

	c := NewRPCClient(RPCClientConfig{Endpoint: srv.URL})
	got, err := c.FetchBatch(context.Background(), 7)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if string(got) != `{"pubdata":"0xabc"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRPCClient_EmptyResults(t *testing.T) {
	testCases := []struct {
		name   string
		result string
	}{
		{"null", `null`},
		{"empty_array", `[]`},
		{"empty_string", `""`},
		{"empty_object", `{}`},
		{"spaced_array", `[ ]`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, _ int64) {
				writeResult(w, tc.result)
			}))
			defer srv.Close()

			_, err := NewRPCClient(RPCClientConfig{Endpoint: srv.URL}).FetchBatch(context.Background(), 1)
			if !errors.Is(err, ErrFetchEmpty) {
				t.Errorf("err = %v, want ErrFetchEmpty", err)
			}
		})
	}
}

func TestRPCClient_MissingResultIsEmpty(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, _ int64) {
		io.WriteString(w, `{"jsonrpc":"2.0","id":1}`)
	}))
	defer srv.Close()

	_, err := NewRPCClient(RPCClientConfig{Endpoint: srv.URL}).FetchBatch(context.Background(), 1)
	if !errors.Is(err, ErrFetchEmpty) {
		t.Errorf("err = %v, want ErrFetchEmpty", err)
	}
}

func TestRPCClient_TransportErrors(t *testing.T) {
	testCases := []struct {
		name       string
		respond    func(w http.ResponseWriter)
		wantStatus int
	}{
		{
			name:       "http_500",
			respond:    func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "http_404",
			respond:    func(w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bad_json",
			respond:    func(w http.ResponseWriter) { io.WriteString(w, `{"jsonrpc":`) },
			wantStatus: http.StatusOK,
		},
		{
			name: "rpc_error",
			respond: func(w http.ResponseWriter) {
				io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
			},
			wantStatus: http.StatusOK,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, _ int64) {
				tc.respond(w)
			}))
			defer srv.Close()

			_, err := NewRPCClient(RPCClientConfig{Endpoint: srv.URL}).FetchBatch(context.Background(), 3)
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *TransportError", err)
			}
			if te.Status != tc.wantStatus {
				t.Errorf("Status = %d, want %d", te.Status, tc.wantStatus)
			}
			if te.Batch != 3 {
				t.Errorf("Batch = %d, want 3", te.Batch)
			}
			if errors.Is(err, ErrFetchEmpty) {
				t.Error("transport error must not look like an empty result")
			}
		})
	}
}

func TestRPCClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRPCClient(RPCClientConfig{Endpoint: url, Timeout: time.Second}).FetchBatch(context.Background(), 1)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if te.Status != 0 {
		t.Errorf("Status = %d, want 0 for no response", te.Status)
	}
}

func TestRPCClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, _ int64) {
		writeResult(w, `"x"`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRPCClient(RPCClientConfig{Endpoint: srv.URL}).FetchBatch(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRPCClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(w http.ResponseWriter, _ int64) {
		writeResult(w, `"x"`)
	}))
	defer srv.Close()

	c := NewRPCClient(RPCClientConfig{Endpoint: srv.URL, RateLimit: 20})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchBatch(context.Background(), int64(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	// Burst of one: the second and third calls wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls at 20/s took %v, limiter not applied", elapsed)
	}
}

func TestIsEmptyResult(t *testing.T) {
	testCases := []struct {
		in   string
		want bool
	}{
		{``, true},
		{`null`, true},
		{` null `, true},
		{`""`, true},
		{`[]`, true},
		{`{}`, true},
		{`"x"`, false},
		{`[1]`, false},
		{`{"a":1}`, false},
		{`0`, false},
		{`false`, false},
	}
	for _, tc := range testCases {
		if got := IsEmptyResult(json.RawMessage(tc.in)); got != tc.want {
			t.Errorf("IsEmptyResult(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// =============================================================================
// LatencyTracker
// =============================================================================

func TestLatencyTracker(t *testing.T) {
	l := NewLatencyTracker()
	if p50, _, _, _ := l.Percentiles(); p50 != 0 {
		t.Errorf("empty tracker p50 = %v", p50)
	}

	for i := 1; i <= 100; i++ {
		l.Record(time.Duration(i) * time.Millisecond)
	}
	p50, p95, p99, max := l.Percentiles()
	if l.Count() != 100 {
		t.Errorf("Count = %d", l.Count())
	}
	if p50 < 40*time.Millisecond || p50 > 60*time.Millisecond {
		t.Errorf("p50 = %v, want ~50ms", p50)
	}
	if !(p50 <= p95 && p95 <= p99) {
		t.Errorf("percentiles not ordered: %v %v %v", p50, p95, p99)
	}
	if max != 100*time.Millisecond {
		t.Errorf("max = %v, want 100ms", max)
	}
}

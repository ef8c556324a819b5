package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

// rpcHandler answers every request with the scripted response body.
func rpcHandler(t *testing.T, respond func(req rpcRequest) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respond(req))
	}
}

func TestSubmitRawTransaction(t *testing.T) {
	payload := []byte("signed-payload")
	var gotMethod string
	var gotParam string

	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		gotMethod = req.Method
		if len(req.Params) == 1 {
			gotParam, _ = req.Params[0].(string)
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"hash-abc"}`, req.ID)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	hash, err := client.SubmitRawTransaction(context.Background(), payload)
	if err != nil {
		t.Fatalf("SubmitRawTransaction: %v", err)
	}
	if hash != "hash-abc" {
		t.Errorf("got hash %q, want hash-abc", hash)
	}
	if gotMethod != "submitRawTransaction" {
		t.Errorf("got method %q, want submitRawTransaction", gotMethod)
	}
	if gotParam != base58.Encode(payload) {
		t.Errorf("payload param = %q, want base58 of the raw payload", gotParam)
	}
}

func TestSubmitRawTransaction_ClassifiesNodeRejection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		calls.Add(1)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"nonce too low"}}`, req.ID)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	_, err := client.SubmitRawTransaction(context.Background(), []byte("payload"))

	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("got %T (%v), want *SubmitError", err, err)
	}
	if submitErr.Reason != ReasonNonceTooLow {
		t.Errorf("got reason %q, want %q", submitErr.Reason, ReasonNonceTooLow)
	}
	if submitErr.Code != -32000 {
		t.Errorf("got code %d, want -32000", submitErr.Code)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("node rejection was retried %d times, RPC errors must not be retried", n-1)
	}
}

func TestSubmitRawTransaction_TransportFailureIsNodeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // connection refused from here on

	client := NewHTTPClient(server.URL, WithMaxRetries(1), WithRetryDelay(time.Millisecond))
	_, err := client.SubmitRawTransaction(context.Background(), []byte("payload"))

	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("got %T (%v), want *SubmitError", err, err)
	}
	if submitErr.Reason != ReasonNodeUnreachable {
		t.Errorf("got reason %q, want %q", submitErr.Reason, ReasonNodeUnreachable)
	}
}

func TestSubmitRawTransaction_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(func() http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "bad gateway", http.StatusBadGateway)
				return
			}
			var req rpcRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"hash-retry"}`, req.ID)
		}
	}())
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Millisecond))
	hash, err := client.SubmitRawTransaction(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("SubmitRawTransaction: %v", err)
	}
	if hash != "hash-retry" {
		t.Errorf("got hash %q, want hash-retry", hash)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("got %d calls, want 2 (one failure, one retry)", n)
	}
}

func TestSubmitRawTransaction_EmptyHashIsUnknown(t *testing.T) {
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":""}`, req.ID)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	_, err := client.SubmitRawTransaction(context.Background(), []byte("payload"))

	var submitErr *SubmitError
	if !errors.As(err, &submitErr) {
		t.Fatalf("got %T (%v), want *SubmitError", err, err)
	}
	if submitErr.Reason != ReasonUnknown {
		t.Errorf("got reason %q, want %q", submitErr.Reason, ReasonUnknown)
	}
}

func TestGetAddressNonce(t *testing.T) {
	var gotMethod string
	var gotParam string
	server := httptest.NewServer(rpcHandler(t, func(req rpcRequest) string {
		gotMethod = req.Method
		if len(req.Params) == 1 {
			gotParam, _ = req.Params[0].(string)
		}
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":42}`, req.ID)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	nonce, err := client.GetAddressNonce(context.Background(), "sender-addr")
	if err != nil {
		t.Fatalf("GetAddressNonce: %v", err)
	}
	if nonce != 42 {
		t.Errorf("got nonce %d, want 42", nonce)
	}
	if gotMethod != "getAddressNonce" {
		t.Errorf("got method %q, want getAddressNonce", gotMethod)
	}
	if gotParam != "sender-addr" {
		t.Errorf("got param %q, want sender-addr", gotParam)
	}
}

func TestCallRespectsContextDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.SubmitRawTransaction(ctx, []byte("payload"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call blocked %v in backoff, context must cut it short", elapsed)
	}
}

package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

func planRequest() *Request {
	return &Request{
		Parsed: &anthropic.MessagesRequest{Model: "claude-sonnet-4-5", MaxTokens: 100},
		Raw:    []byte(`{"model":"claude-sonnet-4-5","max_tokens":100}`),
		Headers: PassthroughHeaders{
			APIKey:           "sk-test",
			AnthropicVersion: "2023-06-01",
			AnthropicBeta:    "interleaved-thinking-2025-05-14",
		},
	}
}

func TestPlanAdapterInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-beta") != "interleaved-thinking-2025-05-14" {
			t.Errorf("anthropic-beta = %q", r.Header.Get("anthropic-beta"))
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"max_tokens":100`) {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":34}}`))
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	resp, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())
	if errInvoke != nil {
		t.Fatalf("invoke: %v", errInvoke)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 34 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
	if resp.Model != "claude-sonnet-4-5" {
		t.Fatalf("model = %q", resp.Model)
	}
}

func TestPlanAdapterClassifies429(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ErrorKind
	}{
		{"usage limit", `{"error":{"type":"rate_limit_error","message":"usage limit reached"}}`, ErrKindUsageLimit},
		{"rate limit", `{"error":{"type":"rate_limit_error","message":"too many requests"}}`, ErrKindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := NewPlanAdapter(server.Client(), server.URL)
			_, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())

			adapterErr := requireAdapterError(t, errInvoke)
			if adapterErr.Kind != tt.want {
				t.Fatalf("kind = %q, want %q", adapterErr.Kind, tt.want)
			}
			if !adapterErr.Retryable {
				t.Fatal("429 must be retryable")
			}
		})
	}
}

func TestPlanAdapterClassifiesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	_, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())

	adapterErr := requireAdapterError(t, errInvoke)
	if adapterErr.Kind != ErrKindServerError || adapterErr.Status != 502 || !adapterErr.Retryable {
		t.Fatalf("err = %+v", adapterErr)
	}
}

func TestPlanAdapterClassifiesClientError(t *testing.T) {
	longBody := strings.Repeat("x", 500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(longBody))
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	_, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())

	adapterErr := requireAdapterError(t, errInvoke)
	if adapterErr.Kind != ErrKindClientError || adapterErr.Retryable {
		t.Fatalf("err = %+v", adapterErr)
	}
	if len(adapterErr.Message) != maxErrorBodyLen {
		t.Fatalf("message length = %d", len(adapterErr.Message))
	}
}

func TestPlanAdapterInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	_, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())

	adapterErr := requireAdapterError(t, errInvoke)
	if adapterErr.Kind != ErrKindServerError || adapterErr.Status != 502 {
		t.Fatalf("err = %+v", adapterErr)
	}
}

func TestPlanAdapterNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	adapter := NewPlanAdapter(&http.Client{Timeout: time.Second}, server.URL)
	_, errInvoke := adapter.Invoke(context.Background(), &RequestContext{}, planRequest())

	adapterErr := requireAdapterError(t, errInvoke)
	if adapterErr.Kind != ErrKindNetwork || adapterErr.Status != 503 {
		t.Fatalf("err = %+v", adapterErr)
	}
}

func TestPlanAdapterStreamPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(planStyleSSE))
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	handle, errStream := adapter.Stream(context.Background(), &RequestContext{}, planRequest())
	if errStream != nil {
		t.Fatalf("stream: %v", errStream)
	}
	defer handle.Body.Close()

	body, errRead := io.ReadAll(handle.Body)
	if errRead != nil {
		t.Fatalf("read: %v", errRead)
	}
	if string(body) != planStyleSSE {
		t.Fatalf("stream body altered:\n%s", body)
	}
}

func TestPlanAdapterCountTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/count_tokens" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"input_tokens":777}`))
	}))
	defer server.Close()

	adapter := NewPlanAdapter(server.Client(), server.URL)
	result, errCount := adapter.CountTokens(context.Background(), planRequest())
	if errCount != nil {
		t.Fatalf("count tokens: %v", errCount)
	}
	if result.InputTokens != 777 {
		t.Fatalf("input tokens = %d", result.InputTokens)
	}
}

func requireAdapterError(t *testing.T, err error) *AdapterError {
	t.Helper()
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("err = %v, want *AdapterError", err)
	}
	return adapterErr
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/db"
	"github.com/claudecode-proxy/gateway/internal/metrics"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/proxy"
	"github.com/claudecode-proxy/gateway/internal/recorder"
	"github.com/claudecode-proxy/gateway/internal/security"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano()), time.UTC)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

type fakeRouter struct {
	response *proxy.ProxyResponse
	stream   *proxy.StreamResult
}

func (f *fakeRouter) Route(_ context.Context, _ *proxy.RequestContext, _ *proxy.Request) *proxy.ProxyResponse {
	return f.response
}

func (f *fakeRouter) Stream(_ context.Context, _ *proxy.RequestContext, _ *proxy.Request) *proxy.StreamResult {
	return f.stream
}

type fakeCounter struct {
	response *anthropic.CountTokensResponse
	err      error
	hasKey   bool
}

func (f *fakeCounter) CountTokens(_ context.Context, _ *proxy.Request) (*anthropic.CountTokensResponse, error) {
	return f.response, f.err
}

func (f *fakeCounter) HasAPIKey() bool { return f.hasKey }

type captureSink struct {
	mu      sync.Mutex
	entries []recorder.Entry
}

func (s *captureSink) Enqueue(entry recorder.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *captureSink) all() []recorder.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recorder.Entry(nil), s.entries...)
}

func newTestServer(t *testing.T, router Router, counter TokenCounter) (*Server, string, *captureSink) {
	t.Helper()
	conn := openTestDB(t)
	hasher := security.NewKeyHasher("test-hash-secret")
	auth := proxy.NewAuthService(conn, hasher, cache.NewMemoryStore(time.Minute), "ap-northeast-2")

	user := &models.User{
		Email:           fmt.Sprintf("server_%d@example.com", time.Now().UnixNano()),
		Status:          models.UserStatusActive,
		RoutingStrategy: models.RoutingPlanFirst,
	}
	if errCreate := conn.Create(user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	rawKey, prefix, errGen := security.GenerateAccessKey()
	if errGen != nil {
		t.Fatalf("generate key: %v", errGen)
	}
	key := &models.AccessKey{
		UserID:    user.ID,
		Name:      "test key",
		KeyHash:   hasher.Hash(rawKey),
		KeyPrefix: prefix,
		Status:    models.AccessKeyStatusActive,
	}
	if errCreate := conn.Create(key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}

	sink := &captureSink{}
	return New(auth, router, counter, sink, metrics.New(), conn), rawKey, sink
}

const messagesBody = `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`

func postMessages(s *Server, rawKey, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/ak/"+rawKey+"/v1/messages", strings.NewReader(body))
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeErrorEnvelope(t *testing.T, body []byte) anthropic.ErrorEnvelope {
	t.Helper()
	var envelope anthropic.ErrorEnvelope
	if errDecode := json.Unmarshal(body, &envelope); errDecode != nil {
		t.Fatalf("decode error envelope: %v", errDecode)
	}
	return envelope
}

func TestMessagesUnknownKeyReturns404(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeRouter{}, &fakeCounter{})

	rec := postMessages(s, "ak_doesnotexist", messagesBody, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	if envelope.Error.Type != "not_found_error" {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
}

func TestMessagesRejectsInvalidBody(t *testing.T) {
	s, rawKey, _ := newTestServer(t, &fakeRouter{}, &fakeCounter{})

	rec := postMessages(s, rawKey, "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	if envelope.Error.Type != "invalid_request_error" {
		t.Fatalf("error type = %q", envelope.Error.Type)
	}
}

func TestMessagesUnarySuccess(t *testing.T) {
	responseBody := []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":10,"output_tokens":5}}`)
	router := &fakeRouter{response: &proxy.ProxyResponse{
		Success:  true,
		Body:     responseBody,
		Usage:    &anthropic.Usage{InputTokens: 10, OutputTokens: 5},
		Provider: proxy.ProviderPlan,
		Model:    "claude-sonnet-4-5",
		Status:   200,
	}}
	s, rawKey, sink := newTestServer(t, router, &fakeCounter{})

	rec := postMessages(s, rawKey, messagesBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != string(responseBody) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	entries := sink.all()
	if len(entries) != 1 {
		t.Fatalf("recorded entries = %d", len(entries))
	}
	entry := entries[0]
	if entry.Provider != proxy.ProviderPlan || entry.Region != "global" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Model != "claude-sonnet-4-5" || entry.Usage.InputTokens != 10 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Streaming {
		t.Fatal("unary entry marked streaming")
	}
	if entry.RequestID == "" {
		t.Fatal("entry missing request id")
	}
}

func TestMessagesErrorEnvelope(t *testing.T) {
	router := &fakeRouter{response: &proxy.ProxyResponse{
		Success:      false,
		Provider:     proxy.ProviderPlan,
		Status:       429,
		ErrorType:    "rate_limit_error",
		ErrorMessage: "rate limit exceeded",
	}}
	s, rawKey, sink := newTestServer(t, router, &fakeCounter{})

	rec := postMessages(s, rawKey, messagesBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	if envelope.Error.Type != "rate_limit_error" || envelope.Error.Message != "rate limit exceeded" {
		t.Fatalf("envelope = %+v", envelope)
	}
	if envelope.RequestID == "" {
		t.Fatal("envelope missing request id")
	}
	if len(sink.all()) != 0 {
		t.Fatal("failed request must not record usage")
	}
}

const streamSSE = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":120,"output_tokens":1,"cache_read_input_tokens":50}}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","usage":{"output_tokens":42}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestMessagesStreamingRelaysAndRecords(t *testing.T) {
	router := &fakeRouter{stream: &proxy.StreamResult{
		Stream: &proxy.StreamHandle{
			Body:  io.NopCloser(strings.NewReader(streamSSE)),
			Model: "claude-sonnet-4-5",
		},
		Provider:   proxy.ProviderBedrock,
		IsFallback: true,
	}}
	s, rawKey, sink := newTestServer(t, router, &fakeCounter{})

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := postMessages(s, rawKey, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	if rec.Body.String() != streamSSE {
		t.Fatalf("relayed body = %q", rec.Body.String())
	}

	entries := sink.all()
	if len(entries) != 1 {
		t.Fatalf("recorded entries = %d", len(entries))
	}
	entry := entries[0]
	if !entry.Streaming || !entry.IsFallback {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Provider != proxy.ProviderBedrock || entry.Region != "ap-northeast-2" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Usage.InputTokens != 120 || entry.Usage.OutputTokens != 42 || entry.Usage.CacheReadInputTokens != 50 {
		t.Fatalf("usage = %+v", entry.Usage)
	}
}

func TestMessagesStreamingErrorSendsEnvelope(t *testing.T) {
	router := &fakeRouter{stream: &proxy.StreamResult{
		Provider: proxy.ProviderPlan,
		Err: &proxy.ProxyResponse{
			Success:      false,
			Provider:     proxy.ProviderPlan,
			Status:       503,
			ErrorType:    "overloaded_error",
			ErrorMessage: "Service unavailable and no fallback configured",
		},
	}}
	s, rawKey, sink := newTestServer(t, router, &fakeCounter{})

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := postMessages(s, rawKey, body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	if envelope.Error.Type != "overloaded_error" {
		t.Fatalf("envelope = %+v", envelope)
	}
	if len(sink.all()) != 0 {
		t.Fatal("failed stream must not record usage")
	}
}

func TestCountTokensRequiresCredentials(t *testing.T) {
	s, rawKey, _ := newTestServer(t, &fakeRouter{}, &fakeCounter{hasKey: false})

	req := httptest.NewRequest(http.MethodPost, "/ak/"+rawKey+"/v1/messages/count_tokens", strings.NewReader(messagesBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	envelope := decodeErrorEnvelope(t, rec.Body.Bytes())
	if envelope.Error.Type != "authentication_error" || envelope.Error.Message != "Missing API key for count_tokens" {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestCountTokensForwards(t *testing.T) {
	counter := &fakeCounter{response: &anthropic.CountTokensResponse{InputTokens: 42}}
	s, rawKey, _ := newTestServer(t, &fakeRouter{}, counter)

	req := httptest.NewRequest(http.MethodPost, "/ak/"+rawKey+"/v1/messages/count_tokens", strings.NewReader(messagesBody))
	req.Header.Set("x-api-key", "sk-test")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var parsed anthropic.CountTokensResponse
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &parsed); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if parsed.InputTokens != 42 {
		t.Fatalf("input tokens = %d", parsed.InputTokens)
	}
}

func TestCountTokensServiceKeySuffices(t *testing.T) {
	counter := &fakeCounter{response: &anthropic.CountTokensResponse{InputTokens: 7}, hasKey: true}
	s, rawKey, _ := newTestServer(t, &fakeRouter{}, counter)

	req := httptest.NewRequest(http.MethodPost, "/ak/"+rawKey+"/v1/messages/count_tokens", strings.NewReader(messagesBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeRouter{}, &fakeCounter{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

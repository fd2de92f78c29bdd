package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// maxErrorBodyLen caps how much of an upstream error body is surfaced to the
// client.
const maxErrorBodyLen = 200

// PlanAdapter forwards Messages API calls to the plan upstream unchanged,
// passing the caller's own credentials through.
type PlanAdapter struct {
	client  *http.Client
	baseURL string
	version string
	apiKey  string
}

// SetAPIKey configures a service-level plan API key used when the caller
// supplies no credentials of their own.
func (a *PlanAdapter) SetAPIKey(key string) {
	a.apiKey = key
}

// HasAPIKey reports whether a service-level plan API key is configured.
func (a *PlanAdapter) HasAPIKey() bool {
	return a.apiKey != ""
}

// NewPlanAdapter creates the plan adapter. baseURL carries no trailing
// slash, e.g. "https://api.anthropic.com".
func NewPlanAdapter(client *http.Client, baseURL string) *PlanAdapter {
	return &PlanAdapter{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		version: "2023-06-01",
	}
}

// Name implements Adapter.
func (a *PlanAdapter) Name() string { return ProviderPlan }

// Invoke runs a unary call and extracts usage from the response body.
func (a *PlanAdapter) Invoke(ctx context.Context, rctx *RequestContext, req *Request) (*AdapterResponse, error) {
	resp, errSend := a.send(ctx, "/v1/messages", req)
	if errSend != nil {
		return nil, errSend
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, NewAdapterError(ErrKindNetwork, 503, errRead.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyPlanError(resp.StatusCode, string(body))
	}

	var parsed anthropic.MessagesResponse
	if errDecode := json.Unmarshal(body, &parsed); errDecode != nil {
		return nil, NewAdapterError(ErrKindServerError, 502, "upstream returned invalid JSON")
	}

	usage := parsed.Usage
	return &AdapterResponse{Body: body, Usage: &usage, Model: parsed.Model}, nil
}

// Stream opens a streaming call and hands back the upstream SSE body
// untouched; the plan upstream already speaks the client's wire format.
func (a *PlanAdapter) Stream(ctx context.Context, rctx *RequestContext, req *Request) (*StreamHandle, error) {
	resp, errSend := a.send(ctx, "/v1/messages", req)
	if errSend != nil {
		return nil, errSend
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyPlanError(resp.StatusCode, string(body))
	}

	return &StreamHandle{Body: resp.Body, Model: req.Parsed.Model}, nil
}

// CountTokens proxies /v1/messages/count_tokens.
func (a *PlanAdapter) CountTokens(ctx context.Context, req *Request) (*anthropic.CountTokensResponse, error) {
	resp, errSend := a.send(ctx, "/v1/messages/count_tokens", req)
	if errSend != nil {
		return nil, errSend
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, NewAdapterError(ErrKindNetwork, 503, errRead.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyPlanError(resp.StatusCode, string(body))
	}

	var parsed anthropic.CountTokensResponse
	if errDecode := json.Unmarshal(body, &parsed); errDecode != nil {
		return nil, NewAdapterError(ErrKindServerError, 502, "upstream returned invalid JSON")
	}
	return &parsed, nil
}

func (a *PlanAdapter) send(ctx context.Context, path string, req *Request) (*http.Response, error) {
	httpReq, errBuild := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(req.Raw))
	if errBuild != nil {
		return nil, NewAdapterError(ErrKindClientError, 400, errBuild.Error())
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Headers.APIKey != "" {
		httpReq.Header.Set("x-api-key", req.Headers.APIKey)
	}
	if req.Headers.Authorization != "" {
		httpReq.Header.Set("Authorization", req.Headers.Authorization)
	}
	if req.Headers.APIKey == "" && req.Headers.Authorization == "" && a.apiKey != "" {
		httpReq.Header.Set("x-api-key", a.apiKey)
	}
	version := req.Headers.AnthropicVersion
	if version == "" {
		version = a.version
	}
	httpReq.Header.Set("anthropic-version", version)
	if req.Headers.AnthropicBeta != "" {
		httpReq.Header.Set("anthropic-beta", req.Headers.AnthropicBeta)
	}

	resp, errDo := a.client.Do(httpReq)
	if errDo != nil {
		return nil, classifyTransportError(errDo)
	}
	return resp, nil
}

func classifyTransportError(err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAdapterError(ErrKindTimeout, 504, "request timeout")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewAdapterError(ErrKindTimeout, 504, "request timeout")
	}
	return NewAdapterError(ErrKindNetwork, 503, err.Error())
}

func classifyPlanError(status int, body string) *AdapterError {
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(body), "usage") {
			return NewAdapterError(ErrKindUsageLimit, 429, "usage limit exceeded")
		}
		return NewAdapterError(ErrKindRateLimit, 429, "rate limit exceeded")
	case status >= 500 && status < 600:
		return NewAdapterError(ErrKindServerError, status, "server error")
	default:
		return NewAdapterError(ErrKindClientError, status, truncateBody(body))
	}
}

func truncateBody(body string) string {
	if len(body) > maxErrorBodyLen {
		return body[:maxErrorBodyLen]
	}
	return body
}

var _ Adapter = (*PlanAdapter)(nil)

package proxy

import (
	"context"
	"io"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// Provider names as recorded in usage rows and responses.
const (
	ProviderPlan    = "plan"
	ProviderBedrock = "bedrock"
)

// PassthroughHeaders are the caller-supplied headers forwarded to the plan
// upstream untouched.
type PassthroughHeaders struct {
	APIKey           string // x-api-key
	Authorization    string // Authorization: Bearer ...
	AnthropicVersion string
	AnthropicBeta    string
}

// Request bundles the inbound call for the adapters: the parsed body for
// translation and the raw bytes for passthrough.
type Request struct {
	Parsed  *anthropic.MessagesRequest
	Raw     []byte
	Headers PassthroughHeaders
}

// AdapterResponse is the normalized success outcome of an adapter call.
type AdapterResponse struct {
	Body  []byte // response JSON forwarded to the client
	Usage *anthropic.Usage
	Model string // model the call actually ran against
}

// Adapter is the uniform upstream-provider contract the router dispatches
// through. Failures are returned as *AdapterError.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, rctx *RequestContext, req *Request) (*AdapterResponse, error)
	Stream(ctx context.Context, rctx *RequestContext, req *Request) (*StreamHandle, error)
}

// StreamHandle is a live upstream stream in client-facing SSE encoding.
// Closing Body closes the upstream connection.
type StreamHandle struct {
	Body  io.ReadCloser
	Model string
}

// ProxyResponse is the final normalized gateway outcome for a unary call.
type ProxyResponse struct {
	Success      bool
	Body         []byte
	Usage        *anthropic.Usage
	Provider     string
	Model        string
	IsFallback   bool
	Status       int
	ErrorType    string
	ErrorMessage string
}

// StreamResult is the final gateway outcome for a streaming call: either
// Stream is set, or Err describes the failure.
type StreamResult struct {
	Stream     *StreamHandle
	Provider   string
	IsFallback bool
	Err        *ProxyResponse
}

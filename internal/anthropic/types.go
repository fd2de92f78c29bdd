// Package anthropic defines the client-facing Messages API wire types the
// gateway accepts and emits.
package anthropic

import "encoding/json"

// Content block types.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessagesRequest is the inbound /v1/messages body.
type MessagesRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	System        json.RawMessage   `json:"system,omitempty"` // string or []ContentBlock
	MaxTokens     int               `json:"max_tokens"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []Tool            `json:"tools,omitempty"`
	ToolChoice    *ToolChoice       `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig   `json:"thinking,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Message is one conversation turn. Content is either a plain string or a
// list of content blocks; DecodeContent normalizes both forms.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// DecodeContent returns the message content as typed blocks, wrapping a bare
// string in a single text block.
func (m Message) DecodeContent() ([]ContentBlock, error) {
	return DecodeBlocks(m.Content)
}

// SetBlocks replaces the message content with the given blocks.
func (m *Message) SetBlocks(blocks []ContentBlock) error {
	encoded, errMarshal := json.Marshal(blocks)
	if errMarshal != nil {
		return errMarshal
	}
	m.Content = encoded
	return nil
}

// DecodeBlocks normalizes a string-or-block-list JSON value to typed blocks.
func DecodeBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if errText := json.Unmarshal(raw, &text); errText == nil {
		if text == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: BlockText, Text: text}}, nil
	}

	var blocks []ContentBlock
	if errBlocks := json.Unmarshal(raw, &blocks); errBlocks != nil {
		return nil, errBlocks
	}
	return blocks, nil
}

// ContentBlock is a single typed content element. Which fields are set
// depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ContentBlock
	IsError   *bool           `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// Tool declares a callable tool.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ToolChoice selects how the model may use tools: auto, any, tool (named),
// or none.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Usage carries normalized token counters.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// MessagesResponse is the unary /v1/messages response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// CountTokensResponse is the /v1/messages/count_tokens response body.
type CountTokensResponse struct {
	InputTokens int64 `json:"input_tokens"`
}

// ErrorDetail is the inner error object of the public error envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorEnvelope is the public error body:
// {"error":{"type":...,"message":...},"request_id":...}.
type ErrorEnvelope struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// Package converse translates between the client-facing Messages schema and
// the Bedrock Converse API: request build, response parse, and the streaming
// event decode.
package converse

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// MaxCachePoints is the Converse API limit on cachePoint blocks per request.
const MaxCachePoints = 4

// maxMetadataPairs and maxMetadataLen bound requestMetadata per the
// Converse API contract; offending pairs are silently dropped.
const (
	maxMetadataPairs = 16
	maxMetadataLen   = 256
)

// Request is the Converse API request body.
type Request struct {
	Messages                     []Message         `json:"messages"`
	System                       []ContentBlock    `json:"system,omitempty"`
	InferenceConfig              *InferenceConfig  `json:"inferenceConfig,omitempty"`
	ToolConfig                   *ToolConfig       `json:"toolConfig,omitempty"`
	RequestMetadata              map[string]string `json:"requestMetadata,omitempty"`
	AdditionalModelRequestFields map[string]any    `json:"additionalModelRequestFields,omitempty"`
}

// Message is one Converse conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is the Converse discriminated content union: exactly one
// field is set.
type ContentBlock struct {
	Text             *string           `json:"text,omitempty"`
	ToolUse          *ToolUse          `json:"toolUse,omitempty"`
	ToolResult       *ToolResult       `json:"toolResult,omitempty"`
	ReasoningContent *ReasoningContent `json:"reasoningContent,omitempty"`
	CachePoint       *CachePoint       `json:"cachePoint,omitempty"`
}

// ToolUse is a model-initiated tool call.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolResult carries a tool invocation result back to the model.
type ToolResult struct {
	ToolUseID string         `json:"toolUseId"`
	Content   []ContentBlock `json:"content"`
	Status    string         `json:"status,omitempty"`
}

// ReasoningContent carries extended thinking: either plaintext reasoning
// with an opaque signature, or redacted opaque data.
type ReasoningContent struct {
	ReasoningText   *ReasoningText `json:"reasoningText,omitempty"`
	RedactedContent string         `json:"redactedContent,omitempty"`
}

// ReasoningText is plaintext reasoning plus its verification signature.
type ReasoningText struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// CachePoint marks a prompt-cache boundary.
type CachePoint struct {
	Type string `json:"type"`
}

// InferenceConfig nests the sampling parameters.
type InferenceConfig struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	TopK          *int     `json:"topK,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// ToolConfig declares tools and the tool choice policy.
type ToolConfig struct {
	Tools      []ToolEntry `json:"tools"`
	ToolChoice *ToolChoice `json:"toolChoice,omitempty"`
}

// ToolEntry is either a tool spec or a cache point.
type ToolEntry struct {
	ToolSpec   *ToolSpec   `json:"toolSpec,omitempty"`
	CachePoint *CachePoint `json:"cachePoint,omitempty"`
}

// ToolSpec declares one callable tool.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema of a tool's input.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolChoice is the Converse tool choice union.
type ToolChoice struct {
	Auto *struct{} `json:"auto,omitempty"`
	Any  *struct{} `json:"any,omitempty"`
	Tool *ToolName `json:"tool,omitempty"`
}

// ToolName names the forced tool.
type ToolName struct {
	Name string `json:"name"`
}

// BuildRequest maps a Messages API request onto the Converse API shape.
func BuildRequest(req *anthropic.MessagesRequest) (*Request, error) {
	cachePoints := 0

	messages := make([]Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		blocks, errDecode := msg.DecodeContent()
		if errDecode != nil {
			return nil, fmt.Errorf("converse: decode message content: %w", errDecode)
		}
		messages = append(messages, Message{
			Role:    msg.Role,
			Content: convertBlocks(blocks, &cachePoints),
		})
	}

	out := &Request{Messages: messages}

	systemBlocks, errSystem := anthropic.DecodeBlocks(req.System)
	if errSystem != nil {
		return nil, fmt.Errorf("converse: decode system: %w", errSystem)
	}
	out.System = convertSystem(systemBlocks, &cachePoints)

	out.InferenceConfig = buildInferenceConfig(req)
	out.ToolConfig = buildToolConfig(req.Tools, req.ToolChoice, &cachePoints)
	out.RequestMetadata = normalizeMetadata(req.Metadata)

	if req.Thinking != nil {
		if req.Thinking.BudgetTokens >= req.MaxTokens && req.MaxTokens > 0 {
			log.WithFields(log.Fields{
				"budget_tokens": req.Thinking.BudgetTokens,
				"max_tokens":    req.MaxTokens,
			}).Warn("thinking budget is not below max_tokens, request proceeds anyway")
		}
		out.AdditionalModelRequestFields = map[string]any{"thinking": req.Thinking}
	}

	return out, nil
}

func convertBlocks(blocks []anthropic.ContentBlock, cachePoints *int) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, block := range blocks {
		out = append(out, convertBlock(block))
		if hasEphemeralCache(block.CacheControl) {
			out = appendCachePoint(out, cachePoints)
		}
	}
	return out
}

func convertBlock(block anthropic.ContentBlock) ContentBlock {
	switch block.Type {
	case anthropic.BlockText:
		text := block.Text
		return ContentBlock{Text: &text}
	case anthropic.BlockToolUse:
		input := block.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return ContentBlock{ToolUse: &ToolUse{
			ToolUseID: block.ID,
			Name:      block.Name,
			Input:     input,
		}}
	case anthropic.BlockToolResult:
		status := "success"
		if block.IsError != nil && *block.IsError {
			status = "error"
		}
		return ContentBlock{ToolResult: &ToolResult{
			ToolUseID: block.ToolUseID,
			Content:   convertToolResultContent(block.Content),
			Status:    status,
		}}
	case anthropic.BlockThinking:
		return ContentBlock{ReasoningContent: &ReasoningContent{
			ReasoningText: &ReasoningText{Text: block.Thinking, Signature: block.Signature},
		}}
	case anthropic.BlockRedactedThinking:
		return ContentBlock{ReasoningContent: &ReasoningContent{RedactedContent: block.Data}}
	default:
		// Unknown block types degrade to their JSON text rather than being
		// dropped silently.
		encoded, errMarshal := json.Marshal(block)
		if errMarshal != nil {
			encoded = []byte("{}")
		}
		text := string(encoded)
		return ContentBlock{Text: &text}
	}
}

func convertToolResultContent(raw json.RawMessage) []ContentBlock {
	blocks, errDecode := anthropic.DecodeBlocks(raw)
	if errDecode != nil || len(blocks) == 0 {
		return []ContentBlock{}
	}
	var cachePoints int
	return convertBlocks(blocks, &cachePoints)
}

func convertSystem(blocks []anthropic.ContentBlock, cachePoints *int) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, block := range blocks {
		text := block.Text
		out = append(out, ContentBlock{Text: &text})
		if hasEphemeralCache(block.CacheControl) {
			out = appendCachePoint(out, cachePoints)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func buildInferenceConfig(req *anthropic.MessagesRequest) *InferenceConfig {
	cfg := &InferenceConfig{
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}
	if cfg.MaxTokens == 0 && cfg.Temperature == nil && cfg.TopP == nil && cfg.TopK == nil && len(cfg.StopSequences) == 0 {
		return nil
	}
	return cfg
}

func buildToolConfig(tools []anthropic.Tool, choice *anthropic.ToolChoice, cachePoints *int) *ToolConfig {
	if len(tools) == 0 {
		return nil
	}

	entries := make([]ToolEntry, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		entries = append(entries, ToolEntry{ToolSpec: &ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: InputSchema{JSON: schema},
		}})
		if hasEphemeralCache(tool.CacheControl) && *cachePoints < MaxCachePoints {
			*cachePoints++
			entries = append(entries, ToolEntry{CachePoint: &CachePoint{Type: "default"}})
		}
	}

	cfg := &ToolConfig{Tools: entries}
	cfg.ToolChoice = convertToolChoice(choice)
	return cfg
}

func convertToolChoice(choice *anthropic.ToolChoice) *ToolChoice {
	if choice == nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return &ToolChoice{Auto: &struct{}{}}
	case "any", "required":
		return &ToolChoice{Any: &struct{}{}}
	case "tool":
		if choice.Name != "" {
			return &ToolChoice{Tool: &ToolName{Name: choice.Name}}
		}
	}
	return nil
}

func normalizeMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		if len(cleaned) >= maxMetadataPairs {
			break
		}
		if len(key) == 0 || len(key) > maxMetadataLen || len(value) > maxMetadataLen {
			continue
		}
		cleaned[key] = value
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func hasEphemeralCache(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var cc struct {
		Type string `json:"type"`
	}
	if errUnmarshal := json.Unmarshal(raw, &cc); errUnmarshal != nil {
		return false
	}
	return cc.Type == "ephemeral"
}

func appendCachePoint(blocks []ContentBlock, cachePoints *int) []ContentBlock {
	if *cachePoints >= MaxCachePoints {
		return blocks
	}
	*cachePoints++
	return append(blocks, ContentBlock{CachePoint: &CachePoint{Type: "default"}})
}

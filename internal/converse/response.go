package converse

import (
	"encoding/json"
	"fmt"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// responseBody is the Converse API unary response shape.
type responseBody struct {
	Output struct {
		Message struct {
			Role    string         `json:"role"`
			Content []ContentBlock `json:"content"`
		} `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      usage  `json:"usage"`
}

// usage carries the Converse token counters.
type usage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheWriteInputTokens    int64 `json:"cacheWriteInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

func (u usage) cacheWrite() int64 {
	if u.CacheWriteInputTokens != 0 {
		return u.CacheWriteInputTokens
	}
	return u.CacheCreationInputTokens
}

// ParseResponse maps a Converse unary response body back to the Messages API
// shape. model and messageID fill the fields Converse does not echo.
func ParseResponse(data []byte, model, messageID string) (*anthropic.MessagesResponse, error) {
	var body responseBody
	if errUnmarshal := json.Unmarshal(data, &body); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: parse response: %w", errUnmarshal)
	}

	content := make([]anthropic.ContentBlock, 0, len(body.Output.Message.Content))
	for _, block := range body.Output.Message.Content {
		if mapped, ok := blockToAnthropic(block); ok {
			content = append(content, mapped)
		}
	}

	role := body.Output.Message.Role
	if role == "" {
		role = anthropic.RoleAssistant
	}

	return &anthropic.MessagesResponse{
		ID:         messageID,
		Type:       "message",
		Role:       role,
		Model:      model,
		Content:    content,
		StopReason: body.StopReason,
		Usage: anthropic.Usage{
			InputTokens:              body.Usage.InputTokens,
			OutputTokens:             body.Usage.OutputTokens,
			CacheReadInputTokens:     body.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: body.Usage.cacheWrite(),
		},
	}, nil
}

func blockToAnthropic(block ContentBlock) (anthropic.ContentBlock, bool) {
	switch {
	case block.Text != nil:
		return anthropic.ContentBlock{Type: anthropic.BlockText, Text: *block.Text}, true
	case block.ToolUse != nil:
		input := block.ToolUse.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    block.ToolUse.ToolUseID,
			Name:  block.ToolUse.Name,
			Input: input,
		}, true
	case block.ToolResult != nil:
		isError := block.ToolResult.Status == "error"
		content := make([]anthropic.ContentBlock, 0, len(block.ToolResult.Content))
		for _, inner := range block.ToolResult.Content {
			if inner.Text != nil {
				content = append(content, anthropic.ContentBlock{Type: anthropic.BlockText, Text: *inner.Text})
			}
		}
		encoded, errMarshal := json.Marshal(content)
		if errMarshal != nil {
			encoded = []byte("[]")
		}
		return anthropic.ContentBlock{
			Type:      anthropic.BlockToolResult,
			ToolUseID: block.ToolResult.ToolUseID,
			Content:   encoded,
			IsError:   &isError,
		}, true
	case block.ReasoningContent != nil:
		if block.ReasoningContent.RedactedContent != "" {
			return anthropic.ContentBlock{
				Type: anthropic.BlockRedactedThinking,
				Data: block.ReasoningContent.RedactedContent,
			}, true
		}
		if block.ReasoningContent.ReasoningText != nil {
			return anthropic.ContentBlock{
				Type:      anthropic.BlockThinking,
				Thinking:  block.ReasoningContent.ReasoningText.Text,
				Signature: block.ReasoningContent.ReasoningText.Signature,
			}, true
		}
	}
	return anthropic.ContentBlock{}, false
}

package proxy

import (
	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// NormalizeThinking rewrites a request so extended-thinking conversations
// replay cleanly against Bedrock: invalid redacted_thinking blocks are
// removed, an existing thinking block is moved to the front of each
// assistant turn, and the thinking config is dropped entirely when the last
// tool-using assistant turn carries no thinking blocks (the upstream rejects
// that combination). Fake thinking blocks are never fabricated.
func NormalizeThinking(req *anthropic.MessagesRequest) {
	removeInvalidRedactedThinking(req)

	if !thinkingEnabled(req.Thinking) {
		return
	}

	ensureThinkingPrefix(req)

	if shouldDropThinkingParam(req) {
		log.Debug("dropping thinking config: tool-using assistant turn has no thinking blocks")
		req.Thinking = nil
	}
}

func thinkingEnabled(cfg *anthropic.ThinkingConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.Type == "" || cfg.Type == "enabled"
}

func isThinkingBlock(block anthropic.ContentBlock) bool {
	return block.Type == anthropic.BlockThinking || block.Type == anthropic.BlockRedactedThinking
}

func removeInvalidRedactedThinking(req *anthropic.MessagesRequest) {
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != anthropic.RoleAssistant {
			continue
		}
		blocks, errDecode := msg.DecodeContent()
		if errDecode != nil {
			continue
		}

		kept := blocks[:0]
		removed := false
		for _, block := range blocks {
			if block.Type == anthropic.BlockRedactedThinking && block.Data == "" {
				removed = true
				continue
			}
			kept = append(kept, block)
		}
		if removed {
			_ = msg.SetBlocks(kept)
		}
	}
}

func ensureThinkingPrefix(req *anthropic.MessagesRequest) {
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != anthropic.RoleAssistant {
			continue
		}
		blocks, errDecode := msg.DecodeContent()
		if errDecode != nil || len(blocks) == 0 {
			continue
		}
		if isThinkingBlock(blocks[0]) {
			continue
		}

		for idx, block := range blocks {
			if !isThinkingBlock(block) {
				continue
			}
			reordered := make([]anthropic.ContentBlock, 0, len(blocks))
			reordered = append(reordered, block)
			reordered = append(reordered, blocks[:idx]...)
			reordered = append(reordered, blocks[idx+1:]...)
			_ = msg.SetBlocks(reordered)
			break
		}
	}
}

func shouldDropThinkingParam(req *anthropic.MessagesRequest) bool {
	var lastToolUseBlocks []anthropic.ContentBlock
	found := false
	for _, msg := range req.Messages {
		if msg.Role != anthropic.RoleAssistant {
			continue
		}
		blocks, errDecode := msg.DecodeContent()
		if errDecode != nil {
			continue
		}
		for _, block := range blocks {
			if block.Type == anthropic.BlockToolUse {
				lastToolUseBlocks = blocks
				found = true
				break
			}
		}
	}
	if !found {
		return false
	}

	for _, block := range lastToolUseBlocks {
		if isThinkingBlock(block) {
			return false
		}
	}
	return true
}

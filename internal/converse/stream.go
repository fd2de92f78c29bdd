package converse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// Event-stream frame headers used by the Converse streaming protocol.
const (
	headerMessageType   = ":message-type"
	headerEventType     = ":event-type"
	headerExceptionType = ":exception-type"
)

// Converse stream event names carried in the :event-type header.
const (
	eventMessageStart      = "messageStart"
	eventContentBlockStart = "contentBlockStart"
	eventContentBlockDelta = "contentBlockDelta"
	eventContentBlockStop  = "contentBlockStop"
	eventMessageStop       = "messageStop"
	eventMetadata          = "metadata"
)

// StreamDecoder converts the Bedrock Converse binary event stream into the
// client-facing Anthropic SSE sequence. The terminal message_delta and
// message_stop pair is emitted once both the stop reason (messageStop) and
// the usage totals (metadata) have arrived, in whichever order the upstream
// sends them.
type StreamDecoder struct {
	model     string
	messageID string

	started bool
	stopped bool

	stopReason string
	haveStop   bool
	usage      *usage
	haveUsage  bool

	reasoningStarted map[int]bool
}

// NewStreamDecoder creates a decoder for one streaming response.
func NewStreamDecoder(model, messageID string) *StreamDecoder {
	return &StreamDecoder{
		model:            model,
		messageID:        messageID,
		reasoningStarted: make(map[int]bool),
	}
}

// Translate consumes the upstream body and returns a reader producing
// Anthropic SSE bytes. Closing the returned reader closes the upstream body,
// which is how client disconnects propagate.
func (d *StreamDecoder) Translate(body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer func() {
			if errClose := body.Close(); errClose != nil {
				log.WithError(errClose).Debug("close converse stream body")
			}
		}()

		decoder := eventstream.NewDecoder()
		payloadBuf := make([]byte, 0, 4096)
		for {
			msg, errDecode := decoder.Decode(body, payloadBuf)
			if errDecode != nil {
				if !errors.Is(errDecode, io.EOF) {
					log.WithError(errDecode).Warn("converse stream decode failed")
				}
				break
			}

			out, errHandle := d.HandleFrame(msg)
			if errHandle != nil {
				log.WithError(errHandle).Warn("converse stream frame rejected")
				_ = pw.CloseWithError(errHandle)
				return
			}
			if len(out) > 0 {
				if _, errWrite := pw.Write(out); errWrite != nil {
					// Reader side gone; stop pulling from upstream.
					return
				}
			}
		}

		if out := d.Finish(); len(out) > 0 {
			_, _ = pw.Write(out)
		}
		_ = pw.Close()
	}()
	return pr
}

// HandleFrame converts one event-stream frame into zero or more SSE events.
func (d *StreamDecoder) HandleFrame(msg eventstream.Message) ([]byte, error) {
	messageType := headerString(msg, headerMessageType)
	if messageType == "exception" || messageType == "error" {
		return nil, fmt.Errorf("converse: upstream %s %s: %s",
			messageType, headerString(msg, headerExceptionType), string(msg.Payload))
	}
	return d.HandleEvent(headerString(msg, headerEventType), msg.Payload)
}

// HandleEvent converts one named Converse event into SSE bytes.
func (d *StreamDecoder) HandleEvent(name string, payload []byte) ([]byte, error) {
	switch name {
	case eventMessageStart:
		return d.handleMessageStart(), nil
	case eventContentBlockStart:
		return d.handleBlockStart(payload)
	case eventContentBlockDelta:
		return d.handleBlockDelta(payload)
	case eventContentBlockStop:
		return d.handleBlockStop(payload)
	case eventMessageStop:
		return d.handleMessageStop(payload)
	case eventMetadata:
		return d.handleMetadata(payload)
	default:
		// Unknown events (ping etc.) are dropped.
		return nil, nil
	}
}

// Finish returns the trailing events owed when the upstream ends, including
// a best-effort message_stop if the upstream never sent messageStop.
func (d *StreamDecoder) Finish() []byte {
	var out bytes.Buffer
	out.Write(d.flushTerminal())
	if d.started && !d.stopped {
		out.Write(sseEvent(anthropic.EventMessageStop, anthropic.StreamMessageStop{Type: anthropic.EventMessageStop}))
		d.stopped = true
	}
	return out.Bytes()
}

func (d *StreamDecoder) handleMessageStart() []byte {
	if d.started {
		return nil
	}
	d.started = true
	return sseEvent(anthropic.EventMessageStart, anthropic.StreamMessageStart{
		Type: anthropic.EventMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      d.messageID,
			Type:    "message",
			Role:    anthropic.RoleAssistant,
			Model:   d.model,
			Content: []anthropic.ContentBlock{},
		},
	})
}

func (d *StreamDecoder) handleBlockStart(payload []byte) ([]byte, error) {
	var event struct {
		ContentBlockIndex int `json:"contentBlockIndex"`
		Start             struct {
			Text    *string  `json:"text"`
			ToolUse *ToolUse `json:"toolUse"`
		} `json:"start"`
	}
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: contentBlockStart: %w", errUnmarshal)
	}

	var block anthropic.ContentBlock
	switch {
	case event.Start.ToolUse != nil:
		block = anthropic.ContentBlock{
			Type:  anthropic.BlockToolUse,
			ID:    event.Start.ToolUse.ToolUseID,
			Name:  event.Start.ToolUse.Name,
			Input: json.RawMessage(`{}`),
		}
	case event.Start.Text != nil:
		block = anthropic.ContentBlock{Type: anthropic.BlockText}
	default:
		return nil, nil
	}

	return sseEvent(anthropic.EventContentBlockStart, anthropic.StreamContentBlockStart{
		Type:         anthropic.EventContentBlockStart,
		Index:        event.ContentBlockIndex,
		ContentBlock: block,
	}), nil
}

func (d *StreamDecoder) handleBlockDelta(payload []byte) ([]byte, error) {
	var event struct {
		ContentBlockIndex int `json:"contentBlockIndex"`
		Delta             struct {
			Text    *string `json:"text"`
			ToolUse *struct {
				Input string `json:"input"`
			} `json:"toolUse"`
			ReasoningContent *struct {
				Text            string `json:"text"`
				Signature       string `json:"signature"`
				RedactedContent string `json:"redactedContent"`
			} `json:"reasoningContent"`
		} `json:"delta"`
	}
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: contentBlockDelta: %w", errUnmarshal)
	}

	index := event.ContentBlockIndex
	switch {
	case event.Delta.Text != nil:
		return sseEvent(anthropic.EventContentBlockDelta, anthropic.StreamContentBlockDelta{
			Type:  anthropic.EventContentBlockDelta,
			Index: index,
			Delta: anthropic.BlockDelta{Type: anthropic.DeltaText, Text: *event.Delta.Text},
		}), nil

	case event.Delta.ToolUse != nil:
		return sseEvent(anthropic.EventContentBlockDelta, anthropic.StreamContentBlockDelta{
			Type:  anthropic.EventContentBlockDelta,
			Index: index,
			Delta: anthropic.BlockDelta{Type: anthropic.DeltaInputJSON, PartialJSON: event.Delta.ToolUse.Input},
		}), nil

	case event.Delta.ReasoningContent != nil:
		return d.handleReasoningDelta(index,
			event.Delta.ReasoningContent.Text,
			event.Delta.ReasoningContent.Signature,
			event.Delta.ReasoningContent.RedactedContent), nil
	}
	return nil, nil
}

// handleReasoningDelta emits thinking deltas, inserting a synthetic
// content_block_start the first time a reasoning delta appears at an index
// without a preceding explicit start event.
func (d *StreamDecoder) handleReasoningDelta(index int, text, signature, redacted string) []byte {
	var out bytes.Buffer

	if !d.reasoningStarted[index] {
		d.reasoningStarted[index] = true
		block := anthropic.ContentBlock{Type: anthropic.BlockThinking}
		if redacted != "" {
			block = anthropic.ContentBlock{Type: anthropic.BlockRedactedThinking, Data: redacted}
			redacted = ""
		}
		out.Write(sseEvent(anthropic.EventContentBlockStart, anthropic.StreamContentBlockStart{
			Type:         anthropic.EventContentBlockStart,
			Index:        index,
			ContentBlock: block,
		}))
	}

	if text != "" {
		out.Write(sseEvent(anthropic.EventContentBlockDelta, anthropic.StreamContentBlockDelta{
			Type:  anthropic.EventContentBlockDelta,
			Index: index,
			Delta: anthropic.BlockDelta{Type: anthropic.DeltaThinking, Thinking: text},
		}))
	}
	if signature != "" {
		out.Write(sseEvent(anthropic.EventContentBlockDelta, anthropic.StreamContentBlockDelta{
			Type:  anthropic.EventContentBlockDelta,
			Index: index,
			Delta: anthropic.BlockDelta{Type: anthropic.DeltaSignature, Signature: signature},
		}))
	}
	return out.Bytes()
}

func (d *StreamDecoder) handleBlockStop(payload []byte) ([]byte, error) {
	var event struct {
		ContentBlockIndex int `json:"contentBlockIndex"`
	}
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: contentBlockStop: %w", errUnmarshal)
	}
	return sseEvent(anthropic.EventContentBlockStop, anthropic.StreamContentBlockStop{
		Type:  anthropic.EventContentBlockStop,
		Index: event.ContentBlockIndex,
	}), nil
}

func (d *StreamDecoder) handleMessageStop(payload []byte) ([]byte, error) {
	var event struct {
		StopReason string `json:"stopReason"`
	}
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: messageStop: %w", errUnmarshal)
	}
	d.stopReason = event.StopReason
	d.haveStop = true
	if d.haveUsage {
		return d.flushTerminal(), nil
	}
	return nil, nil
}

func (d *StreamDecoder) handleMetadata(payload []byte) ([]byte, error) {
	var event struct {
		Usage usage `json:"usage"`
	}
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("converse: metadata: %w", errUnmarshal)
	}
	d.usage = &event.Usage
	d.haveUsage = true
	if d.haveStop {
		return d.flushTerminal(), nil
	}
	return nil, nil
}

// flushTerminal emits the message_delta and message_stop pair once either
// terminal input has arrived; it is a no-op when neither has.
func (d *StreamDecoder) flushTerminal() []byte {
	if !d.haveStop && !d.haveUsage {
		return nil
	}

	deltaUsage := &anthropic.Usage{}
	if d.usage != nil {
		deltaUsage.InputTokens = d.usage.InputTokens
		deltaUsage.OutputTokens = d.usage.OutputTokens
		deltaUsage.CacheReadInputTokens = d.usage.CacheReadInputTokens
		deltaUsage.CacheCreationInputTokens = d.usage.cacheWrite()
	}

	var out bytes.Buffer
	out.Write(sseEvent(anthropic.EventMessageDelta, anthropic.StreamMessageDelta{
		Type:  anthropic.EventMessageDelta,
		Delta: anthropic.MessageDelta{StopReason: d.stopReason},
		Usage: deltaUsage,
	}))
	out.Write(sseEvent(anthropic.EventMessageStop, anthropic.StreamMessageStop{Type: anthropic.EventMessageStop}))
	d.stopped = true
	d.haveStop = false
	d.haveUsage = false
	d.usage = nil
	return out.Bytes()
}

func headerString(msg eventstream.Message, name string) string {
	value := msg.Headers.Get(name)
	if value == nil {
		return ""
	}
	if sv, ok := value.(eventstream.StringValue); ok {
		return string(sv)
	}
	return value.String()
}

// sseEvent encodes one SSE event as "event: {type}\ndata: {json}\n\n".
func sseEvent(eventType string, payload any) []byte {
	encoded, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		log.WithError(errMarshal).Error("encode sse payload")
		return nil
	}
	var out bytes.Buffer
	out.Grow(len(encoded) + len(eventType) + 16)
	out.WriteString("event: ")
	out.WriteString(eventType)
	out.WriteString("\ndata: ")
	out.Write(encoded)
	out.WriteString("\n\n")
	return out.Bytes()
}

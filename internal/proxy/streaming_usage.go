package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
)

// UsageCollector extracts token usage from a client-facing SSE stream as it
// flows by. Input and cache counters arrive in message_start; output arrives
// in the terminal message_delta, which may also restate input (the Bedrock
// translation does) and then wins.
type UsageCollector struct {
	buffer      bytes.Buffer
	inputTokens int64
	cacheWrite  int64
	cacheRead   int64
	usage       *anthropic.Usage
}

// Feed consumes the next chunk of the SSE byte stream.
func (c *UsageCollector) Feed(chunk []byte) {
	c.buffer.Write(chunk)
	for {
		raw := c.buffer.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return
		}
		event := make([]byte, idx)
		copy(event, raw[:idx])
		c.buffer.Next(idx + 2)
		c.handleEvent(event)
	}
}

// Usage returns the final usage, or nil when no terminal message_delta with
// output tokens was seen.
func (c *UsageCollector) Usage() *anthropic.Usage {
	return c.usage
}

func (c *UsageCollector) handleEvent(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var envelope struct {
			Type    string `json:"type"`
			Message *struct {
				Usage *streamUsage `json:"usage"`
			} `json:"message"`
			Usage *streamUsage `json:"usage"`
		}
		if errDecode := json.Unmarshal(payload, &envelope); errDecode != nil {
			continue
		}

		switch envelope.Type {
		case anthropic.EventMessageStart:
			if envelope.Message == nil || envelope.Message.Usage == nil {
				continue
			}
			start := envelope.Message.Usage
			if start.InputTokens != nil {
				c.inputTokens = *start.InputTokens
			}
			if start.CacheCreationInputTokens != nil {
				c.cacheWrite = *start.CacheCreationInputTokens
			}
			if start.CacheReadInputTokens != nil {
				c.cacheRead = *start.CacheReadInputTokens
			}
		case anthropic.EventMessageDelta:
			if envelope.Usage == nil || envelope.Usage.OutputTokens == nil {
				continue
			}
			c.finalize(envelope.Usage)
		}
	}
}

func (c *UsageCollector) finalize(delta *streamUsage) {
	usage := &anthropic.Usage{
		InputTokens:              c.inputTokens,
		OutputTokens:             *delta.OutputTokens,
		CacheCreationInputTokens: c.cacheWrite,
		CacheReadInputTokens:     c.cacheRead,
	}
	if delta.InputTokens != nil && *delta.InputTokens > 0 {
		usage.InputTokens = *delta.InputTokens
	}
	if delta.CacheCreationInputTokens != nil {
		usage.CacheCreationInputTokens = *delta.CacheCreationInputTokens
	}
	if delta.CacheReadInputTokens != nil {
		usage.CacheReadInputTokens = *delta.CacheReadInputTokens
	}
	c.usage = usage
}

// streamUsage distinguishes absent counters from explicit zeros.
type streamUsage struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
}

// CollectingReader tees a stream through a UsageCollector and fires done
// exactly once when the stream ends, whether by EOF, read error, or Close.
type CollectingReader struct {
	body      io.ReadCloser
	collector *UsageCollector

	once sync.Once
	done func(usage *anthropic.Usage)
}

// NewCollectingReader wraps body; done receives the collected usage (possibly
// nil) after the stream finishes.
func NewCollectingReader(body io.ReadCloser, done func(usage *anthropic.Usage)) *CollectingReader {
	return &CollectingReader{body: body, collector: &UsageCollector{}, done: done}
}

// Read implements io.Reader.
func (r *CollectingReader) Read(p []byte) (int, error) {
	n, errRead := r.body.Read(p)
	if n > 0 {
		r.collector.Feed(p[:n])
	}
	if errRead != nil {
		r.finish()
	}
	return n, errRead
}

// Close implements io.Closer.
func (r *CollectingReader) Close() error {
	errClose := r.body.Close()
	r.finish()
	return errClose
}

func (r *CollectingReader) finish() {
	r.once.Do(func() {
		if r.done != nil {
			r.done(r.collector.Usage())
		}
	})
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
	"github.com/claudecode-proxy/gateway/internal/proxy"
	"github.com/claudecode-proxy/gateway/internal/recorder"
)

// handleMessages proxies POST /ak/:key/v1/messages, unary or streaming per
// the request's stream flag.
func (s *Server) handleMessages(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()

	rctx, req, ok := s.prepareRequest(c, requestID)
	if !ok {
		return
	}

	log.WithFields(log.Fields{
		"request_id":      requestID,
		"access_key":      rctx.KeyPrefix,
		"routing":         rctx.RoutingStrategy,
		"has_bedrock_key": rctx.HasBedrockKey,
		"model":           req.Parsed.Model,
		"stream":          req.Parsed.Stream,
	}).Info("proxy request received")

	if req.Parsed.Stream {
		s.streamMessages(c, start, rctx, req)
		return
	}

	result := s.router.Route(c.Request.Context(), rctx, req)
	latency := time.Since(start)

	if s.metrics != nil {
		s.metrics.ObserveRequest(result.Provider, result.Status, result.IsFallback, latency)
	}

	log.WithFields(log.Fields{
		"request_id":  requestID,
		"provider":    result.Provider,
		"is_fallback": result.IsFallback,
		"status":      result.Status,
		"stream":      false,
	}).Info("proxy route result")

	if result.Success {
		if result.Usage != nil {
			s.usage.Enqueue(recorder.Entry{
				RequestID:   requestID,
				UserID:      rctx.UserID,
				AccessKeyID: rctx.AccessKeyID,
				Provider:    result.Provider,
				Model:       req.Parsed.Model,
				Region:      pricingRegion(result.Provider, rctx),
				IsFallback:  result.IsFallback,
				Usage:       *result.Usage,
				LatencyMs:   latency.Milliseconds(),
				RequestedAt: start,
			})
		}
		c.Data(http.StatusOK, "application/json", result.Body)
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveError(result.ErrorType)
	}
	writeError(c, result.Status, result.ErrorType, result.ErrorMessage, requestID)
}

// streamMessages opens the upstream stream and relays its SSE bytes to the
// client, collecting usage as they flow by. Usage is recorded when the
// stream ends, whether it finished cleanly or the client disconnected.
func (s *Server) streamMessages(c *gin.Context, start time.Time, rctx *proxy.RequestContext, req *proxy.Request) {
	result := s.router.Stream(c.Request.Context(), rctx, req)

	if result.Err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRequest(result.Err.Provider, result.Err.Status, result.Err.IsFallback, time.Since(start))
			s.metrics.ObserveError(result.Err.ErrorType)
		}
		writeError(c, result.Err.Status, result.Err.ErrorType, result.Err.ErrorMessage, rctx.RequestID)
		return
	}

	provider := result.Provider
	isFallback := result.IsFallback
	requestID := rctx.RequestID
	model := req.Parsed.Model

	reader := proxy.NewCollectingReader(result.Stream.Body, func(usage *anthropic.Usage) {
		latency := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(provider, http.StatusOK, isFallback, latency)
		}
		if usage == nil {
			log.WithFields(log.Fields{
				"request_id": requestID,
				"provider":   provider,
			}).Warn("streaming usage missing")
			return
		}
		s.usage.Enqueue(recorder.Entry{
			RequestID:   requestID,
			UserID:      rctx.UserID,
			AccessKeyID: rctx.AccessKeyID,
			Provider:    provider,
			Model:       model,
			Region:      pricingRegion(provider, rctx),
			IsFallback:  isFallback,
			Streaming:   true,
			Usage:       *usage,
			LatencyMs:   latency.Milliseconds(),
			RequestedAt: start,
		})
	})
	defer reader.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	buf := make([]byte, 32*1024)
	for {
		n, errRead := reader.Read(buf)
		if n > 0 {
			if _, errWrite := c.Writer.Write(buf[:n]); errWrite != nil {
				return
			}
			c.Writer.Flush()
		}
		if errRead != nil {
			if !errors.Is(errRead, io.EOF) {
				log.WithError(errRead).WithFields(log.Fields{
					"request_id": requestID,
					"provider":   provider,
				}).Warn("streaming upstream error")
			}
			return
		}
	}
}

// handleCountTokens proxies POST /ak/:key/v1/messages/count_tokens to the
// plan upstream. It needs caller credentials or a configured service key.
func (s *Server) handleCountTokens(c *gin.Context) {
	requestID := uuid.NewString()

	_, req, ok := s.prepareRequest(c, requestID)
	if !ok {
		return
	}

	if req.Headers.APIKey == "" && req.Headers.Authorization == "" && !s.counter.HasAPIKey() {
		writeError(c, http.StatusUnauthorized, "authentication_error", "Missing API key for count_tokens", requestID)
		return
	}

	result, errCount := s.counter.CountTokens(c.Request.Context(), req)
	if errCount != nil {
		var adapterErr *proxy.AdapterError
		if !errors.As(errCount, &adapterErr) {
			writeError(c, http.StatusBadGateway, "api_error", errCount.Error(), requestID)
			return
		}
		writeError(c, adapterErr.Status, adapterErr.Kind.AnthropicType(), adapterErr.Message, requestID)
		return
	}

	c.JSON(http.StatusOK, result)
}

// prepareRequest authenticates the path key, parses the body, and applies
// thinking normalization. A false return means the response was written.
func (s *Server) prepareRequest(c *gin.Context, requestID string) (*proxy.RequestContext, *proxy.Request, bool) {
	rctx, errAuth := s.auth.Authenticate(c.Request.Context(), c.Param("key"))
	if errAuth != nil {
		writeError(c, http.StatusNotFound, "not_found_error", "Not found", requestID)
		return nil, nil, false
	}
	rctx.RequestID = requestID

	raw, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body", requestID)
		return nil, nil, false
	}

	var parsed anthropic.MessagesRequest
	if errDecode := json.Unmarshal(raw, &parsed); errDecode != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body", requestID)
		return nil, nil, false
	}

	proxy.NormalizeThinking(&parsed)

	// Normalization may have rewritten thinking blocks; the upstream must
	// see the normalized form.
	normalized, errEncode := json.Marshal(&parsed)
	if errEncode != nil {
		writeError(c, http.StatusInternalServerError, "api_error", "failed to encode request", requestID)
		return nil, nil, false
	}

	return rctx, &proxy.Request{
		Parsed:  &parsed,
		Raw:     normalized,
		Headers: passthroughHeaders(c),
	}, true
}

func passthroughHeaders(c *gin.Context) proxy.PassthroughHeaders {
	return proxy.PassthroughHeaders{
		APIKey:           c.GetHeader("x-api-key"),
		Authorization:    c.GetHeader("Authorization"),
		AnthropicVersion: c.GetHeader("anthropic-version"),
		AnthropicBeta:    c.GetHeader("anthropic-beta"),
	}
}

// pricingRegion is the region usage is priced against: the key's Bedrock
// region for Bedrock calls, the plan's global table otherwise.
func pricingRegion(provider string, rctx *proxy.RequestContext) string {
	if provider == proxy.ProviderBedrock {
		return rctx.BedrockRegion
	}
	return "global"
}

// Package server exposes the gateway's HTTP surface: the proxied Messages
// API, token counting, health, and metrics.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
	"github.com/claudecode-proxy/gateway/internal/metrics"
	"github.com/claudecode-proxy/gateway/internal/proxy"
	"github.com/claudecode-proxy/gateway/internal/recorder"
)

// Router dispatches proxied calls by routing strategy.
type Router interface {
	Route(ctx context.Context, rctx *proxy.RequestContext, req *proxy.Request) *proxy.ProxyResponse
	Stream(ctx context.Context, rctx *proxy.RequestContext, req *proxy.Request) *proxy.StreamResult
}

// TokenCounter forwards count_tokens calls to the plan upstream.
type TokenCounter interface {
	CountTokens(ctx context.Context, req *proxy.Request) (*anthropic.CountTokensResponse, error)
	HasAPIKey() bool
}

// UsageSink receives completed-request usage entries.
type UsageSink interface {
	Enqueue(entry recorder.Entry)
}

// Server wires the HTTP routes to the proxy components.
type Server struct {
	auth    *proxy.AuthService
	router  Router
	counter TokenCounter
	usage   UsageSink
	metrics *metrics.Metrics
	db      *gorm.DB

	engine *gin.Engine
}

// New builds the server and registers its routes.
func New(auth *proxy.AuthService, router Router, counter TokenCounter, usage UsageSink, m *metrics.Metrics, db *gorm.DB) *Server {
	s := &Server{
		auth:    auth,
		router:  router,
		counter: counter,
		usage:   usage,
		metrics: m,
		db:      db,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.engine.POST("/ak/:key/v1/messages", s.handleMessages)
	s.engine.POST("/ak/:key/v1/messages/count_tokens", s.handleCountTokens)
}

// handleHealthz checks database connectivity and returns status.
func (s *Server) handleHealthz(c *gin.Context) {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func writeError(c *gin.Context, status int, errType, message, requestID string) {
	c.JSON(status, anthropic.ErrorEnvelope{
		Error:     anthropic.ErrorDetail{Type: errType, Message: message},
		RequestID: requestID,
	})
}

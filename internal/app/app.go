// Package app wires configuration into the running gateway: database,
// caches, adapters, router, recorder, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/config"
	"github.com/claudecode-proxy/gateway/internal/db"
	"github.com/claudecode-proxy/gateway/internal/metrics"
	"github.com/claudecode-proxy/gateway/internal/pricing"
	"github.com/claudecode-proxy/gateway/internal/proxy"
	"github.com/claudecode-proxy/gateway/internal/recorder"
	"github.com/claudecode-proxy/gateway/internal/security"
	"github.com/claudecode-proxy/gateway/internal/server"
)

const shutdownTimeout = 10 * time.Second

// App is the assembled gateway.
type App struct {
	cfg config.Config

	conn      *gorm.DB
	redis     *redis.Client
	recorder  *recorder.Recorder
	retention *recorder.RetentionCleaner
	server    *http.Server
}

// New builds the gateway from cfg: opens and migrates the database, builds
// the cache backends, and assembles the proxy pipeline.
func New(cfg config.Config) (*App, error) {
	location := cfg.Location()

	conn, errOpen := db.Open(cfg.Database.DSN, location)
	if errOpen != nil {
		return nil, fmt.Errorf("open database: %w", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, fmt.Errorf("migrate database: %w", errMigrate)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	accessStore := buildStore(redisClient, cfg.Cache.AccessKeyTTL.Std(), cfg.Redis.KeyPrefix+"auth:")
	budgetStore := buildStore(redisClient, cfg.Cache.BudgetTTL.Std(), cfg.Redis.KeyPrefix+"budget:")

	hasher := security.NewKeyHasher(cfg.Security.KeyHashSecret)
	encryptor, errEncryptor := security.NewEncryptor(cfg.Security.EncryptionSecret)
	if errEncryptor != nil {
		return nil, fmt.Errorf("build encryptor: %w", errEncryptor)
	}

	pricingConfig, errPricing := loadPricing(cfg.PricingOverridePath)
	if errPricing != nil {
		return nil, errPricing
	}

	m := metrics.New()

	breaker := proxy.NewCircuitBreaker(proxy.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		FailureWindow:    cfg.CircuitBreaker.FailureWindow.Std(),
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout.Std(),
	})
	breaker.SetTransitionHook(m.ObserveCircuitTransition)

	auth := proxy.NewAuthService(conn, hasher, accessStore, cfg.Bedrock.DefaultRegion)
	budget := proxy.NewBudgetService(conn, budgetStore, location)

	upstreamClient := &http.Client{
		Timeout: cfg.Plan.ReadTimeout.Std(),
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.Plan.ConnectTimeout.Std(),
			}).DialContext,
		},
	}

	plan := proxy.NewPlanAdapter(upstreamClient, cfg.Plan.BaseURL)
	plan.SetAPIKey(cfg.Plan.APIKey)

	resolver := proxy.NewModelResolver(cfg.ModelMapping, cfg.Bedrock.DefaultModel)
	keyCache := cache.NewTTLCache[string](cfg.Cache.BedrockKeyTTL.Std(), 1024)
	bedrock := proxy.NewBedrockAdapter(upstreamClient, conn, encryptor, keyCache, resolver)

	router := proxy.NewRouter(plan, bedrock, breaker, budget)
	router.SetBudgetRejectionHook(m.ObserveBudgetRejection)

	rec := recorder.New(conn, pricingConfig, m, location, cfg.Recorder.Workers, cfg.Recorder.QueueDepth)

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(auth, router, plan, rec, m, conn)

	return &App{
		cfg:       cfg,
		conn:      conn,
		redis:     redisClient,
		recorder:  rec,
		retention: recorder.NewRetentionCleaner(conn, cfg.Recorder.RetentionDays),
		server: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully: the
// listener drains first, then the recorder flushes its queue.
func (a *App) Run(ctx context.Context) error {
	a.retention.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", a.cfg.Server.Addr()).Info("gateway listening")
		if errServe := a.server.ListenAndServe(); errServe != nil && errServe != http.ErrServerClosed {
			errCh <- errServe
			return
		}
		errCh <- nil
	}()

	select {
	case errServe := <-errCh:
		a.close()
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errShutdown := a.server.Shutdown(shutdownCtx)

	a.close()
	<-errCh
	return errShutdown
}

func (a *App) close() {
	a.recorder.Close()
	if a.redis != nil {
		if errClose := a.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("redis close failed")
		}
	}
	if sqlDB, errDB := a.conn.DB(); errDB == nil {
		if errClose := sqlDB.Close(); errClose != nil {
			log.WithError(errClose).Warn("database close failed")
		}
	}
}

// buildStore picks the shared Redis backend when configured, otherwise a
// per-process in-memory store.
func buildStore(client *redis.Client, ttl time.Duration, prefix string) cache.Store {
	if client != nil {
		return cache.NewRedisStore(client, ttl, prefix)
	}
	return cache.NewMemoryStore(ttl)
}

func loadPricing(overridePath string) (*pricing.Config, error) {
	if overridePath == "" {
		return pricing.NewConfig(""), nil
	}
	data, errRead := os.ReadFile(overridePath)
	if errRead != nil {
		return nil, fmt.Errorf("read pricing override: %w", errRead)
	}
	cfg := pricing.NewConfig("")
	if errReload := cfg.Reload(string(data)); errReload != nil {
		return nil, fmt.Errorf("parse pricing override: %w", errReload)
	}
	return cfg, nil
}

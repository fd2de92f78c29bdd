// Package recorder persists per-request token usage and maintains the
// rolled-up aggregate buckets billing reads from.
package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
	"github.com/claudecode-proxy/gateway/internal/metrics"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/pricing"
)

// persistTimeout bounds one usage write; a slow database must not pile up
// recorder workers forever.
const persistTimeout = 5 * time.Second

// Entry is one completed request to record.
type Entry struct {
	RequestID   string
	UserID      uint64
	AccessKeyID uint64

	Provider   string
	Model      string
	Region     string // pricing region; bedrock region or "global" for plan
	IsFallback bool
	Streaming  bool

	Usage       anthropic.Usage
	LatencyMs   int64
	RequestedAt time.Time
}

// Recorder writes usage rows and aggregate increments. Writes run on a small
// worker pool so a slow database never blocks the response path; recording
// failures are logged and dropped, they must not fail the proxied request.
type Recorder struct {
	db       *gorm.DB
	pricing  *pricing.Config
	metrics  *metrics.Metrics
	location *time.Location

	tasks chan Entry
	wg    sync.WaitGroup
	once  sync.Once

	now func() time.Time
}

// New creates a recorder with the given worker count and queue depth.
func New(db *gorm.DB, pricingConfig *pricing.Config, m *metrics.Metrics, location *time.Location, workers, queueDepth int) *Recorder {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}

	r := &Recorder{
		db:       db,
		pricing:  pricingConfig,
		metrics:  m,
		location: location,
		tasks:    make(chan Entry, queueDepth),
		now:      time.Now,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for entry := range r.tasks {
		r.Record(entry)
	}
}

// Enqueue hands an entry to the worker pool. A full queue drops the entry
// with a loud log rather than stalling the caller.
func (r *Recorder) Enqueue(entry Entry) {
	select {
	case r.tasks <- entry:
	default:
		log.WithFields(log.Fields{
			"request_id": entry.RequestID,
			"provider":   entry.Provider,
		}).Error("usage recorder queue full, dropping entry")
	}
}

// Close stops accepting entries and waits for in-flight writes to finish.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.tasks)
	})
	r.wg.Wait()
}

// Record writes one entry synchronously: a token_usages row plus the five
// aggregate bucket increments, in a single transaction.
func (r *Recorder) Record(entry Entry) {
	modelPricing, errPricing := r.pricing.Pricing(entry.Model, entry.Region)
	if errPricing != nil {
		modelPricing = pricing.ZeroPricing(entry.Model, entry.Region)
		if r.metrics != nil {
			r.metrics.ObservePricingFallback()
		}
		log.WithError(errPricing).WithFields(log.Fields{
			"request_id": entry.RequestID,
			"model":      entry.Model,
			"region":     entry.Region,
		}).Warn("pricing lookup failed, recording zero cost")
	}

	cost := pricing.CalculateCost(
		entry.Usage.InputTokens,
		entry.Usage.OutputTokens,
		entry.Usage.CacheCreationInputTokens,
		entry.Usage.CacheReadInputTokens,
		modelPricing,
	)

	if r.metrics != nil {
		r.metrics.ObserveUsage(
			entry.Provider,
			entry.Usage.InputTokens,
			entry.Usage.OutputTokens,
			entry.Usage.CacheReadInputTokens,
			entry.Usage.CacheCreationInputTokens,
			cost.TotalMicros,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	errPersist := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errUsage := tx.Create(r.usageRow(entry, modelPricing, cost)).Error; errUsage != nil {
			return errUsage
		}
		return r.incrementAggregates(tx, entry, cost)
	})
	if errPersist != nil {
		log.WithError(errPersist).WithFields(log.Fields{
			"request_id": entry.RequestID,
			"provider":   entry.Provider,
		}).Warn("usage recording failed")
	}
}

// pricingSnapshot is the unit-price JSON frozen into each usage row.
type pricingSnapshot struct {
	ModelID                    string `json:"model_id"`
	Region                     string `json:"region"`
	InputPerMillionMicros      int64  `json:"input_per_million_micros"`
	OutputPerMillionMicros     int64  `json:"output_per_million_micros"`
	CacheWritePerMillionMicros int64  `json:"cache_write_per_million_micros"`
	CacheReadPerMillionMicros  int64  `json:"cache_read_per_million_micros"`
	EffectiveDate              string `json:"effective_date,omitempty"`
}

func (r *Recorder) usageRow(entry Entry, modelPricing pricing.ModelPricing, cost pricing.CostBreakdown) *models.TokenUsage {
	snapshot := pricingSnapshot{
		ModelID:                    modelPricing.ModelID,
		Region:                     modelPricing.Region,
		InputPerMillionMicros:      modelPricing.InputPerMillionMicros,
		OutputPerMillionMicros:     modelPricing.OutputPerMillionMicros,
		CacheWritePerMillionMicros: modelPricing.CacheWritePerMillionMicros,
		CacheReadPerMillionMicros:  modelPricing.CacheReadPerMillionMicros,
	}
	if !modelPricing.EffectiveDate.IsZero() {
		snapshot.EffectiveDate = modelPricing.EffectiveDate.Format("2006-01-02")
	}
	encoded, _ := json.Marshal(snapshot)

	requestedAt := entry.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = r.now()
	}

	return &models.TokenUsage{
		RequestID:   entry.RequestID,
		UserID:      entry.UserID,
		AccessKeyID: entry.AccessKeyID,
		Provider:    entry.Provider,
		Model:       entry.Model,
		IsFallback:  entry.IsFallback,
		Streaming:   entry.Streaming,

		InputTokens:      entry.Usage.InputTokens,
		OutputTokens:     entry.Usage.OutputTokens,
		CacheReadTokens:  entry.Usage.CacheReadInputTokens,
		CacheWriteTokens: entry.Usage.CacheCreationInputTokens,

		InputCostMicros:      cost.InputMicros,
		OutputCostMicros:     cost.OutputMicros,
		CacheReadCostMicros:  cost.CacheReadMicros,
		CacheWriteCostMicros: cost.CacheWriteMicros,
		TotalCostMicros:      cost.TotalMicros,

		PricingSnapshot: encoded,
		LatencyMs:       entry.LatencyMs,
		RequestedAt:     requestedAt,
	}
}

func (r *Recorder) incrementAggregates(tx *gorm.DB, entry Entry, cost pricing.CostBreakdown) error {
	recordedAt := entry.RequestedAt
	if recordedAt.IsZero() {
		recordedAt = r.now()
	}

	for _, bucketType := range models.BucketTypes {
		aggregate := &models.UsageAggregate{
			BucketType:       bucketType,
			BucketStart:      BucketStart(recordedAt, bucketType, r.location),
			UserID:           entry.UserID,
			AccessKeyID:      entry.AccessKeyID,
			RequestCount:     1,
			InputTokens:      entry.Usage.InputTokens,
			OutputTokens:     entry.Usage.OutputTokens,
			CacheReadTokens:  entry.Usage.CacheReadInputTokens,
			CacheWriteTokens: entry.Usage.CacheCreationInputTokens,
			TotalCostMicros:  cost.TotalMicros,
		}

		errUpsert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "bucket_type"},
				{Name: "bucket_start"},
				{Name: "user_id"},
				{Name: "access_key_id"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count":      gorm.Expr("usage_aggregates.request_count + ?", 1),
				"input_tokens":       gorm.Expr("usage_aggregates.input_tokens + ?", entry.Usage.InputTokens),
				"output_tokens":      gorm.Expr("usage_aggregates.output_tokens + ?", entry.Usage.OutputTokens),
				"cache_read_tokens":  gorm.Expr("usage_aggregates.cache_read_tokens + ?", entry.Usage.CacheReadInputTokens),
				"cache_write_tokens": gorm.Expr("usage_aggregates.cache_write_tokens + ?", entry.Usage.CacheCreationInputTokens),
				"total_cost_micros":  gorm.Expr("usage_aggregates.total_cost_micros + ?", cost.TotalMicros),
				"updated_at":         r.now(),
			}),
		}).Create(aggregate).Error
		if errUpsert != nil {
			return errUpsert
		}
	}
	return nil
}

// BucketStart returns the aggregate bucket start for ts in the billing
// timezone. Week buckets start on Sunday.
func BucketStart(ts time.Time, bucketType string, location *time.Location) time.Time {
	local := ts.In(location)
	year, month, day := local.Date()

	switch bucketType {
	case models.BucketMinute:
		return time.Date(year, month, day, local.Hour(), local.Minute(), 0, 0, location)
	case models.BucketHour:
		return time.Date(year, month, day, local.Hour(), 0, 0, 0, location)
	case models.BucketDay:
		return time.Date(year, month, day, 0, 0, 0, 0, location)
	case models.BucketWeek:
		start := time.Date(year, month, day, 0, 0, 0, 0, location)
		return start.AddDate(0, 0, -int(local.Weekday()))
	case models.BucketMonth:
		return time.Date(year, month, 1, 0, 0, 0, 0, location)
	default:
		return time.Date(year, month, day, local.Hour(), 0, 0, 0, location)
	}
}

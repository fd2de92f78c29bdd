package models

import (
	"time"

	"gorm.io/datatypes"
)

// Aggregate bucket types. Five rows are touched per completed request.
const (
	BucketMinute = "minute"
	BucketHour   = "hour"
	BucketDay    = "day"
	BucketWeek   = "week"
	BucketMonth  = "month"
)

// BucketTypes lists every aggregate bucket in upsert order.
var BucketTypes = []string{BucketMinute, BucketHour, BucketDay, BucketWeek, BucketMonth}

// TokenUsage records billing data for a single completed request. Rows are
// inserted once and never updated.
type TokenUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:text;not null;uniqueIndex"` // Gateway request ID.

	UserID      uint64 `gorm:"not null;index"` // Related user ID.
	AccessKeyID uint64 `gorm:"not null;index"` // Related access key ID.

	Provider   string `gorm:"type:text;not null;index"` // plan or bedrock.
	Model      string `gorm:"type:text;not null;index"` // Model ID the request ran against.
	IsFallback bool   `gorm:"not null;default:false"`   // Whether this was a Bedrock fallback.
	Streaming  bool   `gorm:"not null;default:false"`   // Whether the response was streamed.

	InputTokens      int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens     int64 `gorm:"not null;default:0"` // Output token count.
	CacheReadTokens  int64 `gorm:"not null;default:0"` // Prompt-cache read token count.
	CacheWriteTokens int64 `gorm:"not null;default:0"` // Prompt-cache write token count.

	InputCostMicros      int64 `gorm:"not null;default:0"` // Input cost in micro-USD.
	OutputCostMicros     int64 `gorm:"not null;default:0"` // Output cost in micro-USD.
	CacheReadCostMicros  int64 `gorm:"not null;default:0"` // Cache read cost in micro-USD.
	CacheWriteCostMicros int64 `gorm:"not null;default:0"` // Cache write cost in micro-USD.
	TotalCostMicros      int64 `gorm:"not null;default:0"` // Total cost in micro-USD.

	PricingSnapshot datatypes.JSON `gorm:"type:jsonb"` // Unit prices used for this row.

	LatencyMs   int64     `gorm:"not null;default:0"` // End-to-end latency in milliseconds.
	RequestedAt time.Time `gorm:"not null;index"`     // Request timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// UsageAggregate is a rolled-up usage total for one (bucket type, bucket
// start, user, access key) tuple, maintained by create-or-increment upserts.
type UsageAggregate struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	BucketType  string    `gorm:"type:text;not null;uniqueIndex:idx_usage_aggregates_bucket,priority:1"` // minute/hour/day/week/month.
	BucketStart time.Time `gorm:"not null;uniqueIndex:idx_usage_aggregates_bucket,priority:2"`           // Bucket start in the billing timezone.
	UserID      uint64    `gorm:"not null;uniqueIndex:idx_usage_aggregates_bucket,priority:3;index"`     // Related user ID.
	AccessKeyID uint64    `gorm:"not null;uniqueIndex:idx_usage_aggregates_bucket,priority:4"`           // Related access key ID.

	RequestCount     int64 `gorm:"not null;default:0"` // Completed request count.
	InputTokens      int64 `gorm:"not null;default:0"` // Input token total.
	OutputTokens     int64 `gorm:"not null;default:0"` // Output token total.
	CacheReadTokens  int64 `gorm:"not null;default:0"` // Cache read token total.
	CacheWriteTokens int64 `gorm:"not null;default:0"` // Cache write token total.
	TotalCostMicros  int64 `gorm:"not null;default:0"` // Cost total in micro-USD.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

package recorder

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/anthropic"
	"github.com/claudecode-proxy/gateway/internal/db"
	"github.com/claudecode-proxy/gateway/internal/models"
	"github.com/claudecode-proxy/gateway/internal/pricing"
)

var kst = time.FixedZone("KST", 9*3600)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(fmt.Sprintf("file:recorder_%d?mode=memory&cache=shared", time.Now().UnixNano()), time.UTC)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newTestRecorder(t *testing.T) (*Recorder, *gorm.DB) {
	t.Helper()
	conn := openTestDB(t)
	r := New(conn, pricing.NewConfig(""), nil, kst, 1, 16)
	t.Cleanup(r.Close)
	return r, conn
}

func testEntry(requestID string) Entry {
	return Entry{
		RequestID:   requestID,
		UserID:      1,
		AccessKeyID: 2,
		Provider:    "bedrock",
		Model:       "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
		Region:      "ap-northeast-2",
		Usage: anthropic.Usage{
			InputTokens:              1000,
			OutputTokens:             500,
			CacheReadInputTokens:     200,
			CacheCreationInputTokens: 100,
		},
		LatencyMs:   321,
		RequestedAt: time.Date(2026, 3, 15, 10, 30, 45, 0, kst),
	}
}

func TestRecordWritesUsageRowWithCost(t *testing.T) {
	r, conn := newTestRecorder(t)
	r.Record(testEntry("req-1"))

	var row models.TokenUsage
	if errFind := conn.Where("request_id = ?", "req-1").First(&row).Error; errFind != nil {
		t.Fatalf("find usage row: %v", errFind)
	}

	// Sonnet in ap-northeast-2: 3/15/3.75/0.30 USD per million.
	if row.InputCostMicros != 3_000 {
		t.Fatalf("input cost = %d", row.InputCostMicros)
	}
	if row.OutputCostMicros != 7_500 {
		t.Fatalf("output cost = %d", row.OutputCostMicros)
	}
	if row.CacheWriteCostMicros != 375 {
		t.Fatalf("cache write cost = %d", row.CacheWriteCostMicros)
	}
	if row.CacheReadCostMicros != 60 {
		t.Fatalf("cache read cost = %d", row.CacheReadCostMicros)
	}
	if row.TotalCostMicros != 10_935 {
		t.Fatalf("total cost = %d", row.TotalCostMicros)
	}
	if len(row.PricingSnapshot) == 0 {
		t.Fatal("pricing snapshot missing")
	}
	if row.LatencyMs != 321 || row.Provider != "bedrock" {
		t.Fatalf("row = %+v", row)
	}
}

func TestRecordTouchesFiveBuckets(t *testing.T) {
	r, conn := newTestRecorder(t)
	r.Record(testEntry("req-1"))

	var aggregates []models.UsageAggregate
	if errFind := conn.Order("bucket_type").Find(&aggregates).Error; errFind != nil {
		t.Fatalf("find aggregates: %v", errFind)
	}
	if len(aggregates) != 5 {
		t.Fatalf("aggregate rows = %d, want 5", len(aggregates))
	}

	seen := map[string]bool{}
	for _, agg := range aggregates {
		seen[agg.BucketType] = true
		if agg.RequestCount != 1 || agg.InputTokens != 1000 || agg.TotalCostMicros != 10_935 {
			t.Fatalf("aggregate = %+v", agg)
		}
	}
	for _, bucketType := range models.BucketTypes {
		if !seen[bucketType] {
			t.Fatalf("bucket %q missing", bucketType)
		}
	}
}

func TestRecordIncrementsExistingBuckets(t *testing.T) {
	r, conn := newTestRecorder(t)
	r.Record(testEntry("req-1"))
	r.Record(testEntry("req-2"))

	var monthly models.UsageAggregate
	if errFind := conn.Where("bucket_type = ?", models.BucketMonth).First(&monthly).Error; errFind != nil {
		t.Fatalf("find month bucket: %v", errFind)
	}
	if monthly.RequestCount != 2 || monthly.InputTokens != 2000 || monthly.TotalCostMicros != 21_870 {
		t.Fatalf("month bucket = %+v", monthly)
	}
}

func TestRecordDuplicateRequestIDDoesNotDoubleCount(t *testing.T) {
	r, conn := newTestRecorder(t)
	r.Record(testEntry("req-1"))
	r.Record(testEntry("req-1"))

	var usageRows int64
	conn.Model(&models.TokenUsage{}).Count(&usageRows)
	if usageRows != 1 {
		t.Fatalf("usage rows = %d", usageRows)
	}

	var monthly models.UsageAggregate
	if errFind := conn.Where("bucket_type = ?", models.BucketMonth).First(&monthly).Error; errFind != nil {
		t.Fatalf("find month bucket: %v", errFind)
	}
	if monthly.RequestCount != 1 {
		t.Fatalf("duplicate request double-counted: %+v", monthly)
	}
}

func TestRecordUnknownModelFallsBackToZeroCost(t *testing.T) {
	r, conn := newTestRecorder(t)

	entry := testEntry("req-1")
	entry.Model = "mistral-large"
	r.Record(entry)

	var row models.TokenUsage
	if errFind := conn.Where("request_id = ?", "req-1").First(&row).Error; errFind != nil {
		t.Fatalf("find usage row: %v", errFind)
	}
	if row.TotalCostMicros != 0 {
		t.Fatalf("total cost = %d, want 0", row.TotalCostMicros)
	}
	if row.InputTokens != 1000 {
		t.Fatal("token counts must still be recorded")
	}
}

func TestEnqueueRecordsAsync(t *testing.T) {
	conn := openTestDB(t)
	r := New(conn, pricing.NewConfig(""), nil, kst, 2, 16)

	r.Enqueue(testEntry("req-async"))
	r.Close()

	var usageRows int64
	conn.Model(&models.TokenUsage{}).Count(&usageRows)
	if usageRows != 1 {
		t.Fatalf("usage rows = %d", usageRows)
	}
}

func TestBucketStart(t *testing.T) {
	// Wednesday 2026-03-18 14:45:30 KST.
	ts := time.Date(2026, 3, 18, 14, 45, 30, 0, kst)

	tests := []struct {
		bucketType string
		want       time.Time
	}{
		{models.BucketMinute, time.Date(2026, 3, 18, 14, 45, 0, 0, kst)},
		{models.BucketHour, time.Date(2026, 3, 18, 14, 0, 0, 0, kst)},
		{models.BucketDay, time.Date(2026, 3, 18, 0, 0, 0, 0, kst)},
		{models.BucketWeek, time.Date(2026, 3, 15, 0, 0, 0, 0, kst)}, // previous Sunday
		{models.BucketMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, kst)},
	}

	for _, tt := range tests {
		if got := BucketStart(ts, tt.bucketType, kst); !got.Equal(tt.want) {
			t.Fatalf("BucketStart(%s) = %v, want %v", tt.bucketType, got, tt.want)
		}
	}
}

func TestBucketStartSundayIsOwnWeekStart(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 23, 0, 0, 0, kst)
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, kst)
	if got := BucketStart(sunday, models.BucketWeek, kst); !got.Equal(want) {
		t.Fatalf("BucketStart(week) = %v, want %v", got, want)
	}
}

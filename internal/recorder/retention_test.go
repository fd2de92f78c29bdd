package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/claudecode-proxy/gateway/internal/models"
)

func TestRetentionCleanerDeletesOnlyExpiredRows(t *testing.T) {
	r, conn := newTestRecorder(t)

	old := testEntry("req-old")
	old.RequestedAt = time.Date(2025, 11, 1, 10, 0, 0, 0, kst)
	r.Record(old)

	fresh := testEntry("req-fresh")
	fresh.RequestedAt = time.Date(2026, 3, 10, 10, 0, 0, 0, kst)
	r.Record(fresh)

	cleaner := NewRetentionCleaner(conn, 90)
	cleaner.now = func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, kst) }
	cleaner.CleanupOnce(context.Background())

	var remaining []models.TokenUsage
	if errFind := conn.Find(&remaining).Error; errFind != nil {
		t.Fatalf("find rows: %v", errFind)
	}
	if len(remaining) != 1 || remaining[0].RequestID != "req-fresh" {
		t.Fatalf("remaining = %+v", remaining)
	}

	// Aggregates are billing history and must survive cleanup.
	var aggregates int64
	conn.Model(&models.UsageAggregate{}).Count(&aggregates)
	if aggregates == 0 {
		t.Fatal("aggregates must not be deleted")
	}
}

func TestRetentionCleanerDisabled(t *testing.T) {
	r, conn := newTestRecorder(t)

	old := testEntry("req-old")
	old.RequestedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, kst)
	r.Record(old)

	cleaner := NewRetentionCleaner(conn, 0)
	cleaner.CleanupOnce(context.Background())

	var rows int64
	conn.Model(&models.TokenUsage{}).Count(&rows)
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}
}

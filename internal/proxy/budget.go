package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/claudecode-proxy/gateway/internal/cache"
	"github.com/claudecode-proxy/gateway/internal/models"
)

// BudgetCheckResult is the outcome of one budget check. Money values are
// micro-USD.
type BudgetCheckResult struct {
	Allowed             bool
	MonthlyBudgetMicros *int64
	CurrentUsageMicros  int64
	RemainingMicros     *int64
	UsagePercent        *float64
	PeriodStart         time.Time
	PeriodEnd           time.Time
}

// cachedBudgetInfo is the Store payload for one user's budget snapshot.
type cachedBudgetInfo struct {
	UserID              uint64    `json:"user_id"`
	MonthlyBudgetMicros *int64    `json:"monthly_budget_micros"`
	CurrentUsageMicros  int64     `json:"current_usage_micros"`
	PeriodStart         time.Time `json:"period_start"`
	PeriodEnd           time.Time `json:"period_end"`
	CachedAt            time.Time `json:"cached_at"`
}

// BudgetService computes a user's current-month spend against their
// configured monthly budget. The billing month is a calendar month in the
// configured billing timezone.
type BudgetService struct {
	db       *gorm.DB
	store    cache.Store
	location *time.Location

	now func() time.Time
}

// NewBudgetService creates the budget service.
func NewBudgetService(db *gorm.DB, store cache.Store, location *time.Location) *BudgetService {
	return &BudgetService{db: db, store: store, location: location, now: time.Now}
}

// MonthWindow returns the current billing month as [start, end) in the
// billing timezone.
func (s *BudgetService) MonthWindow(now time.Time) (time.Time, time.Time) {
	local := now.In(s.location)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.location)
	return start, start.AddDate(0, 1, 0)
}

// CheckBudget returns whether the user may spend. A cached snapshot is used
// only while its period start still matches the current month, so a stale
// entry can never leak across the month rollover. On lookup failure,
// failOpen callers get an allowed zero-usage result; failOpen=false callers
// get the error.
func (s *BudgetService) CheckBudget(ctx context.Context, userID uint64, failOpen bool) (*BudgetCheckResult, error) {
	periodStart, periodEndExclusive := s.MonthWindow(s.now())
	periodEnd := periodEndExclusive.Add(-time.Second)
	cacheKey := strconv.FormatUint(userID, 10)

	if raw, ok := s.store.Get(ctx, cacheKey); ok {
		var cached cachedBudgetInfo
		if errUnmarshal := json.Unmarshal(raw, &cached); errUnmarshal == nil && cached.PeriodStart.Equal(periodStart) {
			return buildBudgetResult(cached.MonthlyBudgetMicros, cached.CurrentUsageMicros, periodStart, periodEnd), nil
		}
		s.store.Delete(ctx, cacheKey)
	}

	budget, usage, errLoad := s.load(ctx, userID, periodStart, periodEndExclusive)
	if errLoad != nil {
		if failOpen {
			log.WithError(errLoad).WithField("user_id", cacheKey).Warn("budget lookup failed, allowing request")
			return buildBudgetResult(nil, 0, periodStart, periodEnd), nil
		}
		return nil, fmt.Errorf("budget check: %w", errLoad)
	}

	snapshot := cachedBudgetInfo{
		UserID:              userID,
		MonthlyBudgetMicros: budget,
		CurrentUsageMicros:  usage,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
		CachedAt:            s.now(),
	}
	if encoded, errMarshal := json.Marshal(snapshot); errMarshal == nil {
		s.store.Set(ctx, cacheKey, encoded)
	}

	return buildBudgetResult(budget, usage, periodStart, periodEnd), nil
}

// Invalidate drops a user's cached snapshot, for use after budget edits.
func (s *BudgetService) Invalidate(ctx context.Context, userID uint64) {
	s.store.Delete(ctx, strconv.FormatUint(userID, 10))
}

func (s *BudgetService) load(ctx context.Context, userID uint64, periodStart, periodEnd time.Time) (*int64, int64, error) {
	var user models.User
	if errFind := s.db.WithContext(ctx).First(&user, userID).Error; errFind != nil {
		return nil, 0, errFind
	}

	var usage int64
	errSum := s.db.WithContext(ctx).
		Model(&models.UsageAggregate{}).
		Where("bucket_type = ? AND user_id = ? AND bucket_start >= ? AND bucket_start < ?",
			models.BucketMonth, userID, periodStart, periodEnd).
		Select("COALESCE(SUM(total_cost_micros), 0)").
		Scan(&usage).Error
	if errSum != nil {
		return nil, 0, errSum
	}

	return user.MonthlyBudgetMicros, usage, nil
}

func buildBudgetResult(budget *int64, usage int64, periodStart, periodEnd time.Time) *BudgetCheckResult {
	result := &BudgetCheckResult{
		Allowed:            true,
		CurrentUsageMicros: usage,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
	}
	if budget == nil {
		return result
	}

	result.MonthlyBudgetMicros = budget
	result.Allowed = usage < *budget
	remaining := *budget - usage
	result.RemainingMicros = &remaining
	if *budget > 0 {
		percent := float64(usage) / float64(*budget) * 100
		result.UsagePercent = &percent
	}
	return result
}

// FormatBudgetExceeded renders the client-facing budget-exceeded message
// with current usage, limit, and reset date.
func FormatBudgetExceeded(result *BudgetCheckResult) string {
	var budget int64
	if result.MonthlyBudgetMicros != nil {
		budget = *result.MonthlyBudgetMicros
	}
	return fmt.Sprintf(
		"Monthly budget exceeded. Current usage: $%s, Budget limit: $%s. Budget resets on %s.",
		formatUSD(result.CurrentUsageMicros),
		formatUSD(budget),
		result.PeriodEnd.Format("2006-01-02 15:04:05 MST"),
	)
}

// formatUSD renders micro-USD as dollars with two decimals, half-up.
func formatUSD(micros int64) string {
	cents := (micros + 5_000) / 10_000
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

package recorder

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes old token_usages rows. Aggregate
// buckets are never touched; billing history survives raw-row cleanup.
type RetentionCleaner struct {
	db            *gorm.DB
	retentionDays int
	interval      time.Duration
	batchSize     int

	now func() time.Time
}

// NewRetentionCleaner creates a cleaner keeping retentionDays of raw usage
// rows. retentionDays <= 0 disables cleanup.
func NewRetentionCleaner(db *gorm.DB, retentionDays int) *RetentionCleaner {
	return &RetentionCleaner{
		db:            db,
		retentionDays: retentionDays,
		interval:      defaultRetentionInterval,
		batchSize:     defaultDeleteBatchSize,
		now:           time.Now,
	}
}

// Start launches the cleanup loop in a background goroutine. It stops when
// ctx is cancelled.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c.retentionDays <= 0 {
		return
	}
	go c.run(ctx)
	log.WithField("retention_days", c.retentionDays).Info("usage retention cleaner started")
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		c.CleanupOnce(ctx)

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// CleanupOnce deletes expired rows in bounded batches so a large backlog
// never holds one long transaction.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) {
	if c.retentionDays <= 0 {
		return
	}
	cutoff := c.now().UTC().AddDate(0, 0, -c.retentionDays)

	var deletedTotal int64
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		n, errDelete := c.deleteBatch(ctx, cutoff)
		if errDelete != nil {
			log.WithError(errDelete).Warn("usage retention delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.WithFields(log.Fields{
			"deleted": deletedTotal,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("usage retention cleanup finished")
	}
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	// Limited subquery keeps each delete short and lock-friendly.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM token_usages
		WHERE id IN (
			SELECT id FROM token_usages
			WHERE requested_at < ?
			ORDER BY requested_at ASC
			LIMIT ?
		)
	`, cutoff, c.batchSize)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

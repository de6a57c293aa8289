// Package retry keeps the failure ledger and re-drives failed WorkItems in
// two tiers: once per song right after its first pass, and once at the end
// of the run. An item that fails its third attempt is permanent.
package retry

import (
	"context"
	"time"

	"stemdl/pkg/models"

	"github.com/sirupsen/logrus"
)

// RedriveFunc runs the full isolate and download sequence for one item
type RedriveFunc func(ctx context.Context, item models.WorkItem) error

// Store persists permanent failures
type Store interface {
	RecordPermanentFailure(rec models.FailureRecord) error
}

// Coordinator owns the failure ledger
type Coordinator struct {
	ledger  *Ledger
	redrive RedriveFunc
	store   Store
	logger  *logrus.Logger
	now     func() time.Time
}

// NewCoordinator creates a coordinator. store may be nil.
func NewCoordinator(redrive RedriveFunc, store Store, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		ledger:  NewLedger(),
		redrive: redrive,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// RecordFailure records a failed attempt of item. A first failure creates
// an attempt 1 record; a failure of an item already in the ledger advances it.
func (c *Coordinator) RecordFailure(item models.WorkItem, reason string) models.FailureRecord {
	rec, exists := c.ledger.Get(item.Key())
	if exists && rec.Permanent() {
		return rec
	}
	if exists {
		rec = rec.Next(reason, c.now())
	} else {
		rec = models.FailureRecord{Item: item, Attempt: 1, Reason: reason, RecordedAt: c.now()}
	}
	c.put(rec)
	return rec
}

// Resolve removes item from the ledger, for example after the final sweep
// recovered its file. It reports whether an entry was removed.
func (c *Coordinator) Resolve(item models.WorkItem) bool {
	if !c.ledger.Delete(item.Key()) {
		return false
	}
	c.logger.WithField("item", item.String()).Info("Failure resolved")
	return true
}

// RunTier1Retries re-drives every item of songURL still at attempt 1. A
// success removes the entry; a failure moves it to attempt 2.
func (c *Coordinator) RunTier1Retries(ctx context.Context, songURL string) error {
	pending := c.ledger.Select(func(rec models.FailureRecord) bool {
		return rec.Item.SongURL == songURL && rec.Attempt == 1
	})
	if len(pending) == 0 {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"song":  pending[0].Item.SongLabel(),
		"count": len(pending),
	}).Info("Running song retries")

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.retry(ctx, rec, rec.Attempt+1)
	}
	return ctx.Err()
}

// RunTier2Retries re-drives every remaining non-permanent item exactly once.
// Afterwards every entry left in the ledger is permanent.
func (c *Coordinator) RunTier2Retries(ctx context.Context) error {
	pending := c.ledger.Select(func(rec models.FailureRecord) bool {
		return !rec.Permanent()
	})
	if len(pending) == 0 {
		return nil
	}

	c.logger.WithField("count", len(pending)).Info("Running final retries")

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.retry(ctx, rec, models.MaxAttempts)
	}
	return ctx.Err()
}

// retry re-drives rec once and stores its outcome. A failure is recorded at
// attempt failAttempt.
func (c *Coordinator) retry(ctx context.Context, rec models.FailureRecord, failAttempt int) {
	log := c.logger.WithFields(logrus.Fields{
		"item":    rec.Item.String(),
		"attempt": rec.Attempt + 1,
	})

	err := c.redrive(ctx, rec.Item)
	if err == nil {
		if c.ledger.Delete(rec.Item.Key()) {
			log.Info("Retry succeeded")
		}
		return
	}
	if ctx.Err() != nil {
		// Interrupted, not failed: leave the entry as it was
		return
	}

	next := models.FailureRecord{
		Item:       rec.Item,
		Attempt:    failAttempt,
		Reason:     err.Error(),
		RecordedAt: c.now(),
	}
	if next.Attempt > models.MaxAttempts {
		next.Attempt = models.MaxAttempts
	}
	c.put(next)
	log.WithError(err).Warn("Retry failed")
}

// put replaces the ledger entry and persists it when it became permanent
func (c *Coordinator) put(rec models.FailureRecord) {
	if !c.ledger.Replace(rec) {
		return
	}
	if rec.Permanent() && c.store != nil {
		if err := c.store.RecordPermanentFailure(rec); err != nil {
			c.logger.WithError(err).WithField("item", rec.Item.String()).Warn("Failed to persist permanent failure")
		}
	}
}

// PermanentFailures returns the records that reached the terminal attempt
func (c *Coordinator) PermanentFailures() []models.FailureRecord {
	return c.ledger.Select(models.FailureRecord.Permanent)
}

// Pending returns every record in the ledger
func (c *Coordinator) Pending() []models.FailureRecord {
	return c.ledger.Select(nil)
}

// Unfinished returns the records that have not reached the terminal attempt
func (c *Coordinator) Unfinished() []models.FailureRecord {
	return c.ledger.Select(func(rec models.FailureRecord) bool { return !rec.Permanent() })
}

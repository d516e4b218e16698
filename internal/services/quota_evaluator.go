package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modhub/backend/internal/models"
	"gorm.io/gorm"
)

// QuotaLimits is the canonical tier default table. Weekly and monthly
// limits are derived from the daily limit by fixed multipliers.
type QuotaLimits struct {
	DailyAnonymous    int
	DailyRegistered   int
	DailyPremium      int
	WeeklyMultiplier  int
	MonthlyMultiplier int
}

// DefaultQuotaLimits returns the built-in limit table: 5/20/100 downloads
// per day for anonymous/registered/premium, weekly = 5x daily, monthly =
// 20x daily.
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		DailyAnonymous:    5,
		DailyRegistered:   20,
		DailyPremium:      100,
		WeeklyMultiplier:  5,
		MonthlyMultiplier: 20,
	}
}

// LimitFor returns the default limit for a tier within one period
func (l QuotaLimits) LimitFor(tier models.Tier, period models.PeriodType) int {
	daily := l.DailyAnonymous
	switch tier {
	case models.TierRegistered:
		daily = l.DailyRegistered
	case models.TierPremium:
		daily = l.DailyPremium
	}

	switch period {
	case models.PeriodWeekly:
		return daily * l.WeeklyMultiplier
	case models.PeriodMonthly:
		return daily * l.MonthlyMultiplier
	default:
		return daily
	}
}

// QuotaDecision is the outcome of one CheckAndReserve or Peek call
type QuotaDecision struct {
	Allowed   bool
	Usage     int
	Limit     int
	NextReset time.Time
}

// Remaining returns the quota left after this decision
func (d QuotaDecision) Remaining() int {
	remaining := d.Limit - d.Usage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// QuotaEvaluator decides admission for one (identifier, period) pair.
// Every mutation is a single conditional UPDATE at the store so that
// concurrent requests for the same identifier - including requests from
// other service instances - serialize on the database row, never on an
// in-process lock.
type QuotaEvaluator struct {
	db      *gorm.DB
	limits  QuotaLimits
	timeout time.Duration
}

func NewQuotaEvaluator(db *gorm.DB, limits QuotaLimits, timeout time.Duration) *QuotaEvaluator {
	return &QuotaEvaluator{db: db, limits: limits, timeout: timeout}
}

// Limits exposes the configured default table
func (e *QuotaEvaluator) Limits() QuotaLimits {
	return e.limits
}

// CheckAndReserve reserves one download against the identifier's quota for
// the given period. The record is created lazily with the tier's default
// limit, reset lazily when the period boundary has passed, and incremented
// only when the post-increment usage stays within the limit.
func (e *QuotaEvaluator) CheckAndReserve(ctx context.Context, identifier string, scope models.QuotaScope, period models.PeriodType, tier models.Tier) (QuotaDecision, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		now := time.Now().UTC()

		// Fast path: conditional increment, valid only inside the current
		// period. The usage-bound filter makes limit enforcement atomic; a
		// read-then-write here would let two concurrent requests both pass
		// a stale usage check.
		res := e.db.WithContext(ctx).Model(&models.QuotaRecord{}).
			Where("identifier = ? AND period_type = ?", identifier, period).
			Where("next_reset > ?", now).
			Where("(is_blocking = ? OR current_usage < quota_limit)", false).
			Update("current_usage", gorm.Expr("current_usage + 1"))
		if res.Error != nil {
			return QuotaDecision{}, fmt.Errorf("quota increment for %s/%s: %w", identifier, period, res.Error)
		}
		if res.RowsAffected == 1 {
			record, err := e.fetch(ctx, identifier, period)
			if err != nil {
				return QuotaDecision{}, err
			}
			return QuotaDecision{Allowed: true, Usage: record.CurrentUsage, Limit: record.QuotaLimit, NextReset: record.NextReset}, nil
		}

		// Slow path: the record is missing, expired, or exhausted
		record, err := e.fetch(ctx, identifier, period)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			decision, createErr := e.create(ctx, identifier, scope, period, tier, now)
			if createErr != nil {
				// Likely a concurrent first evaluation for the same pair;
				// the unique index rejects one insert, retry the fast path
				log.Printf("QuotaEvaluator: create for %s/%s failed, retrying: %v", identifier, period, createErr)
				lastErr = createErr
				continue
			}
			return decision, nil
		}
		if err != nil {
			return QuotaDecision{}, err
		}

		if record.NeedsReset(now) {
			// Reset and take the first slot of the new period in one
			// statement. The next_reset filter guarantees only one of any
			// number of concurrent "needs reset" observers wins; losers
			// retry and land on the fast path.
			nextReset := period.NextResetAfter(now)
			res := e.db.WithContext(ctx).Model(&models.QuotaRecord{}).
				Where("identifier = ? AND period_type = ?", identifier, period).
				Where("next_reset <= ?", now).
				Updates(map[string]interface{}{
					"current_usage": 1,
					"last_reset":    now,
					"next_reset":    nextReset,
				})
			if res.Error != nil {
				return QuotaDecision{}, fmt.Errorf("quota reset for %s/%s: %w", identifier, period, res.Error)
			}
			if res.RowsAffected == 1 {
				return QuotaDecision{Allowed: true, Usage: 1, Limit: record.QuotaLimit, NextReset: nextReset}, nil
			}
			lastErr = fmt.Errorf("lost reset race for %s/%s", identifier, period)
			continue
		}

		// Exhausted within the current period
		return QuotaDecision{Allowed: false, Usage: record.CurrentUsage, Limit: record.QuotaLimit, NextReset: record.NextReset}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("quota evaluation for %s/%s did not settle", identifier, period)
	}
	return QuotaDecision{}, lastErr
}

// Peek returns the current quota state without consuming anything. Used
// for the dedup short-circuit and the quota-status display.
func (e *QuotaEvaluator) Peek(ctx context.Context, identifier string, period models.PeriodType, tier models.Tier) (QuotaDecision, error) {
	now := time.Now().UTC()

	record, err := e.fetch(ctx, identifier, period)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		limit := e.limits.LimitFor(tier, period)
		return QuotaDecision{Allowed: limit > 0, Usage: 0, Limit: limit, NextReset: period.NextResetAfter(now)}, nil
	}
	if err != nil {
		return QuotaDecision{}, err
	}

	if record.NeedsReset(now) {
		// Boundary passed but no evaluation has reset the record yet;
		// report the fresh period without mutating anything
		return QuotaDecision{Allowed: record.QuotaLimit > 0, Usage: 0, Limit: record.QuotaLimit, NextReset: period.NextResetAfter(now)}, nil
	}

	return QuotaDecision{Allowed: !record.IsExhausted(), Usage: record.CurrentUsage, Limit: record.QuotaLimit, NextReset: record.NextReset}, nil
}

// Release compensates one previously reserved download, used when a later
// scope in a multi-scope evaluation denies the request. Usage never drops
// below zero.
func (e *QuotaEvaluator) Release(ctx context.Context, identifier string, period models.PeriodType) error {
	res := e.db.WithContext(ctx).Model(&models.QuotaRecord{}).
		Where("identifier = ? AND period_type = ?", identifier, period).
		Where("current_usage > 0").
		Update("current_usage", gorm.Expr("current_usage - 1"))
	if res.Error != nil {
		return fmt.Errorf("quota release for %s/%s: %w", identifier, period, res.Error)
	}
	return nil
}

func (e *QuotaEvaluator) fetch(ctx context.Context, identifier string, period models.PeriodType) (*models.QuotaRecord, error) {
	var record models.QuotaRecord
	err := e.db.WithContext(ctx).
		Where("identifier = ? AND period_type = ?", identifier, period).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("quota fetch for %s/%s: %w", identifier, period, err)
	}
	return &record, nil
}

// create inserts a fresh record with the first download already consumed
func (e *QuotaEvaluator) create(ctx context.Context, identifier string, scope models.QuotaScope, period models.PeriodType, tier models.Tier, now time.Time) (QuotaDecision, error) {
	limit := e.limits.LimitFor(tier, period)
	record := models.QuotaRecord{
		Identifier:   identifier,
		Scope:        scope,
		PeriodType:   period,
		QuotaLimit:   limit,
		CurrentUsage: 1,
		LastReset:    now,
		NextReset:    period.NextResetAfter(now),
		IsBlocking:   true,
		Tier:         tier,
	}
	if record.IsBlocking && limit < 1 {
		return QuotaDecision{Allowed: false, Usage: 0, Limit: limit, NextReset: record.NextReset}, nil
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return QuotaDecision{}, err
	}
	return QuotaDecision{Allowed: true, Usage: 1, Limit: limit, NextReset: record.NextReset}, nil
}

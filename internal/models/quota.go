package models

import (
	"encoding/json"
	"time"
)

// QuotaScope identifies what kind of key a quota record is tracked under
type QuotaScope string

const (
	QuotaScopeUserID    QuotaScope = "user"
	QuotaScopeIPAddress QuotaScope = "ip"
)

// PeriodType represents the rolling window a quota record covers
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// periodResets maps each period type to its reset formula. All period math
// goes through this table so Daily/Weekly/Monthly stay consistent across
// the evaluator, the recorder and the quota-status display.
var periodResets = map[PeriodType]func(time.Time) time.Time{
	PeriodDaily: func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	},
	PeriodWeekly: func(t time.Time) time.Time {
		t = t.UTC()
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weeks start on Monday 00:00 UTC
		daysUntilMonday := (8 - int(t.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight.AddDate(0, 0, daysUntilMonday)
	},
	PeriodMonthly: func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	},
}

// NextResetAfter returns the period boundary following t
func (p PeriodType) NextResetAfter(t time.Time) time.Time {
	if f, ok := periodResets[p]; ok {
		return f(t)
	}
	return periodResets[PeriodDaily](t)
}

// Valid reports whether p is a known period type
func (p PeriodType) Valid() bool {
	_, ok := periodResets[p]
	return ok
}

// Tier represents the class of caller for quota purposes
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierRegistered Tier = "registered"
	TierPremium    Tier = "premium"
)

// QuotaRecord tracks download usage for one (identifier, period) pair.
// Records are created lazily on first evaluation and are only ever mutated
// by the quota evaluator; the retention job never touches them.
type QuotaRecord struct {
	ID           uint       `gorm:"column:id;primaryKey" json:"id"`
	Identifier   string     `gorm:"column:identifier;size:100;not null;uniqueIndex:idx_quota_identifier_period" json:"identifier"`
	Scope        QuotaScope `gorm:"column:scope;size:20;not null" json:"scope"`
	PeriodType   PeriodType `gorm:"column:period_type;size:20;not null;uniqueIndex:idx_quota_identifier_period" json:"period_type"`
	QuotaLimit   int        `gorm:"column:quota_limit;not null" json:"limit"`
	CurrentUsage int        `gorm:"column:current_usage;not null;default:0" json:"current_usage"`
	LastReset    time.Time  `gorm:"column:last_reset" json:"last_reset"`
	NextReset    time.Time  `gorm:"column:next_reset;index" json:"next_reset"`
	IsBlocking   bool       `gorm:"column:is_blocking;default:true" json:"is_blocking"`
	Tier         Tier       `gorm:"column:tier;size:20" json:"tier"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (QuotaRecord) TableName() string {
	return "quota_records"
}

// Remaining returns how many downloads are left in the current period
func (r *QuotaRecord) Remaining() int {
	remaining := r.QuotaLimit - r.CurrentUsage
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExhausted reports whether the record blocks further downloads
func (r *QuotaRecord) IsExhausted() bool {
	return r.IsBlocking && r.CurrentUsage >= r.QuotaLimit
}

// NeedsReset reports whether the period boundary has passed
func (r *QuotaRecord) NeedsReset(now time.Time) bool {
	return !now.Before(r.NextReset)
}

// DownloadResult is the per-request admission outcome returned by the
// recorder. It is never persisted.
type DownloadResult struct {
	IsAllowed      bool      `json:"is_allowed"`
	QuotaExceeded  bool      `json:"quota_exceeded"`
	RemainingQuota int       `json:"remaining_quota"`
	NextReset      time.Time `json:"next_reset"`
	QuotaType      string    `json:"quota_type,omitempty"`
	Message        string    `json:"message"`
	DownloadID     string    `json:"download_id,omitempty"`
}

// Encode serializes the result for idempotency-key storage
func (r *DownloadResult) Encode() ([]byte, error) {
	return json.Marshal(r)
}

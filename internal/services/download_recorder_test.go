package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRecorder(t *testing.T, db *gorm.DB, limits QuotaLimits, scopes []string, failOpen bool) *DownloadRecorder {
	t.Helper()
	evaluator := NewQuotaEvaluator(db, limits, 2*time.Second)
	dedup := NewDedupTracker(db, nil, time.Hour)
	return NewDownloadRecorder(db, nil, evaluator, dedup, scopes, failOpen)
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.DownloadEvent{}).Count(&count).Error)
	return count
}

func TestAnonymousDailyLimit(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	req := DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7", UserAgent: "curl/8.0"}

	for i := 1; i <= 5; i++ {
		result, err := recorder.RecordDownload(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.IsAllowed, "download %d should be admitted", i)
		assert.Equal(t, 5-i, result.RemainingQuota)
		assert.Equal(t, "daily", result.QuotaType)
		assert.NotEmpty(t, result.DownloadID)
	}

	result, err := recorder.RecordDownload(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsAllowed)
	assert.True(t, result.QuotaExceeded)
	assert.Equal(t, 0, result.RemainingQuota)
	assert.Equal(t, "daily", result.QuotaType)
	assert.True(t, result.NextReset.After(time.Now().UTC()))

	// Denied attempts leave no trace in the event log
	assert.Equal(t, int64(5), countEvents(t, db))
}

func TestAnonymousQuotaSharedAcrossSubnet(t *testing.T) {
	db := newTestDB(t)
	limits := QuotaLimits{DailyAnonymous: 2, DailyRegistered: 20, DailyPremium: 100, WeeklyMultiplier: 5, MonthlyMultiplier: 20}
	recorder := newTestRecorder(t, db, limits, []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	for _, ip := range []string{"203.0.113.7", "203.0.113.42"} {
		result, err := recorder.RecordDownload(ctx, DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: ip})
		require.NoError(t, err)
		assert.True(t, result.IsAllowed)
	}

	// Anonymized identifiers collapse the /24, so a third address in the
	// same block is already over the shared limit
	result, err := recorder.RecordDownload(ctx, DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.99"})
	require.NoError(t, err)
	assert.False(t, result.IsAllowed)
	assert.True(t, result.QuotaExceeded)
}

func TestRepeatDownloadInsideWindowSkipsQuota(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	req := DownloadRequest{ModID: 1, VersionNumber: "1.0.0", ActorID: 42, Tier: models.TierRegistered, RemoteIP: "203.0.113.7"}

	first, err := recorder.RecordDownload(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.IsAllowed)
	assert.Equal(t, 19, first.RemainingQuota)

	second, err := recorder.RecordDownload(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.IsAllowed)
	assert.Equal(t, 19, second.RemainingQuota, "repeat must not consume quota")
	assert.Equal(t, "recent download, quota unaffected", second.Message)
	assert.NotEmpty(t, second.DownloadID)

	// Quota consumed exactly once
	var record models.QuotaRecord
	require.NoError(t, db.Where("identifier = ?", "user:42").First(&record).Error)
	assert.Equal(t, 1, record.CurrentUsage)

	// Both attempts are in the log; the repeat is flagged
	assert.Equal(t, int64(2), countEvents(t, db))
	var dedupCount int64
	require.NoError(t, db.Model(&models.DownloadEvent{}).Where("deduplicated = ?", true).Count(&dedupCount).Error)
	assert.Equal(t, int64(1), dedupCount)
}

func TestRepeatDownloadAnonymousIsNotDeduplicated(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	req := DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7"}

	for i := 0; i < 2; i++ {
		result, err := recorder.RecordDownload(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.IsAllowed)
	}

	var record models.QuotaRecord
	require.NoError(t, db.Where("identifier = ?", "ip:203.0.113.0").First(&record).Error)
	assert.Equal(t, 2, record.CurrentUsage)
}

func TestMultiScopeDenialRollsBackCommittedScopes(t *testing.T) {
	db := newTestDB(t)
	// Weekly multiplier of zero makes every weekly limit zero, forcing a
	// denial on the second scope after daily has already committed
	limits := QuotaLimits{DailyAnonymous: 5, DailyRegistered: 20, DailyPremium: 100, WeeklyMultiplier: 0, MonthlyMultiplier: 20}
	recorder := newTestRecorder(t, db, limits, []string{"daily", "weekly"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)

	result, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7"})
	require.NoError(t, err)

	assert.False(t, result.IsAllowed)
	assert.True(t, result.QuotaExceeded)
	assert.Equal(t, "weekly", result.QuotaType)

	// The daily increment was compensated, so the denial left no usage
	var record models.QuotaRecord
	require.NoError(t, db.Where("identifier = ? AND period_type = ?", "ip:203.0.113.0", models.PeriodDaily).First(&record).Error)
	assert.Equal(t, 0, record.CurrentUsage)

	assert.Equal(t, int64(0), countEvents(t, db))
}

func TestRemainingIsMinimumAcrossScopes(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily", "monthly"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)

	result, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7"})
	require.NoError(t, err)

	// Daily 5 binds before monthly 100
	assert.True(t, result.IsAllowed)
	assert.Equal(t, 4, result.RemainingQuota)
	assert.Equal(t, "daily", result.QuotaType)
}

func TestUnknownScopeNamesDropped(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"hourly", "weekly", "weekly", "daily"}, true)

	assert.Equal(t, []models.PeriodType{models.PeriodDaily, models.PeriodWeekly}, recorder.Scopes())
}

func TestRecordDownloadModNotFound(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)

	_, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 99, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7"})
	assert.ErrorIs(t, err, ErrModOrVersionNotFound)
}

func TestRecordDownloadVersionNotFound(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)

	_, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 1, VersionNumber: "9.9.9", RemoteIP: "203.0.113.7"})
	assert.ErrorIs(t, err, ErrModOrVersionNotFound)

	// Nothing consumed, nothing logged
	var quotaCount int64
	require.NoError(t, db.Model(&models.QuotaRecord{}).Count(&quotaCount).Error)
	assert.Equal(t, int64(0), quotaCount)
	assert.Equal(t, int64(0), countEvents(t, db))
}

func TestRecordDownloadValidation(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)

	_, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 0, VersionNumber: "1.0.0"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 1, VersionNumber: ""})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecordDownloadPersistsRequestMetadata(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, version := seedModVersion(t, db, "terrain-pack", "2.1.0", 4096)

	result, err := recorder.RecordDownload(context.Background(), DownloadRequest{
		ModID:         1,
		VersionNumber: "2.1.0",
		RemoteIP:      "203.0.113.7",
		UserAgent:     "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
		Referer:       "https://modhub.example/mods/terrain-pack",
		AcceptLang:    "de-DE,de;q=0.9",
	})
	require.NoError(t, err)
	require.True(t, result.IsAllowed)

	var event models.DownloadEvent
	require.NoError(t, db.Where("id = ?", result.DownloadID).First(&event).Error)
	assert.Equal(t, version.ID, event.VersionID)
	assert.Equal(t, "2.1.0", event.VersionNumber)
	assert.Nil(t, event.ActorID)
	assert.Equal(t, "203.0.113.0", event.AnonymizedIdentifier)
	assert.Equal(t, models.DeviceMobile, event.DeviceType)
	assert.Equal(t, "DE", event.Country)
	assert.Equal(t, "https://modhub.example/mods/terrain-pack", event.Referer)
	assert.Equal(t, int64(4096), event.FileSizeBytes)
	assert.Equal(t, models.DownloadCompleted, event.Status)
	assert.False(t, event.Deduplicated)
}

func TestRegisteredTierCoercion(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)

	// An authenticated caller with a bogus tier value falls back to the
	// registered limits rather than the anonymous ones
	result, err := recorder.RecordDownload(context.Background(), DownloadRequest{ModID: 1, VersionNumber: "1.0.0", ActorID: 8, Tier: models.Tier("vip")})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, 19, result.RemainingQuota)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	server := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: server.Addr()})
}

func newTestRecorderWithRedis(t *testing.T, db *gorm.DB, rdb *redis.Client) *DownloadRecorder {
	t.Helper()
	evaluator := NewQuotaEvaluator(db, DefaultQuotaLimits(), 2*time.Second)
	dedup := NewDedupTracker(db, rdb, time.Hour)
	return NewDownloadRecorder(db, rdb, evaluator, dedup, []string{"daily"}, true)
}

func TestIdempotentRetryReplaysResult(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	recorder := newTestRecorderWithRedis(t, db, rdb)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	req := DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7", IdempotencyKey: "attempt-1"}

	first, err := recorder.RecordDownload(ctx, req)
	require.NoError(t, err)
	require.True(t, first.IsAllowed)

	second, err := recorder.RecordDownload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second, "retry must replay the original result")

	// The retry consumed nothing and logged nothing
	var record models.QuotaRecord
	require.NoError(t, db.Where("identifier = ?", "ip:203.0.113.0").First(&record).Error)
	assert.Equal(t, 1, record.CurrentUsage)
	assert.Equal(t, int64(1), countEvents(t, db))
}

func TestIdempotencyReservationBlocksRetryWithoutResult(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	recorder := newTestRecorderWithRedis(t, db, rdb)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	// The key is reserved but the attempt never produced a result, as
	// after a crash between the quota increment and the result store
	require.NoError(t, rdb.Set(ctx, database.CacheKeyIdemPrefix+"attempt-2", "pending", time.Hour).Err())

	_, err := recorder.RecordDownload(ctx, DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7", IdempotencyKey: "attempt-2"})
	assert.ErrorIs(t, err, ErrAttemptInProgress)

	// No quota was touched by the blocked retry
	var count int64
	require.NoError(t, db.Model(&models.QuotaRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestIdempotencyReservationReleasedOnError(t *testing.T) {
	db := newTestDB(t)
	rdb := newTestRedis(t)
	recorder := newTestRecorderWithRedis(t, db, rdb)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	_, err := recorder.RecordDownload(ctx, DownloadRequest{ModID: 1, VersionNumber: "9.9.9", RemoteIP: "203.0.113.7", IdempotencyKey: "attempt-3"})
	require.ErrorIs(t, err, ErrModOrVersionNotFound)

	// The failed attempt released its reservation, so the corrected retry
	// goes through instead of seeing an in-progress attempt
	result, err := recorder.RecordDownload(ctx, DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7", IdempotencyKey: "attempt-3"})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
}

func TestQuotaStatusReflectsUsage(t *testing.T) {
	db := newTestDB(t)
	recorder := newTestRecorder(t, db, DefaultQuotaLimits(), []string{"daily"}, true)
	_, _ = seedModVersion(t, db, "terrain-pack", "1.0.0", 2048)
	ctx := context.Background()

	status, err := recorder.QuotaStatus(ctx, 0, models.TierAnonymous, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.IsAllowed)
	assert.Equal(t, 5, status.RemainingQuota)

	req := DownloadRequest{ModID: 1, VersionNumber: "1.0.0", RemoteIP: "203.0.113.7"}
	for i := 0; i < 5; i++ {
		_, err := recorder.RecordDownload(ctx, req)
		require.NoError(t, err)
	}

	status, err = recorder.QuotaStatus(ctx, 0, models.TierAnonymous, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.IsAllowed)
	assert.True(t, status.QuotaExceeded)
	assert.Equal(t, 0, status.RemainingQuota)
	assert.Equal(t, "daily", status.QuotaType)
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DownloadRequest carries everything the recorder needs from the delivery
// endpoint: the target mod/version, the resolved actor (0 = anonymous) and
// the request context headers.
type DownloadRequest struct {
	ModID         uint
	VersionNumber string
	ActorID       uint
	Tier          models.Tier
	RemoteIP      string
	UserAgent     string
	Referer       string
	AcceptLang    string
	CountryHeader string
	// Optional per-attempt key; a retried attempt with the same key
	// replays the original result instead of consuming quota again
	IdempotencyKey string
}

// DownloadRecorder orchestrates one download admission: dedup check,
// multi-scope quota evaluation, event persistence. It is the single entry
// point called by the delivery endpoint.
type DownloadRecorder struct {
	db        *gorm.DB
	redis     *redis.Client
	evaluator *QuotaEvaluator
	dedup     *DedupTracker
	scopes    []models.PeriodType
	failOpen  bool
}

// NewDownloadRecorder builds a recorder evaluating the given period scopes
// for every download. Daily is always evaluated first; unknown scope names
// are dropped with a warning.
func NewDownloadRecorder(db *gorm.DB, rdb *redis.Client, evaluator *QuotaEvaluator, dedup *DedupTracker, scopeNames []string, failOpen bool) *DownloadRecorder {
	scopes := []models.PeriodType{models.PeriodDaily}
	for _, name := range scopeNames {
		period := models.PeriodType(name)
		if !period.Valid() {
			log.Printf("Recorder: ignoring unknown quota scope %q", name)
			continue
		}
		if period == models.PeriodDaily {
			continue
		}
		seen := false
		for _, existing := range scopes {
			if existing == period {
				seen = true
				break
			}
		}
		if !seen {
			scopes = append(scopes, period)
		}
	}

	return &DownloadRecorder{
		db:        db,
		redis:     rdb,
		evaluator: evaluator,
		dedup:     dedup,
		scopes:    scopes,
		failOpen:  failOpen,
	}
}

// Scopes returns the period scopes evaluated per download
func (r *DownloadRecorder) Scopes() []models.PeriodType {
	return r.scopes
}

// RecordDownload admits or denies one download request. Quota admission
// failures come back inside the DownloadResult; ErrModOrVersionNotFound,
// ErrValidation and (under fail-closed) ErrStoreUnavailable come back as
// errors.
func (r *DownloadRecorder) RecordDownload(ctx context.Context, req DownloadRequest) (*models.DownloadResult, error) {
	if req.ModID == 0 || req.VersionNumber == "" {
		return nil, fmt.Errorf("%w: mod id and version number are required", ErrValidation)
	}

	replay, err := r.beginIdempotent(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	mod, version, err := r.resolveVersion(ctx, req.ModID, req.VersionNumber)
	if err != nil {
		r.clearIdempotent(ctx, req.IdempotencyKey)
		return nil, err
	}

	identifier, scope, tier := r.identity(req)
	now := time.Now().UTC()

	// Dedup short-circuit: the actor already downloaded this mod within
	// the window, the download is admitted without touching any quota
	if req.ActorID != 0 {
		recent, err := r.dedup.HasRecentDownload(ctx, req.ActorID, req.ModID)
		if err != nil {
			// Dedup is an optimization for the caller; on store trouble
			// fall through to normal evaluation rather than failing
			log.Printf("Recorder: dedup check failed for actor %d mod %d: %v", req.ActorID, req.ModID, err)
		}
		if recent {
			result := r.dedupResult(ctx, identifier, tier, now)
			result.DownloadID = r.persistEvent(ctx, req, mod, version, true)
			r.storeIdempotent(ctx, req.IdempotencyKey, result)
			return result, nil
		}
	}

	// Every configured scope must pass before the download is admitted;
	// increments committed before a failing scope are compensated so a
	// denied request leaves no partial usage behind
	var committed []models.PeriodType
	minRemaining := -1
	binding := QuotaDecision{}
	bindingPeriod := models.PeriodDaily

	for _, period := range r.scopes {
		decision, err := r.evaluator.CheckAndReserve(ctx, identifier, scope, period, tier)
		if err != nil {
			log.Printf("Recorder: quota store error for %s/%s: %v", identifier, period, err)
			if !r.failOpen {
				r.rollback(ctx, identifier, committed)
				r.clearIdempotent(ctx, req.IdempotencyKey)
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			// Fail-open: admit this scope at the tier default without a
			// committed increment
			decision = QuotaDecision{
				Allowed:   true,
				Usage:     0,
				Limit:     r.evaluator.Limits().LimitFor(tier, period),
				NextReset: period.NextResetAfter(now),
			}
		} else if decision.Allowed {
			committed = append(committed, period)
		}

		if !decision.Allowed {
			r.rollback(ctx, identifier, committed)
			result := &models.DownloadResult{
				IsAllowed:      false,
				QuotaExceeded:  true,
				RemainingQuota: 0,
				NextReset:      decision.NextReset,
				QuotaType:      string(period),
				Message:        fmt.Sprintf("%s download quota exceeded", period),
			}
			r.storeIdempotent(ctx, req.IdempotencyKey, result)
			return result, nil
		}

		if rem := decision.Remaining(); minRemaining < 0 || rem < minRemaining {
			minRemaining = rem
			binding = decision
			bindingPeriod = period
		}
	}

	downloadID := r.persistEvent(ctx, req, mod, version, false)
	if downloadID == "" && !r.failOpen {
		r.rollback(ctx, identifier, committed)
		r.clearIdempotent(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("%w: event log write failed", ErrStoreUnavailable)
	}

	r.dedup.MarkDownloaded(ctx, req.ActorID, req.ModID)

	result := &models.DownloadResult{
		IsAllowed:      true,
		QuotaExceeded:  false,
		RemainingQuota: minRemaining,
		NextReset:      binding.NextReset,
		QuotaType:      string(bindingPeriod),
		Message:        "download recorded",
		DownloadID:     downloadID,
	}
	r.storeIdempotent(ctx, req.IdempotencyKey, result)
	return result, nil
}

// QuotaStatus resolves the caller's remaining quota without consuming any.
// Used by the quota display endpoint.
func (r *DownloadRecorder) QuotaStatus(ctx context.Context, actorID uint, tier models.Tier, remoteIP string) (*models.DownloadResult, error) {
	identifier, _, resolvedTier := r.identity(DownloadRequest{ActorID: actorID, Tier: tier, RemoteIP: remoteIP})
	now := time.Now().UTC()

	minRemaining := -1
	binding := QuotaDecision{}
	bindingPeriod := models.PeriodDaily

	for _, period := range r.scopes {
		decision, err := r.evaluator.Peek(ctx, identifier, period, resolvedTier)
		if err != nil {
			log.Printf("Recorder: quota status read failed for %s/%s: %v", identifier, period, err)
			if !r.failOpen {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			decision = QuotaDecision{
				Allowed:   true,
				Usage:     0,
				Limit:     r.evaluator.Limits().LimitFor(resolvedTier, period),
				NextReset: period.NextResetAfter(now),
			}
		}
		if rem := decision.Remaining(); minRemaining < 0 || rem < minRemaining {
			minRemaining = rem
			binding = decision
			bindingPeriod = period
		}
	}

	return &models.DownloadResult{
		IsAllowed:      minRemaining != 0,
		QuotaExceeded:  minRemaining == 0,
		RemainingQuota: minRemaining,
		NextReset:      binding.NextReset,
		QuotaType:      string(bindingPeriod),
		Message:        "quota status",
	}, nil
}

// identity resolves the acting quota identifier: the authenticated actor,
// or the anonymized caller IP
func (r *DownloadRecorder) identity(req DownloadRequest) (string, models.QuotaScope, models.Tier) {
	if req.ActorID != 0 {
		tier := req.Tier
		if tier != models.TierPremium {
			tier = models.TierRegistered
		}
		return fmt.Sprintf("user:%d", req.ActorID), models.QuotaScopeUserID, tier
	}
	return "ip:" + AnonymizeIP(req.RemoteIP), models.QuotaScopeIPAddress, models.TierAnonymous
}

// dedupResult builds the admission result for a dedup hit: allowed, quota
// untouched, remaining resolved read-only for display
func (r *DownloadRecorder) dedupResult(ctx context.Context, identifier string, tier models.Tier, now time.Time) *models.DownloadResult {
	minRemaining := -1
	nextReset := models.PeriodDaily.NextResetAfter(now)
	quotaType := string(models.PeriodDaily)

	for _, period := range r.scopes {
		decision, err := r.evaluator.Peek(ctx, identifier, period, tier)
		if err != nil {
			log.Printf("Recorder: dedup quota peek failed for %s/%s: %v", identifier, period, err)
			continue
		}
		if rem := decision.Remaining(); minRemaining < 0 || rem < minRemaining {
			minRemaining = rem
			nextReset = decision.NextReset
			quotaType = string(period)
		}
	}

	return &models.DownloadResult{
		IsAllowed:      true,
		QuotaExceeded:  false,
		RemainingQuota: minRemaining,
		NextReset:      nextReset,
		QuotaType:      quotaType,
		Message:        "recent download, quota unaffected",
	}
}

func (r *DownloadRecorder) resolveVersion(ctx context.Context, modID uint, versionNumber string) (*models.Mod, *models.ModVersion, error) {
	var mod models.Mod
	if err := r.db.WithContext(ctx).First(&mod, modID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrModOrVersionNotFound
		}
		return nil, nil, fmt.Errorf("%w: mod lookup: %v", ErrStoreUnavailable, err)
	}

	var version models.ModVersion
	err := r.db.WithContext(ctx).
		Where("mod_id = ? AND version_number = ?", modID, versionNumber).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrModOrVersionNotFound
		}
		return nil, nil, fmt.Errorf("%w: version lookup: %v", ErrStoreUnavailable, err)
	}

	return &mod, &version, nil
}

// persistEvent appends one immutable entry to the download log and returns
// its id, or "" when the write fails
func (r *DownloadRecorder) persistEvent(ctx context.Context, req DownloadRequest, mod *models.Mod, version *models.ModVersion, deduplicated bool) string {
	referer := req.Referer
	if len(referer) > 500 {
		referer = referer[:500]
	}
	event := models.DownloadEvent{
		ID:            uuid.NewString(),
		ModID:         mod.ID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		DeviceType:    ClassifyDevice(req.UserAgent),
		Country:       ResolveCountry(req.CountryHeader, req.AcceptLang),
		Referer:       referer,
		FileSizeBytes: version.FileSizeBytes,
		Status:        models.DownloadCompleted,
		Deduplicated:  deduplicated,
	}
	if req.ActorID != 0 {
		actorID := req.ActorID
		event.ActorID = &actorID
	} else {
		event.AnonymizedIdentifier = AnonymizeIP(req.RemoteIP)
	}

	if err := r.db.WithContext(ctx).Create(&event).Error; err != nil {
		log.Printf("Recorder: failed to persist download event for mod %d: %v", mod.ID, err)
		return ""
	}
	return event.ID
}

func (r *DownloadRecorder) rollback(ctx context.Context, identifier string, committed []models.PeriodType) {
	for _, period := range committed {
		if err := r.evaluator.Release(ctx, identifier, period); err != nil {
			log.Printf("Recorder: failed to release %s/%s after denial: %v", identifier, period, err)
		}
	}
}

// idempotencyPending marks a key reserved by an attempt that has not
// produced a result yet
const idempotencyPending = "pending"

// beginIdempotent reserves the key before any quota is touched, so a retry
// of an attempt that died after its increment cannot increment again.
// Returns the stored result when a prior attempt finished, or
// ErrAttemptInProgress when the reservation is held without a result.
func (r *DownloadRecorder) beginIdempotent(ctx context.Context, key string) (*models.DownloadResult, error) {
	if key == "" || r.redis == nil {
		return nil, nil
	}

	reserved, err := r.redis.SetNX(ctx, database.CacheKeyIdemPrefix+key, idempotencyPending, database.CacheTTLIdem).Result()
	if err != nil {
		// Cache trouble only costs the replay guarantee
		log.Printf("Recorder: idempotency reservation failed for %s: %v", key, err)
		return nil, nil
	}
	if reserved {
		return nil, nil
	}

	data, err := r.redis.Get(ctx, database.CacheKeyIdemPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("Recorder: idempotency lookup failed for %s: %v", key, err)
		}
		return nil, nil
	}
	if string(data) == idempotencyPending {
		return nil, ErrAttemptInProgress
	}

	var result models.DownloadResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("Recorder: corrupt idempotency entry for %s: %v", key, err)
		return nil, nil
	}
	log.Printf("Recorder: replaying idempotent attempt %s", key)
	return &result, nil
}

// clearIdempotent releases a reservation when the attempt failed without a
// replayable result, so a corrected retry is not locked out
func (r *DownloadRecorder) clearIdempotent(ctx context.Context, key string) {
	if key == "" || r.redis == nil {
		return
	}
	if err := r.redis.Del(ctx, database.CacheKeyIdemPrefix+key).Err(); err != nil {
		log.Printf("Recorder: idempotency release failed for %s: %v", key, err)
	}
}

func (r *DownloadRecorder) storeIdempotent(ctx context.Context, key string, result *models.DownloadResult) {
	if key == "" || r.redis == nil {
		return
	}
	data, err := result.Encode()
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, database.CacheKeyIdemPrefix+key, data, database.CacheTTLIdem).Err(); err != nil {
		log.Printf("Recorder: idempotency store failed for %s: %v", key, err)
	}
}

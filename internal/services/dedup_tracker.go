package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modhub/backend/internal/database"
	"github.com/modhub/backend/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DedupTracker suppresses double-counting of repeated downloads of the
// same mod by the same actor inside a rolling window. The event log is
// authoritative; Redis keys written by the recorder serve as a positive
// fast-path cache so the common repeat case skips the log query.
// Anonymous downloads are never deduplicated.
type DedupTracker struct {
	db     *gorm.DB
	redis  *redis.Client
	window time.Duration
}

func NewDedupTracker(db *gorm.DB, rdb *redis.Client, window time.Duration) *DedupTracker {
	if window <= 0 {
		window = 1 * time.Hour
	}
	return &DedupTracker{db: db, redis: rdb, window: window}
}

// Window returns the configured dedup window
func (t *DedupTracker) Window() time.Duration {
	return t.window
}

// HasRecentDownload reports whether the actor downloaded the mod within
// the dedup window. Read-only.
func (t *DedupTracker) HasRecentDownload(ctx context.Context, actorID, modID uint) (bool, error) {
	if actorID == 0 {
		return false, nil
	}

	if t.redis != nil {
		n, err := t.redis.Exists(ctx, t.key(actorID, modID)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
		if err != nil {
			log.Printf("DedupTracker: cache lookup failed for actor %d mod %d: %v", actorID, modID, err)
		}
	}

	// Only counted downloads anchor the window; dedup-hit events must not
	// extend the quota-free chain past it
	var count int64
	err := t.db.WithContext(ctx).Model(&models.DownloadEvent{}).
		Where("actor_id = ? AND mod_id = ?", actorID, modID).
		Where("deduplicated = ?", false).
		Where("created_at >= ?", time.Now().UTC().Add(-t.window)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("dedup lookup for actor %d mod %d: %w", actorID, modID, err)
	}
	return count > 0, nil
}

// MarkDownloaded records a fast-path cache entry for the pair, expiring
// with the dedup window. Cache failures only cost the fast path.
func (t *DedupTracker) MarkDownloaded(ctx context.Context, actorID, modID uint) {
	if actorID == 0 || t.redis == nil {
		return
	}
	if err := t.redis.Set(ctx, t.key(actorID, modID), "1", t.window).Err(); err != nil {
		log.Printf("DedupTracker: cache write failed for actor %d mod %d: %v", actorID, modID, err)
	}
}

func (t *DedupTracker) key(actorID, modID uint) string {
	return fmt.Sprintf("%s%d:%d", database.CacheKeyDedupPrefix, actorID, modID)
}

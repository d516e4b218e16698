package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modhub/backend/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the full schema.
// A single connection keeps every query on the same memory store.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.AutoMigrate(db))
	return db
}

// seedModVersion creates a mod with one version and returns both
func seedModVersion(t *testing.T, db *gorm.DB, slug, versionNumber string, sizeBytes int64) (*models.Mod, *models.ModVersion) {
	t.Helper()

	mod := models.Mod{Name: slug, Slug: slug}
	require.NoError(t, db.Create(&mod).Error)

	version := models.ModVersion{
		ModID:         mod.ID,
		VersionNumber: versionNumber,
		FileName:      slug + "-" + versionNumber + ".zip",
		FileSizeBytes: sizeBytes,
	}
	require.NoError(t, db.Create(&version).Error)

	return &mod, &version
}

// seedEvent inserts one download event with an explicit timestamp
func seedEvent(t *testing.T, db *gorm.DB, event models.DownloadEvent, at time.Time) {
	t.Helper()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.VersionNumber == "" {
		event.VersionNumber = "1.0.0"
	}
	if event.Status == "" {
		event.Status = models.DownloadCompleted
	}
	event.CreatedAt = at
	require.NoError(t, db.Create(&event).Error)
}

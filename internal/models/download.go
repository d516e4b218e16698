package models

import (
	"time"
)

// DeviceType is a coarse device classification derived from the User-Agent
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// DownloadStatus represents the delivery state of a download
type DownloadStatus string

const (
	DownloadStarted   DownloadStatus = "started"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
)

// DownloadEvent is one append-only entry in the download log. Events are
// immutable once created and are removed only by the retention cleanup job.
type DownloadEvent struct {
	ID            string         `gorm:"column:id;primaryKey;size:36" json:"id"`
	ModID         uint           `gorm:"column:mod_id;not null;index:idx_events_mod_created" json:"mod_id"`
	VersionID     uint           `gorm:"column:version_id;not null" json:"version_id"`
	VersionNumber string         `gorm:"column:version_number;size:50;not null" json:"version_number"`
	// Nil for anonymous downloads
	ActorID              *uint          `gorm:"column:actor_id;index:idx_events_actor_mod" json:"actor_id"`
	AnonymizedIdentifier string         `gorm:"column:anonymized_identifier;size:100" json:"anonymized_identifier"`
	DeviceType           DeviceType     `gorm:"column:device_type;size:20" json:"device_type"`
	Country              string         `gorm:"column:country;size:10" json:"country"`
	Referer              string         `gorm:"column:referer;size:500" json:"referer,omitempty"`
	FileSizeBytes        int64          `gorm:"column:file_size_bytes;default:0" json:"file_size_bytes"`
	Status               DownloadStatus `gorm:"column:status;size:20;default:completed" json:"status"`
	// True when the download was admitted via the dedup window and did not
	// consume quota; kept in the log for audit and statistics.
	Deduplicated bool      `gorm:"column:deduplicated;default:false" json:"deduplicated"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_events_mod_created;index:idx_events_actor_mod" json:"created_at"`
}

func (DownloadEvent) TableName() string {
	return "download_events"
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Mod represents a hosted mod. Full mod CRUD and search live in the catalog
// service; the download path only needs resolution and display fields.
type Mod struct {
	ID          uint           `gorm:"column:id;primaryKey" json:"id"`
	Name        string         `gorm:"column:name;size:255;not null" json:"name"`
	Slug        string         `gorm:"column:slug;size:255;uniqueIndex;not null" json:"slug"`
	Description string         `gorm:"column:description;type:text" json:"description"`
	AuthorID    uint           `gorm:"column:author_id;index" json:"author_id"`
	Versions    []ModVersion   `gorm:"foreignKey:ModID" json:"versions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Mod) TableName() string {
	return "mods"
}

// ModVersion represents one released version of a mod
type ModVersion struct {
	ID            uint      `gorm:"column:id;primaryKey" json:"id"`
	ModID         uint      `gorm:"column:mod_id;not null;uniqueIndex:idx_mod_version_number" json:"mod_id"`
	VersionNumber string    `gorm:"column:version_number;size:50;not null;uniqueIndex:idx_mod_version_number" json:"version_number"`
	FileName      string    `gorm:"column:file_name;size:255" json:"file_name"`
	FileSizeBytes int64     `gorm:"column:file_size_bytes;default:0" json:"file_size_bytes"`
	Changelog     string    `gorm:"column:changelog;type:text" json:"changelog"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ModVersion) TableName() string {
	return "mod_versions"
}

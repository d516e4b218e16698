package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the schema for all models
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&User{},
		&Mod{},
		&ModVersion{},
		&QuotaRecord{},
		&DownloadEvent{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed successfully")
	return nil
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a platform account. Registration, login and token
// issuance are handled by the external user service; this record exists so
// the download path can verify the actor and resolve its tier.
type User struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	Username  string         `gorm:"column:username;uniqueIndex;size:100;not null" json:"username"`
	Email     string         `gorm:"column:email;size:255" json:"email"`
	Tier      Tier           `gorm:"column:tier;size:20;default:registered" json:"tier"`
	IsActive  bool           `gorm:"column:is_active;default:true" json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string {
	return "users"
}

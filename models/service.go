package models

import "time"

// Service is a scheduled gathering (worship service, event session) that
// members check in to.
type Service struct {
	ID          int       `gorm:"primary_key" json:"id"`
	ChurchId    string    `gorm:"size:64;not null;index" json:"church_id"`
	Name        string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Campus      string    `gorm:"size:100" json:"campus"`
	ServiceDate time.Time `gorm:"index" json:"service_date"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import "time"

// CheckInRecord is the authoritative attendance fact. At most one active
// record exists per (user_id, service_id); repeat submissions are duplicates
// resolved by the caller's conflict policy, never second rows.
type CheckInRecord struct {
	ID          int       `gorm:"primary_key" json:"id"`
	ChurchId    string    `gorm:"size:64;not null;index" json:"church_id"`
	UserId      int       `gorm:"not null;index:uniq_checkin,unique" json:"user_id"`
	ServiceId   int       `gorm:"not null;index:uniq_checkin,unique" json:"service_id"`
	CheckInTime time.Time `gorm:"not null" json:"check_in_time"`
	// ClientId is the client-chosen correlation token carried back on every
	// per-item result so offline queues can map verdicts onto local actions.
	ClientId  *string   `gorm:"size:128" json:"client_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import "time"

// IdempotencyRecord stores the outcome of the first execution for a
// client-chosen key so retries replay the response instead of re-running the
// side effect. Unique constraint: (user_id, route, idem_key).
//
// Retention is short (hours). Expired rows are treated as absent and may be
// overwritten in place; cmd/idempotency-sweep deletes them.
type IdempotencyRecord struct {
	ID             int       `gorm:"primary_key" json:"id"`
	Key            string    `gorm:"column:idem_key;size:128;not null;index:uniq_idem,unique" json:"key"`
	UserId         int       `gorm:"not null;index:uniq_idem,unique" json:"user_id"`
	Route          string    `gorm:"size:100;not null;index:uniq_idem,unique" json:"route"`
	RequestHash    string    `gorm:"size:64;not null" json:"request_hash"`
	ResponseStatus int       `gorm:"not null" json:"response_status"`
	ResponseBody   []byte    `gorm:"type:mediumblob" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

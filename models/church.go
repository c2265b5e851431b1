package models

import (
	"context"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/config"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/google/uuid"
)

// Church is the tenant root. Every tenant-scoped table carries church_id and
// is auto-filtered by the tenant guard plugin.
type Church struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	Name      string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Address   string    `gorm:"type:text" json:"address"`
	Timezone  string    `gorm:"size:50" json:"timezone"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewChurchId() string {
	return uuid.NewString()
}

func GetChurchById(ctx context.Context, id string) (*Church, error) {
	var church Church
	exists, err := config.GetRedisObject("Church:"+id, &church)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		if err := db.WithContext(ctx).Where("id = ?", id).Take(&church).Error; err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := config.SetRedisObject("Church:"+id, &church, utils.GetCacheLifespan()); err != nil {
			return nil, err
		}
	}
	return &church, nil
}

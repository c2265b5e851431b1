package models

import (
	"context"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/config"
	"bitbucket.org/gracesoft/congregate_backend/utils"
)

type UserRole string

const (
	UserRoleAdmin  UserRole = "A"
	UserRoleLeader UserRole = "L"
	UserRoleMember UserRole = "M"
)

// RoleAtLeast reports whether role has at least the privileges of min.
// Ordering: member < leader < admin.
func RoleAtLeast(role, min UserRole) bool {
	rank := map[UserRole]int{UserRoleMember: 0, UserRoleLeader: 1, UserRoleAdmin: 2}
	r, ok := rank[role]
	if !ok {
		return false
	}
	m, ok := rank[min]
	if !ok {
		return false
	}
	return r >= m
}

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	ChurchId  string    `gorm:"index;size:64" json:"church_id"`
	Username  string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     *string   `gorm:"size:100;unique" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	Role      UserRole  `gorm:"type:enum('A', 'L', 'M');default:M" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	User:$username
*/

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey("User:" + user.Username)
}

// retrieve user from redis or db
func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		if err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return nil, err
		}
		if err := config.SetRedisObject("User:"+user.Username, &user, utils.GetCacheLifespan()); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

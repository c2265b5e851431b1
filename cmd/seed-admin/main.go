// seed-admin creates or updates the platform admin user (username: congregateAdmin).
// Admin users have role = 'A'; they can administer any church once signed in.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/gracesoft/congregate_backend/config"
	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"gorm.io/gorm"
)

const (
	adminUsername = "congregateAdmin"
	adminName     = "Congregate Admin"

	seedChurchName = "Congregate HQ"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPassword == "" {
		fmt.Fprintln(os.Stderr, "SEED_ADMIN_PASSWORD must be set.")
		os.Exit(1)
	}

	// The tenant guard requires a church id in context; admins bypass scoping.
	var church models.Church
	err := db.WithContext(ctx).Where("name = ?", seedChurchName).First(&church).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup church: %v\n", err)
			os.Exit(1)
		}
		church = models.Church{
			ID:       models.NewChurchId(),
			Name:     seedChurchName,
			Timezone: "UTC",
		}
		if err := db.WithContext(ctx).Create(&church).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create church: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created church %q (id=%s)\n", church.Name, church.ID)
	}

	ctx = utils.SetChurchIdInContext(ctx, church.ID)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUsernameInContext(ctx, adminUsername)
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	hashed, err := utils.HashPassword(adminPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("username = ?", adminUsername).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username: adminUsername,
			Name:     adminName,
			Password: hashedStr,
			IsActive: utils.NewTrue(),
			Role:     models.UserRoleAdmin,
			ChurchId: church.ID,
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created admin user %q (id=%d)\n", adminUsername, u.ID)
		return
	}

	updates := map[string]any{
		"password":  hashedStr,
		"role":      models.UserRoleAdmin,
		"is_active": true,
	}
	if err := db.WithContext(ctx).Model(&models.User{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	// Drop the cached copy so the next login sees the new password.
	_ = existing.RemoveInstanceRedis()
	fmt.Printf("updated admin user %q (id=%d)\n", adminUsername, existing.ID)
}

package models

import (
	"log"

	"bitbucket.org/gracesoft/congregate_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Church{}, &User{},
		&Service{}, &CheckInRecord{},
		&IdempotencyRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

// idempotency-sweep deletes idempotency records past their retention window.
// Run it on a schedule (Cloud Scheduler job or cron) instead of sweeping
// inline on the request path.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/idempotency-sweep
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/config"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"bitbucket.org/gracesoft/congregate_backend/workflow"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	// Idempotency records are not tenant rows; skip scoping for the sweep.
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	deleted, err := workflow.SweepExpired(ctx, db, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d expired idempotency records\n", deleted)
}

package config

import (
	"os"
	"strings"
)

// RealtimeFanoutDisabled turns off the post-batch counter broadcast. The
// check-in records themselves are unaffected; live dashboards fall back to
// polling the attendance endpoint.
//
// Set via env:
// - REALTIME_FANOUT_DISABLED=true
func RealtimeFanoutDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REALTIME_FANOUT_DISABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AllowMissingIdempotencyKey lets legacy clients hit the bulk endpoint without
// an Idempotency-Key header. Retries from such clients can double-submit, so
// this exists only as a migration escape hatch.
//
// Set via env:
// - ALLOW_MISSING_IDEMPOTENCY_KEY=true
func AllowMissingIdempotencyKey() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOW_MISSING_IDEMPOTENCY_KEY")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

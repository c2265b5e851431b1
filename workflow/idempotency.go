package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"github.com/bsm/redislock"
)

var (
	// ErrIdempotencyKeyReuse signals the same key arrived with a different
	// request body. That is a client bug, never retried silently.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with different request body")

	// ErrIdempotencyInProgress means another execution of the same key is
	// still running and did not finish within the wait window. Callers map
	// this to a retryable (TRANSIENT) response.
	ErrIdempotencyInProgress = errors.New("idempotency in progress")

	// ErrDuplicateKey is returned by KeyStore.Insert on a unique-constraint
	// collision.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// DefaultRetention is how long a key blocks re-execution. Short by design:
// offline clients that retry past this window are treated as new submissions.
const DefaultRetention = 6 * time.Hour

// inProgressStatus marks a claimed-but-unfinished record (ResponseStatus 0).
const inProgressStatus = 0

// staleClaimAge is how old an unfinished claim must be before another
// request may take it over (crashed handler recovery).
const staleClaimAge = 5 * time.Minute

// StoredResponse is what replays return to the HTTP layer verbatim.
type StoredResponse struct {
	Status int
	Body   []byte
}

// KeyStore is the durable record store behind the gate. The gorm
// implementation lives in keystore.go; tests use an in-memory fake.
type KeyStore interface {
	// Find returns the record for (userId, route, key), or nil.
	Find(ctx context.Context, userId int, route, key string) (*models.IdempotencyRecord, error)
	// Insert must fail with ErrDuplicateKey when the unique constraint fires.
	Insert(ctx context.Context, rec *models.IdempotencyRecord) error
	// Claim atomically re-initializes an expired or stale row for a new
	// execution. It must only succeed if the row still matches prevUpdatedAt
	// (optimistic guard against two claimants); otherwise ErrDuplicateKey.
	Claim(ctx context.Context, id int, rec *models.IdempotencyRecord, prevUpdatedAt time.Time) error
	// Finish stores the terminal response on a claimed row.
	Finish(ctx context.Context, id int, status int, body []byte) error
	// Delete removes a claimed row after a non-terminal handler error so a
	// retry can re-execute.
	Delete(ctx context.Context, id int) error
}

// Handler runs the guarded side effect and returns the terminal response to
// persist. A returned error means "nothing terminal happened": the claim is
// released and the caller sees a retryable failure.
type Handler func(ctx context.Context) (StoredResponse, error)

func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ExecuteIdempotent guarantees the handler's side effect runs at most once
// per (userId, route, key) within the retention window.
//
// The redislock is a latency optimization: it serializes concurrent retries
// of the same key so the loser waits for the winner's stored response instead
// of burning a failed insert. Correctness never depends on it; the unique
// constraint on the record row is the real guard. Redis is best-effort,
// the database is the backstop. A nil locker is fine.
func ExecuteIdempotent(ctx context.Context, store KeyStore, locker *redislock.Client,
	userId int, route, key string, requestBody []byte, retention time.Duration,
	handler Handler) (StoredResponse, bool, error) {

	if retention <= 0 {
		retention = DefaultRetention
	}
	hash := RequestHash(requestBody)

	if locker != nil {
		lockKey := fmt.Sprintf("idem:%d:%s:%s", userId, route, key)
		lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 100),
		})
		if err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		}
		// Lock not obtained: proceed anyway, the insert below still protects us.
	}

	now := time.Now().UTC()
	existing, err := store.Find(ctx, userId, route, key)
	if err != nil {
		return StoredResponse{}, false, err
	}

	var claimID int
	switch {
	case existing == nil:
		rec := &models.IdempotencyRecord{
			Key:            key,
			UserId:         userId,
			Route:          route,
			RequestHash:    hash,
			ResponseStatus: inProgressStatus,
			ExpiresAt:      now.Add(retention),
		}
		if err := store.Insert(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				// Lost the race; wait for the winner's response.
				return awaitWinner(ctx, store, userId, route, key, hash)
			}
			return StoredResponse{}, false, err
		}
		claimID = rec.ID

	case existing.Expired(now) || (existing.ResponseStatus == inProgressStatus && now.Sub(existing.UpdatedAt) > staleClaimAge):
		// Past retention, or a crashed execution left a stale claim: treat
		// the key as new and take the row over.
		rec := &models.IdempotencyRecord{
			RequestHash:    hash,
			ResponseStatus: inProgressStatus,
			ExpiresAt:      now.Add(retention),
		}
		if err := store.Claim(ctx, existing.ID, rec, existing.UpdatedAt); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return awaitWinner(ctx, store, userId, route, key, hash)
			}
			return StoredResponse{}, false, err
		}
		claimID = existing.ID

	case existing.RequestHash != hash:
		return StoredResponse{}, false, ErrIdempotencyKeyReuse

	case existing.ResponseStatus == inProgressStatus:
		return awaitWinner(ctx, store, userId, route, key, hash)

	default:
		// Pure replay.
		return StoredResponse{Status: existing.ResponseStatus, Body: existing.ResponseBody}, true, nil
	}

	resp, err := handler(ctx)
	if err != nil {
		// Non-terminal failure: release the claim so a retry re-executes.
		_ = store.Delete(ctx, claimID)
		return StoredResponse{}, false, err
	}
	if err := store.Finish(ctx, claimID, resp.Status, resp.Body); err != nil {
		return StoredResponse{}, false, err
	}
	return resp, false, nil
}

// awaitWinner polls for the concurrent winner's terminal record. Bounded:
// duplicates of an in-flight batch are retries, so answering TRANSIENT after
// a short wait is safe.
func awaitWinner(ctx context.Context, store KeyStore, userId int, route, key, hash string) (StoredResponse, bool, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, err := store.Find(ctx, userId, route, key)
		if err != nil {
			return StoredResponse{}, false, err
		}
		if rec != nil && rec.RequestHash != hash {
			return StoredResponse{}, false, ErrIdempotencyKeyReuse
		}
		if rec != nil && rec.ResponseStatus != inProgressStatus {
			return StoredResponse{Status: rec.ResponseStatus, Body: rec.ResponseBody}, true, nil
		}
		if time.Now().After(deadline) {
			return StoredResponse{}, false, ErrIdempotencyInProgress
		}
		select {
		case <-ctx.Done():
			return StoredResponse{}, false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

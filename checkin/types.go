package checkin

import (
	"fmt"
	"strconv"
	"time"
)

// ConflictPolicy governs what happens when a submission targets a
// (user, service) pair that already has an active check-in.
type ConflictPolicy string

const (
	PolicyLastWriteWins  ConflictPolicy = "last-write-wins"
	PolicyFailOnConflict ConflictPolicy = "fail-on-conflict"
)

func (p ConflictPolicy) Valid() bool {
	return p == PolicyLastWriteWins || p == PolicyFailOnConflict
}

// MaxBatchSize caps a single bulk submission.
const MaxBatchSize = 100

type ErrorCode string

const (
	ErrCodeTransient           ErrorCode = "TRANSIENT"
	ErrCodeValidation          ErrorCode = "VALIDATION"
	ErrCodeAuthorization       ErrorCode = "AUTHORIZATION"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeIdempotencyKeyReuse ErrorCode = "IDEMPOTENCY_KEY_REUSE"
)

// Retryable reports whether a client should keep the action queued and retry
// with backoff. Everything except TRANSIENT is a terminal verdict.
func (c ErrorCode) Retryable() bool {
	return c == ErrCodeTransient
}

// BatchError aborts a whole batch (pre-flight failures only).
type BatchError struct {
	Code    ErrorCode
	Message string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Caller is the authenticated identity a batch runs under.
type Caller struct {
	UserId   int
	ChurchId string
	Role     string
}

// BulkItem is one check-in intent inside a batch.
type BulkItem struct {
	ServiceId   int       `json:"serviceId" validate:"required,gt=0"`
	CheckInTime time.Time `json:"checkinTime" validate:"required"`
	// ClientId / OfflineId are interchangeable correlation tokens; either may
	// be absent. They are normalized into one token before resolution.
	ClientId  string `json:"clientId,omitempty"`
	OfflineId string `json:"offlineId,omitempty"`
	// UserId targets another member (leader checking in a family member).
	// Zero means the caller checks in themselves.
	UserId int `json:"userId,omitempty"`
}

// CorrelationId normalizes clientId/offlineId into the single token internal
// logic and per-item results use. Falls back to the item's position so every
// result is still mappable.
func (it BulkItem) CorrelationId(index int) string {
	if it.ClientId != "" {
		return it.ClientId
	}
	if it.OfflineId != "" {
		return it.OfflineId
	}
	return "item-" + strconv.Itoa(index)
}

type BulkRequest struct {
	Items              []BulkItem     `json:"items" validate:"required,min=1,max=100,dive"`
	ConflictResolution ConflictPolicy `json:"conflictResolution"`
	// IdempotencyKey mirrors the Idempotency-Key header for clients that
	// cannot set custom headers.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type ItemResult struct {
	Success      bool      `json:"success"`
	Id           string    `json:"id"`
	ServerId     int       `json:"serverId,omitempty"`
	Action       string    `json:"action,omitempty"`       // created | updated
	ConflictType string    `json:"conflictType,omitempty"` // duplicate
	Error        string    `json:"error,omitempty"`
	Code         ErrorCode `json:"code,omitempty"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Conflicts  int `json:"conflicts"`
}

type BatchResult struct {
	Results   []ItemResult `json:"results"`
	Summary   BatchSummary `json:"summary"`
	Timestamp time.Time    `json:"timestamp"`

	// TouchedServices lists distinct services mutated by this batch, for the
	// post-response counter fanout. Not part of the wire response.
	TouchedServices []int `json:"-"`
}

// ServiceAttendance is the derived, advisory counter pair for one service.
// Recomputed from CheckInRecord rows on demand; never the source of truth.
type ServiceAttendance struct {
	ServiceId       int   `json:"serviceId"`
	TotalCheckins   int64 `json:"totalCheckins"`
	UniqueAttendees int64 `json:"uniqueAttendees"`
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
)

// memKeyStore is an in-memory KeyStore with the same uniqueness and
// optimistic-claim semantics as the gorm implementation.
type memKeyStore struct {
	mu     sync.Mutex
	nextID int
	rows   map[string]*models.IdempotencyRecord
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{rows: make(map[string]*models.IdempotencyRecord)}
}

func recKey(userId int, route, key string) string {
	return fmt.Sprintf("%d|%s|%s", userId, route, key)
}

func (s *memKeyStore) Find(_ context.Context, userId int, route, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[recKey(userId, route, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memKeyStore) Insert(_ context.Context, rec *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recKey(rec.UserId, rec.Route, rec.Key)
	if _, exists := s.rows[k]; exists {
		return ErrDuplicateKey
	}
	s.nextID++
	rec.ID = s.nextID
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	s.rows[k] = &cp
	return nil
}

func (s *memKeyStore) Claim(_ context.Context, id int, rec *models.IdempotencyRecord, prevUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID != id {
			continue
		}
		if !row.UpdatedAt.Equal(prevUpdatedAt) {
			return ErrDuplicateKey
		}
		row.RequestHash = rec.RequestHash
		row.ResponseStatus = rec.ResponseStatus
		row.ResponseBody = nil
		row.ExpiresAt = rec.ExpiresAt
		row.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrDuplicateKey
}

func (s *memKeyStore) Finish(_ context.Context, id int, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			row.ResponseStatus = status
			row.ResponseBody = body
			row.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.New("finish: row not found")
}

func (s *memKeyStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, row := range s.rows {
		if row.ID == id {
			delete(s.rows, k)
			return nil
		}
	}
	return nil
}

func okHandler(calls *int32) Handler {
	return func(ctx context.Context) (StoredResponse, error) {
		atomic.AddInt32(calls, 1)
		return StoredResponse{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}
}

func TestExecuteIdempotentFirstExecutionRuns(t *testing.T) {
	store := newMemKeyStore()
	var calls int32

	resp, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed {
		t.Fatal("first execution reported as replayed")
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestExecuteIdempotentReplayReturnsStoredResponse(t *testing.T) {
	store := newMemKeyStore()
	var calls int32
	body := []byte(`{"a":1}`)

	first, _, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", body, time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", body, time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !replayed {
		t.Fatal("second execution not reported as replay")
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if second.Status != first.Status || string(second.Body) != string(first.Body) {
		t.Fatalf("replay differs from original: %+v vs %+v", second, first)
	}
}

func TestExecuteIdempotentKeyReuseDifferentBody(t *testing.T) {
	store := newMemKeyStore()
	var calls int32

	if _, _, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Hour, okHandler(&calls)); err != nil {
		t.Fatalf("first: %v", err)
	}

	_, _, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":2}`), time.Hour, okHandler(&calls))
	if !errors.Is(err, ErrIdempotencyKeyReuse) {
		t.Fatalf("err = %v, want ErrIdempotencyKeyReuse", err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestExecuteIdempotentConcurrentDuplicatesRunOnce(t *testing.T) {
	store := newMemKeyStore()
	var calls int32
	body := []byte(`{"a":1}`)

	slow := func(ctx context.Context) (StoredResponse, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return StoredResponse{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := ExecuteIdempotent(context.Background(), store, nil,
				7, "checkins.bulk", "key-1", body, time.Hour, slow)
			statuses[i] = resp.Status
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if statuses[i] != http.StatusOK {
			t.Fatalf("caller %d status = %d, want 200", i, statuses[i])
		}
	}
}

func TestExecuteIdempotentHandlerErrorReleasesClaim(t *testing.T) {
	store := newMemKeyStore()
	boom := errors.New("db gone")
	failing := func(ctx context.Context) (StoredResponse, error) {
		return StoredResponse{}, boom
	}

	_, _, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Hour, failing)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want handler error", err)
	}

	// The claim is gone, so a retry re-executes.
	var calls int32
	resp, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if replayed || calls != 1 {
		t.Fatalf("retry did not re-execute (replayed=%v calls=%d)", replayed, calls)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", resp.Status)
	}
}

func TestExecuteIdempotentExpiredKeyReclaimed(t *testing.T) {
	store := newMemKeyStore()
	var calls int32

	// Retention of a second, then manually age the row past it.
	if _, _, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Second, okHandler(&calls)); err != nil {
		t.Fatalf("first: %v", err)
	}
	store.mu.Lock()
	for _, row := range store.rows {
		row.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	}
	store.mu.Unlock()

	// Same key, different body: past retention this is a new submission, not
	// key reuse.
	resp, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":2}`), time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if replayed {
		t.Fatal("reclaimed key reported as replay")
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestExecuteIdempotentStaleClaimTakenOver(t *testing.T) {
	store := newMemKeyStore()

	// Simulate a crashed execution: in-progress row last touched long ago.
	rec := &models.IdempotencyRecord{
		Key:            "key-1",
		UserId:         7,
		Route:          "checkins.bulk",
		RequestHash:    RequestHash([]byte(`{"a":1}`)),
		ResponseStatus: 0,
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	store.mu.Lock()
	for _, row := range store.rows {
		row.UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	}
	store.mu.Unlock()

	var calls int32
	resp, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
		7, "checkins.bulk", "key-1", []byte(`{"a":1}`), time.Hour, okHandler(&calls))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if replayed || calls != 1 {
		t.Fatalf("stale claim not re-executed (replayed=%v calls=%d)", replayed, calls)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestExecuteIdempotentKeysScopedPerUserAndRoute(t *testing.T) {
	store := newMemKeyStore()
	var calls int32
	body := []byte(`{"a":1}`)

	for _, tc := range []struct {
		userId int
		route  string
	}{
		{7, "checkins.bulk"},
		{8, "checkins.bulk"},
		{7, "rsvps.bulk"},
	} {
		_, replayed, err := ExecuteIdempotent(context.Background(), store, nil,
			tc.userId, tc.route, "key-1", body, time.Hour, okHandler(&calls))
		if err != nil {
			t.Fatalf("user %d route %s: %v", tc.userId, tc.route, err)
		}
		if replayed {
			t.Fatalf("user %d route %s: unexpected replay", tc.userId, tc.route)
		}
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

package offline

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func testPayload() CheckInPayload {
	return CheckInPayload{
		ServiceId:   1,
		CheckInTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestQueueEnqueueSurvivesReopen(t *testing.T) {
	q, path := openTestQueue(t)

	id, err := q.Enqueue(ActionCheckIn, testPayload())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == 0 {
		t.Fatal("enqueue returned zero id")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen from the file: the action must still be there.
	q2, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	actions, err := q2.ListByType(ActionCheckIn, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != id {
		t.Fatalf("actions after reopen = %+v, want the enqueued one", actions)
	}
	decoded, err := DecodePayload(actions[0].Type, actions[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := decoded.(*CheckInPayload)
	if p.ServiceId != 1 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestQueueListByTypePreservesOrder(t *testing.T) {
	q, _ := openTestQueue(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		p := testPayload()
		p.ServiceId = i + 1
		id, err := q.Enqueue(ActionCheckIn, p)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	// A different type must not leak into the listing.
	if _, err := q.Enqueue(ActionRSVP, RSVPPayload{EventId: 5, Response: "yes"}); err != nil {
		t.Fatalf("enqueue rsvp: %v", err)
	}

	actions, err := q.ListByType(ActionCheckIn, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("len = %d, want 3", len(actions))
	}
	for i, a := range actions {
		if a.ID != ids[i] {
			t.Fatalf("order broken: got %v, want %v", actions, ids)
		}
	}
}

func TestQueueEnqueueRejectsUnknownType(t *testing.T) {
	q, _ := openTestQueue(t)
	if _, err := q.Enqueue(ActionType("BOGUS"), testPayload()); err == nil {
		t.Fatal("expected error for unknown action type")
	}
}

func TestQueueIncrementRetry(t *testing.T) {
	q, _ := openTestQueue(t)
	id, err := q.Enqueue(ActionCheckIn, testPayload())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.IncrementRetry(id, "503 from server"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := q.IncrementRetry(id, "timeout"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	actions, _ := q.ListByType(ActionCheckIn, 10)
	if actions[0].RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", actions[0].RetryCount)
	}
	if actions[0].LastError == nil || *actions[0].LastError != "timeout" {
		t.Fatalf("last error = %v, want latest message", actions[0].LastError)
	}
}

func TestQueueMarkFailedLeavesRotationButStaysVisible(t *testing.T) {
	q, _ := openTestQueue(t)
	id, err := q.Enqueue(ActionCheckIn, testPayload())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.MarkFailed(id, "validation rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	pending, _ := q.ListByType(ActionCheckIn, 10)
	if len(pending) != 0 {
		t.Fatalf("failed action still pending: %+v", pending)
	}
	if n, _ := q.Count(); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}

	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("failed list = %+v", failed)
	}
	if failed[0].LastError == nil || *failed[0].LastError != "validation rejected" {
		t.Fatalf("failed reason = %v", failed[0].LastError)
	}

	// Dismissal removes it for good.
	if err := q.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	failed, _ = q.ListFailed()
	if len(failed) != 0 {
		t.Fatalf("failed list after dismiss = %+v", failed)
	}
}

func TestQueueKvStateRoundTripAndDelete(t *testing.T) {
	q, path := openTestQueue(t)

	if _, ok, _ := q.GetState("nonce"); ok {
		t.Fatal("unexpected state before put")
	}
	if err := q.PutState("nonce", []byte("n-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Upsert overwrites.
	if err := q.PutState("nonce", []byte("n-2")); err != nil {
		t.Fatalf("put again: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q2, err := OpenQueue(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	v, ok, err := q2.GetState("nonce")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(v) != "n-2" {
		t.Fatalf("value = %q, want n-2", v)
	}

	if err := q2.DeleteState("nonce"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := q2.GetState("nonce"); ok {
		t.Fatal("state survived delete")
	}
}

func TestQueueListRejectsCorruptedTimestamp(t *testing.T) {
	q, _ := openTestQueue(t)

	if _, err := q.Enqueue(ActionCheckIn, testPayload()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// A row whose created_at is unparseable means local storage corruption;
	// listing must report it, not hand back a zeroed timestamp.
	if _, err := q.db.Exec(
		`INSERT INTO action_queue (type, payload, created_at) VALUES (?, ?, ?)`,
		string(ActionCheckIn), []byte(`{}`), "last tuesday",
	); err != nil {
		t.Fatalf("plant: %v", err)
	}

	_, err := q.ListByType(ActionCheckIn, 10)
	if err == nil {
		t.Fatal("list succeeded over a corrupted created_at")
	}
	if !strings.Contains(err.Error(), "corrupted created_at") {
		t.Fatalf("err = %v, want corrupted created_at mention", err)
	}
}

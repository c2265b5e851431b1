package offline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// QueuedAction is one durably persisted, not-yet-confirmed user intent.
type QueuedAction struct {
	ID         int64
	Type       ActionType
	Payload    json.RawMessage
	CreatedAt  time.Time
	RetryCount int
	LastError  *string
}

// Queue is the append-only, crash-safe store of pending actions plus a small
// key-value side-store for cached state (tokens, batch nonces). Backed by a
// local sqlite file in WAL mode with synchronous=FULL so Enqueue is durable
// before it returns. This component does no network I/O; only the dispatcher
// decides to drop anything, and only on an explicit terminal signal.
type Queue struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS action_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	failed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_action_queue_type ON action_queue(type) WHERE failed_at IS NULL;
CREATE TABLE IF NOT EXISTS kv_state (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// OpenQueue opens (creating if needed) the durable queue at path.
func OpenQueue(path string) (*Queue, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably appends an action and returns its monotonic local id. The
// caller may crash immediately after return without losing the action.
func (q *Queue) Enqueue(t ActionType, payload interface{}) (int64, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("unknown action type: %s", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	res, err := q.db.Exec(
		`INSERT INTO action_queue (type, payload, created_at) VALUES (?, ?, ?)`,
		string(t), raw, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListByType returns pending (not terminally failed) actions of one type in
// insertion order, up to limit.
func (q *Queue) ListByType(t ActionType, limit int) ([]QueuedAction, error) {
	rows, err := q.db.Query(
		`SELECT id, type, payload, created_at, retry_count, last_error
		 FROM action_queue WHERE type = ? AND failed_at IS NULL
		 ORDER BY id LIMIT ?`,
		string(t), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListFailed returns terminally failed actions, newest first. Backs the
// "needs attention" list in the client UI.
func (q *Queue) ListFailed() ([]QueuedAction, error) {
	rows, err := q.db.Query(
		`SELECT id, type, payload, created_at, retry_count, last_error
		 FROM action_queue WHERE failed_at IS NOT NULL
		 ORDER BY id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]QueuedAction, error) {
	var out []QueuedAction
	for rows.Next() {
		var a QueuedAction
		var typ, createdAt string
		var lastErr sql.NullString
		if err := rows.Scan(&a.ID, &typ, &a.Payload, &createdAt, &a.RetryCount, &lastErr); err != nil {
			return nil, err
		}
		a.Type = ActionType(typ)
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("action %d has corrupted created_at %q: %w", a.ID, createdAt, err)
		}
		a.CreatedAt = t
		if lastErr.Valid {
			a.LastError = &lastErr.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes an action. Called only on a server-confirmed success or a
// user dismissing a terminally failed action.
func (q *Queue) Remove(id int64) error {
	_, err := q.db.Exec(`DELETE FROM action_queue WHERE id = ?`, id)
	return err
}

// IncrementRetry bumps the retry counter and records the transient error.
// The action stays queued.
func (q *Queue) IncrementRetry(id int64, lastError string) error {
	_, err := q.db.Exec(
		`UPDATE action_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		lastError, id,
	)
	return err
}

// MarkFailed takes an action out of the retry rotation with a terminal
// reason. It stays readable via ListFailed until the user dismisses it; an
// action is never silently discarded.
func (q *Queue) MarkFailed(id int64, reason string) error {
	_, err := q.db.Exec(
		`UPDATE action_queue SET failed_at = ?, last_error = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), reason, id,
	)
	return err
}

// Count returns the number of pending actions across all types.
func (q *Queue) Count() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM action_queue WHERE failed_at IS NULL`).Scan(&n)
	return n, err
}

/* kv side-store */

func (q *Queue) PutState(key string, value []byte) error {
	_, err := q.db.Exec(
		`INSERT INTO kv_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

func (q *Queue) GetState(key string) ([]byte, bool, error) {
	var value []byte
	err := q.db.QueryRow(`SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (q *Queue) DeleteState(key string) error {
	_, err := q.db.Exec(`DELETE FROM kv_state WHERE key = ?`, key)
	return err
}

package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/amigochat/amigo/internal/chat"
)

const (
	keyMessages = "messages"
	keyUsers    = "users"
)

// NeverSaved is the age reported when no usable snapshot exists.
const NeverSaved = time.Duration(math.MaxInt64)

// Save serializes both collections under stable keys with a single
// wall-clock freshness stamp.
func (db *DB) Save(messages []chat.Message, users []chat.User) error {
	msgPayload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	userPayload, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("marshal users: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, row := range []struct {
		key     string
		payload []byte
	}{
		{keyMessages, msgPayload},
		{keyUsers, userPayload},
	} {
		if _, err := tx.Exec(`
			INSERT INTO snapshots (key, payload, saved_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				payload = excluded.payload,
				saved_at = excluded.saved_at`,
			row.key, string(row.payload), now); err != nil {
			return fmt.Errorf("upsert snapshot %q: %w", row.key, err)
		}
	}
	return tx.Commit()
}

// Load deserializes the persisted snapshot. A missing or corrupt snapshot is
// treated as absent: empty collections and a NeverSaved age, never an error.
// There is no schema versioning; an incompatible future shape simply fails
// to deserialize and falls through here.
func (db *DB) Load() ([]chat.Message, []chat.User, time.Duration) {
	msgPayload, savedAt, ok := db.loadRow(keyMessages)
	if !ok {
		return nil, nil, NeverSaved
	}
	userPayload, _, ok := db.loadRow(keyUsers)
	if !ok {
		return nil, nil, NeverSaved
	}

	var messages []chat.Message
	if err := json.Unmarshal([]byte(msgPayload), &messages); err != nil {
		return nil, nil, NeverSaved
	}
	var users []chat.User
	if err := json.Unmarshal([]byte(userPayload), &users); err != nil {
		return nil, nil, NeverSaved
	}

	age := time.Since(time.UnixMilli(savedAt))
	if age < 0 {
		age = 0
	}
	return messages, users, age
}

// IsFresh reports whether a snapshot exists and is younger than maxAge.
func (db *DB) IsFresh(maxAge time.Duration) bool {
	_, _, age := db.Load()
	return age <= maxAge
}

// Clear removes all persisted snapshot keys. Used on logout / session reset.
func (db *DB) Clear() error {
	_, err := db.Exec(`DELETE FROM snapshots`)
	return err
}

func (db *DB) loadRow(key string) (payload string, savedAt int64, ok bool) {
	err := db.QueryRow(`SELECT payload, saved_at FROM snapshots WHERE key = ?`, key).
		Scan(&payload, &savedAt)
	if err == sql.ErrNoRows {
		return "", 0, false
	}
	if err != nil {
		return "", 0, false
	}
	return payload, savedAt, true
}

// Package storage persists the accepted-friends ledger across runs. Chat
// messages are deliberately not stored; only friendships survive a restart.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Friend is one persisted friendship, keyed by the partner's user ID.
type Friend struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Bio         string `json:"bio"`
	AddedAt     string `json:"addedAt"`
}

// DB wraps the SQLite friends ledger.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the ledger at path, creating parent directories as
// needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS friends (
			user_id      TEXT PRIMARY KEY,
			username     TEXT DEFAULT '',
			display_name TEXT DEFAULT '',
			avatar_url   TEXT DEFAULT '',
			bio          TEXT DEFAULT '',
			added_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create friends table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Upsert inserts or refreshes a friendship. Re-accepting an existing friend
// just updates their profile fields.
func (d *DB) Upsert(f Friend) error {
	if f.UserID == "" {
		return fmt.Errorf("friend user id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO friends (user_id, username, display_name, avatar_url, bio)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			bio = excluded.bio
	`, f.UserID, f.Username, f.DisplayName, f.AvatarURL, f.Bio)
	if err != nil {
		return fmt.Errorf("upsert friend: %w", err)
	}
	return nil
}

// Remove deletes a friendship. Removing an unknown ID is not an error.
func (d *DB) Remove(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM friends WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("remove friend: %w", err)
	}
	return nil
}

// Get returns the friend with the given ID, with ok=false when absent.
func (d *DB) Get(userID string) (Friend, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var f Friend
	err := d.db.QueryRow(`
		SELECT user_id, username, display_name, avatar_url, bio, added_at
		FROM friends WHERE user_id = ?
	`, userID).Scan(&f.UserID, &f.Username, &f.DisplayName, &f.AvatarURL, &f.Bio, &f.AddedAt)
	if err == sql.ErrNoRows {
		return Friend{}, false, nil
	}
	if err != nil {
		return Friend{}, false, fmt.Errorf("get friend: %w", err)
	}
	return f, true, nil
}

// IsFriend reports whether the ID is in the ledger.
func (d *DB) IsFriend(userID string) (bool, error) {
	_, ok, err := d.Get(userID)
	return ok, err
}

// List returns all friends, most recently added first.
func (d *DB) List() ([]Friend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT user_id, username, display_name, avatar_url, bio, added_at
		FROM friends ORDER BY added_at DESC, user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var out []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.Username, &f.DisplayName, &f.AvatarURL, &f.Bio, &f.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

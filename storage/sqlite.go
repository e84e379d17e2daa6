package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"board-sync/notify"
)

// SQLitePreferences keeps preferences in a local sqlite file.
type SQLitePreferences struct {
	db     *sql.DB
	userID string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path, userID string) (*SQLitePreferences, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at_unixms INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLitePreferences{db: db, userID: userID}, nil
}

func (s *SQLitePreferences) LoadPreferences(ctx context.Context) (notify.Preferences, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM preferences WHERE user_id = ?`, s.userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preferences{}, ErrNotFound
	}
	if err != nil {
		return notify.Preferences{}, err
	}
	return decode(raw)
}

func (s *SQLitePreferences) SavePreferences(ctx context.Context, p notify.Preferences) error {
	raw, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO preferences (user_id, data, updated_at_unixms)
		VALUES (?, ?, CAST(strftime('%s','now') AS INTEGER) * 1000)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at_unixms = excluded.updated_at_unixms`,
		s.userID, raw)
	return err
}

func (s *SQLitePreferences) Close() error { return s.db.Close() }

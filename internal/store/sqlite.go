package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists session records in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the session database at
// path. ":memory:" is accepted for ephemeral use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key        TEXT PRIMARY KEY,
		record     BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(rec SessionRecord) error {
	rec.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (key, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET record=excluded.record, updated_at=excluded.updated_at`,
		Key(rec.HandshakeTopic), raw, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save %q: %w", rec.HandshakeTopic, err)
	}
	return nil
}

func (s *SQLiteStore) Load(topic string) (SessionRecord, bool) {
	var raw []byte
	err := s.db.QueryRow(`SELECT record FROM sessions WHERE key = ?`, Key(topic)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false
	}
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("session load failed, treating as absent")
		return SessionRecord{}, false
	}
	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("session record corrupt, treating as absent")
		return SessionRecord{}, false
	}
	return rec, true
}

func (s *SQLiteStore) Clear(topic string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, Key(topic)); err != nil {
		return fmt.Errorf("store: clear %q: %w", topic, err)
	}
	return nil
}

func (s *SQLiteStore) PruneStale(keepTopic string) error {
	_, err := s.db.Exec(
		`DELETE FROM sessions WHERE key LIKE ? AND key != ?`,
		KeyPrefix+":%", Key(keepTopic),
	)
	if err != nil {
		return fmt.Errorf("store: prune stale: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

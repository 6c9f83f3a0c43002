package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Message is one transcript line.
type Message struct {
	Role      string
	Body      string
	CreatedAt time.Time
}

// Store persists session transcripts and last-outbound stamps in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role        TEXT NOT NULL,
			body        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transcript table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_key, id)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_marks (
			session_key   TEXT PRIMARY KEY,
			last_outbound INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create marks table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one transcript line for the session.
func (s *Store) Append(sessionKey, role, body string) error {
	_, err := s.db.Exec(`
		INSERT INTO transcript (session_key, role, body, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionKey, role, body, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append transcript line: %w", err)
	}
	return nil
}

// History returns the most recent limit lines in chronological order.
func (s *Store) History(sessionKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT role, body, created_at FROM (
			SELECT id, role, body, created_at
			FROM transcript
			WHERE session_key = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var msg Message
		var createdAt int64
		if err := rows.Scan(&msg.Role, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript line: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		history = append(history, msg)
	}
	return history, rows.Err()
}

// Reset drops the session's transcript.
func (s *Store) Reset(sessionKey string) error {
	_, err := s.db.Exec(`DELETE FROM transcript WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	return nil
}

// TouchOutbound stamps the session's last-outbound time.
func (s *Store) TouchOutbound(sessionKey string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO outbound_marks (session_key, last_outbound)
		VALUES (?, ?)
	`, sessionKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to stamp last outbound: %w", err)
	}
	return nil
}

// LastOutbound reports the session's last-outbound stamp, if any.
func (s *Store) LastOutbound(sessionKey string) (time.Time, bool, error) {
	row := s.db.QueryRow(`
		SELECT last_outbound FROM outbound_marks WHERE session_key = ?
	`, sessionKey)

	var stamp int64
	err := row.Scan(&stamp)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last outbound: %w", err)
	}
	return time.Unix(stamp, 0), true, nil
}

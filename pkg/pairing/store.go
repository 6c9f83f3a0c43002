package pairing

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Request is one pending or approved pairing request, keyed by channel+sender.
type Request struct {
	Channel   string
	Sender    string
	Code      string
	Approved  bool
	CreatedAt time.Time
}

// Store persists pairing requests and the approved-sender list in SQLite.
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
		CREATE TABLE IF NOT EXISTS pairing_requests (
			channel    TEXT NOT NULL,
			sender     TEXT NOT NULL,
			code       TEXT NOT NULL,
			approved   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (channel, sender)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertRequest returns the pending code for channel+sender, creating one if
// the pair has never asked before. created is true only on first creation;
// callers use it to send the code exactly once.
func (s *Store) UpsertRequest(channel, sender string) (string, bool, error) {
	sender = normalizeSender(sender)

	row := s.db.QueryRow(`
		SELECT code FROM pairing_requests
		WHERE channel = ? AND sender = ?
	`, channel, sender)

	var code string
	err := row.Scan(&code)
	if err == nil {
		return code, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to query pairing request: %w", err)
	}

	code = newPairingCode()
	_, err = s.db.Exec(`
		INSERT INTO pairing_requests (channel, sender, code, approved, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, channel, sender, code, time.Now().Unix())
	if err != nil {
		return "", false, fmt.Errorf("failed to create pairing request: %w", err)
	}

	return code, true, nil
}

// Approve marks the request carrying the code as approved. An unknown code
// is an error.
func (s *Store) Approve(channel, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	result, err := s.db.Exec(`
		UPDATE pairing_requests
		SET approved = 1
		WHERE channel = ? AND code = ?
	`, channel, code)
	if err != nil {
		return fmt.Errorf("failed to approve pairing request: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no pairing request with code %s", code)
	}
	return nil
}

// Allowed lists the approved sender ids for the channel.
func (s *Store) Allowed(channel string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT sender FROM pairing_requests
		WHERE channel = ? AND approved = 1
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved senders: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("failed to scan sender: %w", err)
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
}

// ListPending returns the open requests for the channel, oldest first.
func (s *Store) ListPending(channel string) ([]Request, error) {
	rows, err := s.db.Query(`
		SELECT channel, sender, code, created_at
		FROM pairing_requests
		WHERE channel = ? AND approved = 0
		ORDER BY created_at
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		var req Request
		var createdAt int64
		if err := rows.Scan(&req.Channel, &req.Sender, &req.Code, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		req.CreatedAt = time.Unix(createdAt, 0)
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// BuildPairingReply renders the one-time message sent back to a sender whose
// request was just created.
func (s *Store) BuildPairingReply(code string) string {
	return fmt.Sprintf("Pairing required. Ask the bot owner to approve code %s to start chatting.", code)
}

func newPairingCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:8])
}

func normalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}

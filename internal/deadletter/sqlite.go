package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/dialplane/dialplane/pkg/models"
)

// SQLiteStore persists dead letters in a SQLite database. It is the durable
// production store: letters survive process restarts and are only removed by
// external retention policy, never by this code.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("deadletter: database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open database: %w", err)
	}
	// Serialized access keeps the drain transaction simple; throughput is
	// bounded by call volume, not letter writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			from_address TEXT NOT NULL,
			body TEXT NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			delivered_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_agent_status
			ON dead_letters(agent_id, status);
	`)
	if err != nil {
		return fmt.Errorf("deadletter: create schema: %w", err)
	}
	return nil
}

// Create appends a letter.
func (s *SQLiteStore) Create(ctx context.Context, letter *models.DeadLetter) error {
	if letter == nil {
		return errors.New("deadletter: letter is required")
	}
	if letter.AgentID == "" {
		return errors.New("deadletter: agent ID is required")
	}
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.Status == "" {
		letter.Status = models.StatusPending
	}
	if letter.Channel == "" {
		letter.Channel = models.ChannelVoice
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, agent_id, channel, from_address, body, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		letter.ID, letter.AgentID, string(letter.Channel), letter.FromAddress,
		letter.Body, string(letter.Reason), string(letter.Status), letter.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert: %w", err)
	}
	return nil
}

// DrainPending selects the agent's pending letters and marks them delivered
// in one transaction, so a letter is never returned by two drains. This is
// the acknowledgment: there is no separate ack step and no redelivery.
func (s *SQLiteStore) DrainPending(ctx context.Context, agentID string) ([]*models.DeadLetter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("deadletter: begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, agent_id, channel, from_address, body, reason, status, created_at
		FROM dead_letters
		WHERE agent_id = ? AND status = 'pending'
		ORDER BY created_at, id`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter: query pending: %w", err)
	}

	var letters []*models.DeadLetter
	for rows.Next() {
		var letter models.DeadLetter
		var channel, reason, status string
		if err := rows.Scan(&letter.ID, &letter.AgentID, &channel, &letter.FromAddress,
			&letter.Body, &reason, &status, &letter.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		letter.Channel = models.Channel(channel)
		letter.Reason = models.DeadLetterReason(reason)
		letter.Status = models.DeadLetterStatus(status)
		letters = append(letters, &letter)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: iterate: %w", err)
	}
	if len(letters) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE dead_letters
		SET status = 'delivered', delivered_at = ?
		WHERE agent_id = ? AND status = 'pending'`,
		now, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter: mark delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("deadletter: commit drain: %w", err)
	}

	for _, letter := range letters {
		letter.Status = models.StatusDelivered
		delivered := now
		letter.DeliveredAt = &delivered
	}
	return letters, nil
}

// PendingCount reports undelivered letters for the agent.
func (s *SQLiteStore) PendingCount(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE agent_id = ? AND status = 'pending'`,
		agentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("deadletter: count pending: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Package deadletter durably stores caller messages that could not reach a
// live agent, and dispatches them when the agent reconnects.
package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialplane/dialplane/pkg/models"
)

// Store persists dead letters. Create is append-only; DrainPending is the
// only read path and atomically marks the returned letters delivered
// (fetch = acknowledge, at-most-once delivery).
type Store interface {
	Create(ctx context.Context, letter *models.DeadLetter) error
	DrainPending(ctx context.Context, agentID string) ([]*models.DeadLetter, error)
	// PendingCount reports undelivered letters per agent, for inspection.
	PendingCount(ctx context.Context, agentID string) (int, error)
	Close() error
}

// MemoryStore keeps dead letters in memory. Durability is forfeited; suitable
// for tests and local runs only.
type MemoryStore struct {
	mu      sync.Mutex
	letters []*models.DeadLetter
	nowFunc func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nowFunc: time.Now}
}

// Create appends a letter, filling ID, status, and timestamp if unset.
func (s *MemoryStore) Create(ctx context.Context, letter *models.DeadLetter) error {
	if letter == nil {
		return errors.New("deadletter: letter is required")
	}
	if letter.AgentID == "" {
		return errors.New("deadletter: agent ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *letter
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Status == "" {
		clone.Status = models.StatusPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = s.nowFunc()
	}
	letter.ID = clone.ID
	letter.Status = clone.Status
	letter.CreatedAt = clone.CreatedAt
	s.letters = append(s.letters, &clone)
	return nil
}

// DrainPending returns the agent's pending letters in creation order and
// marks them delivered in the same critical section: a second drain
// immediately after the first returns an empty list.
func (s *MemoryStore) DrainPending(ctx context.Context, agentID string) ([]*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var drained []*models.DeadLetter
	for _, letter := range s.letters {
		if letter.AgentID != agentID || letter.Status != models.StatusPending {
			continue
		}
		letter.Status = models.StatusDelivered
		delivered := now
		letter.DeliveredAt = &delivered
		copy := *letter
		drained = append(drained, &copy)
	}
	return drained, nil
}

// PendingCount reports undelivered letters for the agent.
func (s *MemoryStore) PendingCount(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, letter := range s.letters {
		if letter.AgentID == agentID && letter.Status == models.StatusPending {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

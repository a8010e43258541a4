// Package sessions holds the ephemeral per-call configuration and state,
// keyed by call ID. Sessions are never persisted: if the process restarts
// the underlying calls terminate too.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dialplane/dialplane/pkg/models"
)

// ErrNotFound is returned when no session exists for a key.
var ErrNotFound = errors.New("sessions: not found")

// ErrDuplicate is returned when a session already exists for a call ID.
var ErrDuplicate = errors.New("sessions: call already registered")

// Store is a concurrency-safe map of callId -> CallSession, with a secondary
// sessionToken index used only until an outbound call connects. Writes happen
// once per call; reads happen many times. Contention is scoped to single
// keys, never across calls.
type Store struct {
	mu      sync.RWMutex
	byCall  map[string]*models.CallSession
	byToken map[string]string // sessionToken -> callID

	nowFunc func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		byCall:  make(map[string]*models.CallSession),
		byToken: make(map[string]string),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// Put registers a new session. The call ID must be unused; the session token,
// if set, must be unused too.
func (s *Store) Put(session *models.CallSession) error {
	if session == nil || session.CallID == "" {
		return errors.New("sessions: session with call ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCall[session.CallID]; exists {
		return ErrDuplicate
	}
	now := s.nowFunc()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.Touch(now)
	s.byCall[session.CallID] = session
	if session.SessionToken != "" {
		s.byToken[session.SessionToken] = session.CallID
	}
	return nil
}

// GetByCall looks up a session by provider call ID and marks it active.
func (s *Store) GetByCall(callID string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byCall[callID]
	if !ok {
		return nil, ErrNotFound
	}
	session.Touch(s.nowFunc())
	return session, nil
}

// GetByToken looks up an outbound session by its webhook token.
func (s *Store) GetByToken(token string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	callID, ok := s.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	session, ok := s.byCall[callID]
	if !ok {
		return nil, ErrNotFound
	}
	session.Touch(s.nowFunc())
	return session, nil
}

// Rebind re-keys a session when the provider assigns the real call ID after
// an outbound call connects. The token index entry is dropped: it is only
// needed until the call connects.
func (s *Store) Rebind(oldCallID, newCallID string) error {
	if newCallID == "" {
		return errors.New("sessions: new call ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byCall[oldCallID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.byCall[newCallID]; exists && oldCallID != newCallID {
		return ErrDuplicate
	}
	delete(s.byCall, oldCallID)
	if session.SessionToken != "" {
		delete(s.byToken, session.SessionToken)
		session.SessionToken = ""
	}
	session.CallID = newCallID
	s.byCall[newCallID] = session
	return nil
}

// Touch records activity for idle-eviction purposes.
func (s *Store) Touch(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.byCall[callID]; ok {
		session.Touch(s.nowFunc())
	}
}

// Remove deletes a session once the relay handler reports the call closed.
func (s *Store) Remove(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.byCall[callID]; ok {
		if session.SessionToken != "" {
			delete(s.byToken, session.SessionToken)
		}
		delete(s.byCall, callID)
	}
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCall)
}

// SweepIdle evicts sessions with no activity for at least ceiling, bounding
// memory when the provider never sends a close event. Returns the evicted
// call IDs.
func (s *Store) SweepIdle(ceiling time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var evicted []string
	for callID, session := range s.byCall {
		if now.Sub(session.LastActivityAt) < ceiling {
			continue
		}
		if session.SessionToken != "" {
			delete(s.byToken, session.SessionToken)
		}
		delete(s.byCall, callID)
		evicted = append(evicted, callID)
	}
	return evicted
}

// RunSweeper evicts idle sessions every interval until ctx is done. onEvict,
// if non-nil, is called with each batch of evicted call IDs.
func (s *Store) RunSweeper(ctx context.Context, interval, ceiling time.Duration, onEvict func([]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.SweepIdle(ceiling); len(evicted) > 0 && onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}

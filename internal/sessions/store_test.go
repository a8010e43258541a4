package sessions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dialplane/dialplane/pkg/models"
)

func newSession(callID, token string) *models.CallSession {
	return &models.CallSession{
		CallID:       callID,
		AgentID:      "agent-1",
		Direction:    models.DirectionInbound,
		From:         "+15550001111",
		To:           "+15552223333",
		SessionToken: token,
		State:        models.CallStateCreated,
	}
}

func TestPutAndGet(t *testing.T) {
	store := NewStore()
	if err := store.Put(newSession("CA1", "tok-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetByCall("CA1")
	if err != nil {
		t.Fatalf("get by call: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("agent id = %q", got.AgentID)
	}

	got, err = store.GetByToken("tok-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.CallID != "CA1" {
		t.Errorf("call id via token = %q", got.CallID)
	}
}

func TestPutDuplicate(t *testing.T) {
	store := NewStore()
	if err := store.Put(newSession("CA1", "")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(newSession("CA1", "")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	store := NewStore()
	if _, err := store.GetByCall("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetByToken("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRebindDropsTokenIndex(t *testing.T) {
	store := NewStore()
	if err := store.Put(newSession("pending-1", "tok-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Rebind("pending-1", "CA9"); err != nil {
		t.Fatalf("rebind: %v", err)
	}

	if _, err := store.GetByCall("CA9"); err != nil {
		t.Fatalf("get rebound: %v", err)
	}
	if _, err := store.GetByCall("pending-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old call ID should be gone")
	}
	if _, err := store.GetByToken("tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("token index should be dropped after rebind")
	}
}

func TestRemoveClearsBothIndexes(t *testing.T) {
	store := NewStore()
	if err := store.Put(newSession("CA1", "tok-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Remove("CA1")
	if store.Len() != 0 {
		t.Errorf("len = %d after remove", store.Len())
	}
	if _, err := store.GetByToken("tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("token index should be cleared on remove")
	}
}

func TestSweepIdle(t *testing.T) {
	store := NewStore()
	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	if err := store.Put(newSession("CA-old", "")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Advance the clock past the ceiling and add a fresh session.
	now = now.Add(20 * time.Minute)
	if err := store.Put(newSession("CA-new", "")); err != nil {
		t.Fatalf("put: %v", err)
	}

	evicted := store.SweepIdle(15 * time.Minute)
	if len(evicted) != 1 || evicted[0] != "CA-old" {
		t.Fatalf("evicted = %v, want [CA-old]", evicted)
	}
	if _, err := store.GetByCall("CA-new"); err != nil {
		t.Fatalf("fresh session evicted: %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			callID := "CA" + string(rune('A'+n%26)) + string(rune('0'+n%10))
			_ = store.Put(newSession(callID, ""))
			_, _ = store.GetByCall(callID)
			store.Touch(callID)
			if n%2 == 0 {
				store.Remove(callID)
			}
		}(i)
	}
	wg.Wait()
}

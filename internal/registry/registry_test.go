package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport implements Transport with scripted behavior.
type fakeTransport struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	closed   bool
	notified []string
}

func (f *fakeTransport) Sample(ctx context.Context, req *SampleRequest) (*SampleReply, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &SampleReply{Text: f.reply}, nil
}

func (f *fakeTransport) Notify(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, event)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegisterAndIsConnected(t *testing.T) {
	r := New()
	if r.IsConnected("agent-1") {
		t.Fatal("empty registry reports connection")
	}
	r.Register("agent-1", &fakeTransport{})
	if !r.IsConnected("agent-1") {
		t.Fatal("agent should be connected after register")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestRegisterSupersedes(t *testing.T) {
	r := New()
	first := &fakeTransport{}
	second := &fakeTransport{}
	r.Register("agent-1", first)
	r.Register("agent-1", second)

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatal("superseded transport should be closed")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}

	// The superseded connection closing late must not evict the new one.
	r.Unregister("agent-1", first)
	if !r.IsConnected("agent-1") {
		t.Fatal("stale unregister evicted the current connection")
	}
	r.Unregister("agent-1", second)
	if r.IsConnected("agent-1") {
		t.Fatal("agent still connected after unregister")
	}
}

func TestSampleNotConnected(t *testing.T) {
	r := New()
	_, err := r.Sample(context.Background(), "ghost", &SampleRequest{}, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSampleSuccess(t *testing.T) {
	r := New()
	r.Register("agent-1", &fakeTransport{reply: "hello caller"})
	reply, err := r.Sample(context.Background(), "agent-1", &SampleRequest{CallID: "CA1"}, time.Second)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if reply.Text != "hello caller" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestSampleTimeout(t *testing.T) {
	r := New()
	r.Register("agent-1", &fakeTransport{reply: "late", delay: 500 * time.Millisecond})
	_, err := r.Sample(context.Background(), "agent-1", &SampleRequest{}, 20*time.Millisecond)
	if !errors.Is(err, ErrSampleTimeout) {
		t.Fatalf("expected ErrSampleTimeout, got %v", err)
	}
}

func TestSampleCancellation(t *testing.T) {
	r := New()
	r.Register("agent-1", &fakeTransport{reply: "late", delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Sample(ctx, "agent-1", &SampleRequest{}, 10*time.Second)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled sample did not unblock promptly")
	}
}

func TestSampleTransportError(t *testing.T) {
	r := New()
	r.Register("agent-1", &fakeTransport{err: errors.New("socket reset")})
	_, err := r.Sample(context.Background(), "agent-1", &SampleRequest{}, time.Second)
	if err == nil || errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestConnectHookFires(t *testing.T) {
	r := New()
	fired := make(chan string, 2)
	r.OnConnect(func(agentID string) { fired <- agentID })

	r.Register("agent-1", &fakeTransport{})
	select {
	case id := <-fired:
		if id != "agent-1" {
			t.Errorf("hook agent = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("connect hook never fired")
	}

	// Reconnect fires again.
	r.Register("agent-1", &fakeTransport{})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook never fired")
	}
}

func TestNotify(t *testing.T) {
	r := New()
	transport := &fakeTransport{}
	r.Register("agent-1", transport)
	if err := r.Notify(context.Background(), "agent-1", "dead_letter", map[string]string{"body": "x"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.notified) != 1 || transport.notified[0] != "dead_letter" {
		t.Errorf("notified = %v", transport.notified)
	}
	if err := r.Notify(context.Background(), "ghost", "dead_letter", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

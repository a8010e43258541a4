// Package registry tracks which agents currently have a live, addressable
// transport and exposes the bounded request/response sampling call the relay
// uses to ask an agent for its next reply.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sampling errors. A relay turn treats timeout and transport failure
// identically: fall through to the next answering path.
var (
	ErrNotConnected  = errors.New("registry: agent not connected")
	ErrSampleTimeout = errors.New("registry: sampling timed out")
)

// SampleRequest asks a connected agent to produce the next reply.
type SampleRequest struct {
	CallID       string `json:"callId"`
	Instructions string `json:"instructions"`
	Transcript   string `json:"transcriptSoFar"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

// SampleReply is the agent's answer.
type SampleReply struct {
	Text string `json:"text"`
}

// Transport is one live connection to an agent. Implementations must be safe
// for concurrent use; Sample must honor ctx cancellation.
type Transport interface {
	Sample(ctx context.Context, req *SampleRequest) (*SampleReply, error)
	Notify(ctx context.Context, event string, payload any) error
	Close() error
}

type connection struct {
	agentID     string
	transport   Transport
	connectedAt time.Time
}

// ConnectHook fires after an agent (re)connects. Used by the dead-letter
// dispatcher.
type ConnectHook func(agentID string)

// Registry is the concurrency-safe set of live agent connections. One
// connection per agent: a new connection for the same agent supersedes and
// closes the previous one. Disconnection removes the entry immediately with
// no grace period.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	hooks []ConnectHook

	onCountChange func(int)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
	}
}

// OnConnect registers a hook fired (on its own goroutine) whenever an agent
// connects. Must be called before connections start arriving.
func (r *Registry) OnConnect(hook ConnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// OnCountChange registers a callback receiving the connection count after
// every change, for gauge updates.
func (r *Registry) OnCountChange(fn func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCountChange = fn
}

// Register attaches a transport for an agent. Any previous connection for the
// same agent is closed and superseded.
func (r *Registry) Register(agentID string, transport Transport) {
	r.mu.Lock()
	prev := r.conns[agentID]
	r.conns[agentID] = &connection{
		agentID:     agentID,
		transport:   transport,
		connectedAt: time.Now(),
	}
	hooks := make([]ConnectHook, len(r.hooks))
	copy(hooks, r.hooks)
	count := len(r.conns)
	onCount := r.onCountChange
	r.mu.Unlock()

	if prev != nil {
		_ = prev.transport.Close()
	}
	if onCount != nil {
		onCount(count)
	}
	for _, hook := range hooks {
		go hook(agentID)
	}
}

// Unregister removes the agent's connection, but only if transport is still
// the current one: a superseded connection closing late must not evict its
// replacement.
func (r *Registry) Unregister(agentID string, transport Transport) {
	r.mu.Lock()
	current, ok := r.conns[agentID]
	if !ok || current.transport != transport {
		r.mu.Unlock()
		return
	}
	delete(r.conns, agentID)
	count := len(r.conns)
	onCount := r.onCountChange
	r.mu.Unlock()

	if onCount != nil {
		onCount(count)
	}
}

// IsConnected reports whether the agent has a live transport.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// ConnectedAt returns when the agent's current connection attached.
func (r *Registry) ConnectedAt(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	if !ok {
		return time.Time{}, false
	}
	return conn.connectedAt, true
}

// Count reports the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sample issues a bounded sampling request to the agent. The timeout is a
// wall-clock bound; cancellation of ctx (a caller interrupt) unblocks the
// call immediately and any late reply is dropped by the transport. There is
// no retry: a failed or timed-out sample falls through to the next answering
// path at the call site.
func (r *Registry) Sample(ctx context.Context, agentID string, req *SampleRequest, timeout time.Duration) (*SampleReply, error) {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}

	sampleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.TimeoutMs = timeout.Milliseconds()
	reply, err := conn.transport.Sample(sampleCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSampleTimeout
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("registry: sampling transport: %w", err)
	}
	return reply, nil
}

// Notify sends an out-of-band event to the agent, outside any sampling
// exchange. Used for dead-letter delivery.
func (r *Registry) Notify(ctx context.Context, agentID string, event string, payload any) error {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return conn.transport.Notify(ctx, event, payload)
}

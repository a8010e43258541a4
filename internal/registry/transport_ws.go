package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 1 << 20
)

// agentFrame is one JSON message on the agent socket. Requests flow platform
// to agent (method "sample"), responses flow back correlated by ID, and
// events (dead-letter notifications) flow platform to agent with no reply
// expected.
type agentFrame struct {
	Type    string          `json:"type"` // req | res | event
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSTransport adapts one agent WebSocket connection to the Transport
// interface. The owning handler drives ReadFrame from its read loop and
// routes response frames back via HandleResponse; sampling calls block on a
// correlated channel until a response arrives, the context is cancelled, or
// the connection closes. A response arriving after cancellation finds no
// pending entry and is dropped.
type WSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *agentFrame
	closed  bool
	done    chan struct{}
}

// NewWSTransport wraps an upgraded agent connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(wsMaxPayloadBytes)
	return &WSTransport{
		conn:    conn,
		pending: make(map[string]chan *agentFrame),
		done:    make(chan struct{}),
	}
}

// ReadFrame reads the next frame from the socket. The owning read loop calls
// this until it returns an error, then closes the transport.
func (t *WSTransport) ReadFrame() (*agentFrame, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame agentFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("registry: malformed frame: %w", err)
		}
		return &frame, nil
	}
}

// ReadLoop pumps the socket until it closes, routing response frames to
// their waiting sampling calls. It owns all reads on this connection; callers
// run it on a dedicated goroutine and unregister the transport when it
// returns.
func (t *WSTransport) ReadLoop() error {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			t.Close()
			return err
		}
		if frame.Type == "res" {
			t.HandleResponse(frame)
		}
	}
}

// HandleResponse routes a response frame to the sampling call waiting on its
// ID. Responses with no waiter are dropped: the sample was cancelled or timed
// out and its result must not be applied.
func (t *WSTransport) HandleResponse(frame *agentFrame) {
	t.mu.Lock()
	ch, ok := t.pending[frame.ID]
	if ok {
		delete(t.pending, frame.ID)
	}
	t.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// Sample sends a sampling request and waits for the correlated response.
func (t *WSTransport) Sample(ctx context.Context, req *SampleRequest) (*SampleReply, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	frame := &agentFrame{Type: "req", ID: id, Method: "sample", Params: params}

	ch := make(chan *agentFrame, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("registry: transport closed")
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeFrame(frame); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, errors.New("registry: transport closed")
	case resp := <-ch:
		if resp.OK != nil && !*resp.OK {
			return nil, fmt.Errorf("registry: agent error: %s", resp.Error)
		}
		var reply SampleReply
		if err := json.Unmarshal(resp.Payload, &reply); err != nil {
			return nil, fmt.Errorf("registry: malformed reply: %w", err)
		}
		return &reply, nil
	}
}

// Notify sends a fire-and-forget event frame.
func (t *WSTransport) Notify(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.writeFrame(&agentFrame{Type: "event", Event: event, Payload: data})
}

// Close shuts the socket and unblocks all in-flight samples.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.pending = make(map[string]chan *agentFrame)
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *WSTransport) writeFrame(frame *agentFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dialplane/dialplane/internal/config"
	"github.com/dialplane/dialplane/internal/deadletter"
	"github.com/dialplane/dialplane/internal/fallback"
	"github.com/dialplane/dialplane/internal/guardrail"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/registry"
	"github.com/dialplane/dialplane/internal/sessions"
	"github.com/dialplane/dialplane/pkg/models"
)

type relayFixture struct {
	handler  *Handler
	store    *sessions.Store
	letters  *deadletter.MemoryStore
	registry *registry.Registry
	server   *httptest.Server
}

func newRelayFixture(t *testing.T, engine *fallback.Engine) *relayFixture {
	t.Helper()

	store := sessions.NewStore()
	letters := deadletter.NewMemoryStore()
	reg := registry.New()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := config.RelayConfig{
		SamplingTimeout:    300 * time.Millisecond,
		StaticReply:        "Nobody is available right now.",
		MaxTranscriptTurns: 100,
	}
	handler := NewHandler(store, letters, reg, engine, guardrail.New(), nil, cfg, logger, metrics, nil)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &relayFixture{handler: handler, store: store, letters: letters, registry: reg, server: server}
}

func (f *relayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *relayFixture) putSession(t *testing.T, callID string) *models.CallSession {
	t.Helper()
	session := &models.CallSession{
		CallID:       callID,
		AgentID:      "agent-1",
		Direction:    models.DirectionInbound,
		From:         "+15550001111",
		To:           "+15550002222",
		Instructions: "You answer calls for Acme.",
		State:        models.CallStateConnecting,
	}
	if err := f.store.Put(session); err != nil {
		t.Fatalf("put session: %v", err)
	}
	return session
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readText(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != FrameText {
		t.Fatalf("expected text frame, got %q", frame.Type)
	}
	if !frame.Last {
		t.Fatal("text frame missing last flag")
	}
	return frame
}

func TestStaticPathWhenNothingAvailable(t *testing.T) {
	f := newRelayFixture(t, nil)
	f.putSession(t, "CA200")

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA200", "from": "+15550001111", "to": "+15550002222"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "Hello, is anyone there?"})

	frame := readText(t, conn)
	if frame.Token != "Nobody is available right now." {
		t.Fatalf("unexpected static reply: %q", frame.Token)
	}

	// The static path takes no messages, so closing creates no dead letter.
	conn.Close()
	waitFor(t, func() bool { return f.store.Len() == 0 })
	if n, _ := f.letters.PendingCount(context.Background(), "agent-1"); n != 0 {
		t.Fatalf("expected no dead letters, got %d", n)
	}
}

func TestAgentPathAnswers(t *testing.T) {
	f := newRelayFixture(t, nil)
	session := f.putSession(t, "CA201")
	f.registry.Register("agent-1", &stubTransport{reply: "Thanks for calling Acme, how can I help?"})

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA201"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "Hi there"})

	frame := readText(t, conn)
	if frame.Token != "Thanks for calling Acme, how can I help?" {
		t.Fatalf("unexpected agent reply: %q", frame.Token)
	}

	waitFor(t, func() bool { return len(session.Transcript) == 2 })
	if session.Transcript[0].Role != models.TurnCaller || session.Transcript[1].Role != models.TurnPlatform {
		t.Fatalf("unexpected transcript roles: %+v", session.Transcript)
	}
}

func TestFallbackPathCreatesDeadLetterOnClose(t *testing.T) {
	engine := fallback.New(&scriptedGenerator{reply: "I'll pass that along."}, guardrail.New(), "")
	f := newRelayFixture(t, engine)
	f.putSession(t, "CA202")

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA202"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "Tell them the shipment is delayed"})
	readText(t, conn)
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "It arrives Tuesday instead"})
	readText(t, conn)

	conn.Close()

	waitFor(t, func() bool {
		n, _ := f.letters.PendingCount(context.Background(), "agent-1")
		return n == 1
	})
	letters, err := f.letters.DrainPending(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	letter := letters[0]
	if letter.Reason != models.ReasonAgentOffline {
		t.Fatalf("unexpected reason: %s", letter.Reason)
	}
	if letter.FromAddress != "+15550001111" {
		t.Fatalf("unexpected from: %s", letter.FromAddress)
	}
	if !strings.Contains(letter.Body, "shipment is delayed") || !strings.Contains(letter.Body, "Tuesday") {
		t.Fatalf("dead letter missing caller messages: %q", letter.Body)
	}
}

func TestInterruptSuppressesReply(t *testing.T) {
	// The generator blocks until cancelled, so the first prompt's answer can
	// only arrive if the interrupt failed to stop it.
	engine := fallback.New(&blockingGenerator{}, guardrail.New(), "")
	f := newRelayFixture(t, engine)
	f.putSession(t, "CA203")

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA203"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "wait, actually"})
	sendFrame(t, conn, map[string]any{"type": "interrupt"})

	// Back in READY: a connected agent answers the next prompt.
	f.registry.Register("agent-1", &stubTransport{reply: "Go ahead."})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "okay, here's my question"})

	frame := readText(t, conn)
	if frame.Token != "Go ahead." {
		t.Fatalf("expected only the second prompt's reply, got %q", frame.Token)
	}
}

func TestPromptWhileAwaitingIsDropped(t *testing.T) {
	engine := fallback.New(&blockingGenerator{}, guardrail.New(), "")
	f := newRelayFixture(t, engine)
	f.putSession(t, "CA204")

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA204"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "first"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "second"})
	sendFrame(t, conn, map[string]any{"type": "interrupt"})

	f.registry.Register("agent-1", &stubTransport{reply: "Caught up."})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "third"})

	frame := readText(t, conn)
	if frame.Token != "Caught up." {
		t.Fatalf("dropped prompt produced a reply: %q", frame.Token)
	}
}

func TestDTMFRecordedWithoutStateChange(t *testing.T) {
	f := newRelayFixture(t, nil)
	session := f.putSession(t, "CA205")
	f.registry.Register("agent-1", &stubTransport{reply: "Got it."})

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA205"})
	sendFrame(t, conn, map[string]any{"type": "dtmf", "digits": "1234#"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "did you get that?"})

	readText(t, conn)
	waitFor(t, func() bool { return len(session.Transcript) >= 3 })
	if session.Transcript[0].Role != models.TurnDTMF || session.Transcript[0].Content != "1234#" {
		t.Fatalf("dtmf not recorded first: %+v", session.Transcript[0])
	}
}

func TestSetupUnknownCallCloses(t *testing.T) {
	f := newRelayFixture(t, nil)

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA-missing"})

	// A polite goodbye arrives, then the socket closes.
	readText(t, conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected socket to close after unknown call setup")
	}
}

func TestInvalidFrameDoesNotKillCall(t *testing.T) {
	f := newRelayFixture(t, nil)
	f.putSession(t, "CA206")
	f.registry.Register("agent-1", &stubTransport{reply: "Still here."})

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA206"})
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "still there?"})

	frame := readText(t, conn)
	if frame.Token != "Still here." {
		t.Fatalf("unexpected reply: %q", frame.Token)
	}
}

func TestTranslationBridge(t *testing.T) {
	f := newRelayFixture(t, nil)
	f.handler.translator = markingTranslator{}
	session := f.putSession(t, "CA207")
	session.Language = "en-US"
	session.CallerLanguage = "es-MX"
	f.registry.Register("agent-1", &stubTransport{reply: "Sure, I can help."})

	conn := f.dial(t)
	sendFrame(t, conn, map[string]any{"type": "setup", "callId": "CA207"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "text": "hola"})

	frame := readText(t, conn)
	if frame.Token != "(es-MX) Sure, I can help." {
		t.Fatalf("reply not translated for caller: %q", frame.Token)
	}
	waitFor(t, func() bool { return len(session.Transcript) == 2 })
	if session.Transcript[0].Content != "(en-US) hola" {
		t.Fatalf("caller turn not translated for agent: %q", session.Transcript[0].Content)
	}
	// The transcript keeps the agent-language reply, not the spoken one.
	if session.Transcript[1].Content != "Sure, I can help." {
		t.Fatalf("unexpected platform turn: %q", session.Transcript[1].Content)
	}
}

type markingTranslator struct{}

func (markingTranslator) Translate(ctx context.Context, text, fromLang, toLang string) (string, error) {
	return "(" + toLang + ") " + text, nil
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, instructions, conversation string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingGenerator) Name() string { return "blocking" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

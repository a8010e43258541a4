package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dialplane/dialplane/internal/config"
	"github.com/dialplane/dialplane/internal/deadletter"
	"github.com/dialplane/dialplane/internal/fallback"
	"github.com/dialplane/dialplane/internal/guardrail"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/registry"
	"github.com/dialplane/dialplane/internal/sessions"
	"github.com/dialplane/dialplane/internal/translate"
	"github.com/dialplane/dialplane/pkg/models"
)

// State of one relay connection. Transitions are driven entirely by inbound
// frames and socket closure; there is no timer-based path out of
// AWAITING_ANSWER other than the sampling timeout inside the agent strategy.
type State string

const (
	StateInit           State = "INIT"
	StateReady          State = "READY"
	StateAwaitingAnswer State = "AWAITING_ANSWER"
	StateClosed         State = "CLOSED"
)

const (
	writeWait        = 10 * time.Second
	maxFrameSize     = 1 << 20
	deadLetterWindow = 10 * time.Second
)

// Handler terminates provider relay sockets and runs the per-call answering
// loop for each of them.
type Handler struct {
	sessions    *sessions.Store
	deadletters deadletter.Store
	strategies  []Strategy
	translator  translate.Translator
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	maxTurns    int

	upgrader websocket.Upgrader
}

// NewHandler wires the answering paths in their fixed order. A nil engine
// disables the fallback path, leaving agent then static.
func NewHandler(
	store *sessions.Store,
	letters deadletter.Store,
	reg *registry.Registry,
	engine *fallback.Engine,
	filter *guardrail.Filter,
	translator translate.Translator,
	cfg config.RelayConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Handler {
	if translator == nil {
		translator = translate.Passthrough{}
	}
	strategies := []Strategy{
		&agentStrategy{registry: reg, filter: filter, timeout: cfg.SamplingTimeout, metrics: metrics},
		&fallbackStrategy{engine: engine},
		&staticStrategy{reply: cfg.StaticReply},
	}
	return &Handler{
		sessions:    store,
		deadletters: letters,
		strategies:  strategies,
		translator:  translator,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		maxTurns:    cfg.MaxTranscriptTurns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "relay upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	loop := &callLoop{handler: h, conn: conn, state: StateInit}
	loop.run(r.Context())
}

// callLoop holds the mutable state of one relay connection. Frames are
// handled on the read goroutine; only answer generation runs concurrently,
// so it can be cancelled by a later interrupt frame.
type callLoop struct {
	handler *Handler
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	session      *models.CallSession
	generation   int
	cancelAnswer context.CancelFunc
	pending      []string
	fallbackUsed bool
}

func (c *callLoop) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := decodeFrame(raw)
		if err != nil {
			// A bad frame never tears down a live call.
			c.handler.logger.Warn(ctx, "dropping invalid relay frame", "error", err)
			continue
		}
		c.dispatch(ctx, frame)
	}
	c.close(context.WithoutCancel(ctx))
}

func (c *callLoop) dispatch(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case FrameSetup:
		c.handleSetup(ctx, frame)
	case FramePrompt:
		c.handlePrompt(ctx, frame.Text)
	case FrameDTMF:
		c.handleDTMF(ctx, frame.Digits)
	case FrameInterrupt:
		c.handleInterrupt(ctx)
	}
}

func (c *callLoop) handleSetup(ctx context.Context, frame *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		c.handler.logger.Warn(ctx, "duplicate setup frame ignored", "call_id", frame.CallID)
		return
	}

	session, err := c.handler.sessions.GetByCall(frame.CallID)
	if err != nil {
		c.handler.logger.Warn(ctx, "setup for unknown call, closing", "call_id", frame.CallID)
		c.writeFrame(textFrame("I'm sorry, something went wrong with this call. Goodbye."))
		c.conn.Close()
		return
	}
	session.State = models.CallStateActive
	c.handler.sessions.Touch(session.CallID)

	c.session = session
	c.state = StateReady
	if c.handler.metrics != nil {
		c.handler.metrics.ActiveCalls.Inc()
	}
	c.handler.logger.Info(observability.WithCallID(ctx, session.CallID), "relay session established",
		"agent_id", session.AgentID, "direction", session.Direction)
}

func (c *callLoop) handlePrompt(ctx context.Context, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		c.handler.logger.Warn(ctx, "prompt dropped", "state", string(c.state))
		return
	}

	c.state = StateAwaitingAnswer
	c.generation++
	answerCtx, cancel := context.WithCancel(ctx)
	c.cancelAnswer = cancel

	go c.answer(answerCtx, c.generation, text)
}

// answer runs one turn of the agent -> fallback -> static ladder and writes
// the resulting text frame, unless an interrupt cancelled the turn first.
func (c *callLoop) answer(ctx context.Context, generation int, callerText string) {
	session := c.session
	logCtx := observability.WithCallID(ctx, session.CallID)

	if c.handler.tracer != nil {
		var span trace.Span
		ctx, span = c.handler.tracer.Start(ctx, "relay.turn",
			attribute.String("call.id", session.CallID),
			attribute.String("agent.id", session.AgentID))
		defer span.End()
	}

	// A bilingual call carries the caller's language into the transcript's
	// working language before sampling, and back out before speaking.
	agentText := callerText
	if bridged := c.bridgeIn(ctx, session, callerText); bridged != "" {
		agentText = bridged
	}

	// The turn snapshot is taken under the lock so a concurrent DTMF frame
	// cannot race the transcript render.
	c.mu.Lock()
	session.AppendTurn(models.TurnCaller, agentText, time.Now().UTC(), c.handler.maxTurns)
	turn := &Turn{
		CallID:       session.CallID,
		AgentID:      session.AgentID,
		Instructions: session.Instructions,
		Transcript:   session.TranscriptText(),
		Prompt:       agentText,
	}
	c.mu.Unlock()
	c.handler.sessions.Touch(session.CallID)

	reply, path, err := answerTurn(ctx, c.handler.strategies, turn)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.countTurn(path, "interrupted")
			return
		}
		// The static strategy is terminal, so this only happens with an
		// empty strategy list.
		c.handler.logger.Error(logCtx, "no answering path produced a reply", "error", err)
		return
	}

	spoken := reply
	if bridged := c.bridgeOut(ctx, session, reply); bridged != "" {
		spoken = bridged
	}

	c.mu.Lock()
	if c.generation != generation || c.state != StateAwaitingAnswer || ctx.Err() != nil {
		c.mu.Unlock()
		c.countTurn(path, "interrupted")
		return
	}
	session.AppendTurn(models.TurnPlatform, reply, time.Now().UTC(), c.handler.maxTurns)
	if path == PathFallback {
		c.fallbackUsed = true
		c.pending = append(c.pending, agentText)
	}
	c.state = StateReady
	c.cancelAnswer = nil
	c.mu.Unlock()

	if err := c.writeFrame(textFrame(spoken)); err != nil {
		c.handler.logger.Warn(logCtx, "relay write failed", "error", err)
		return
	}
	c.handler.sessions.Touch(session.CallID)
	c.countTurn(path, "ok")
	c.handler.logger.Debug(logCtx, "turn answered", "path", path)
}

func (c *callLoop) handleDTMF(ctx context.Context, digits string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.state == StateClosed {
		return
	}
	c.session.AppendTurn(models.TurnDTMF, digits, time.Now().UTC(), c.handler.maxTurns)
	c.handler.sessions.Touch(c.session.CallID)
}

func (c *callLoop) handleInterrupt(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAwaitingAnswer {
		c.handler.logger.Debug(ctx, "interrupt ignored", "state", string(c.state))
		return
	}
	if c.cancelAnswer != nil {
		c.cancelAnswer()
		c.cancelAnswer = nil
	}
	c.state = StateReady
}

// close finalizes the call when the socket drops. If the fallback path took
// messages that the agent never saw, they are written as one dead letter for
// dispatch on the agent's next connect.
func (c *callLoop) close(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasLive := c.state != StateInit
	c.state = StateClosed
	if c.cancelAnswer != nil {
		c.cancelAnswer()
		c.cancelAnswer = nil
	}
	session := c.session
	pending := c.pending
	fallbackUsed := c.fallbackUsed
	c.mu.Unlock()

	c.conn.Close()
	if session == nil {
		return
	}

	if fallbackUsed && len(pending) > 0 {
		letter := &models.DeadLetter{
			AgentID:     session.AgentID,
			Channel:     models.ChannelVoice,
			FromAddress: session.From,
			Body:        strings.Join(pending, "\n"),
			Reason:      models.ReasonAgentOffline,
		}
		dlCtx, cancel := context.WithTimeout(ctx, deadLetterWindow)
		defer cancel()
		if err := c.handler.deadletters.Create(dlCtx, letter); err != nil {
			c.handler.logger.Error(ctx, "dead letter write failed",
				"call_id", session.CallID, "agent_id", session.AgentID, "error", err)
		} else if c.handler.metrics != nil {
			c.handler.metrics.DeadLettersCreated.WithLabelValues(string(letter.Reason)).Inc()
		}
	}

	session.State = models.CallStateClosed
	c.handler.sessions.Remove(session.CallID)
	if c.handler.metrics != nil && wasLive {
		c.handler.metrics.ActiveCalls.Dec()
		c.handler.metrics.CallsClosed.WithLabelValues(string(session.Direction)).Inc()
	}
	c.handler.logger.Info(observability.WithCallID(ctx, session.CallID), "relay session closed",
		"agent_id", session.AgentID, "turns", len(session.Transcript), "dead_lettered", fallbackUsed && len(pending) > 0)
}

func (c *callLoop) bridgeIn(ctx context.Context, session *models.CallSession, text string) string {
	if session.CallerLanguage == "" || session.CallerLanguage == session.Language {
		return ""
	}
	out, err := c.handler.translator.Translate(ctx, text, session.CallerLanguage, session.Language)
	if err != nil {
		c.handler.logger.Warn(ctx, "caller translation failed, using original", "error", err)
		return ""
	}
	return out
}

func (c *callLoop) bridgeOut(ctx context.Context, session *models.CallSession, text string) string {
	if session.CallerLanguage == "" || session.CallerLanguage == session.Language {
		return ""
	}
	out, err := c.handler.translator.Translate(ctx, text, session.Language, session.CallerLanguage)
	if err != nil {
		c.handler.logger.Warn(ctx, "reply translation failed, using original", "error", err)
		return ""
	}
	return out
}

func (c *callLoop) writeFrame(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *callLoop) countTurn(path, outcome string) {
	if c.handler.metrics == nil {
		return
	}
	if path == "" {
		path = PathAgent
	}
	c.handler.metrics.TurnsAnswered.WithLabelValues(path, outcome).Inc()
}

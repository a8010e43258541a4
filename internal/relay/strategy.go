package relay

import (
	"context"
	"errors"
	"time"

	"github.com/dialplane/dialplane/internal/fallback"
	"github.com/dialplane/dialplane/internal/guardrail"
	"github.com/dialplane/dialplane/internal/observability"
	"github.com/dialplane/dialplane/internal/registry"
)

// ErrNotApplicable means a strategy could not answer this turn and the next
// one in order should be tried.
var ErrNotApplicable = errors.New("relay: answering path not applicable")

// Answering path names. The handler reports these on turn metrics and uses
// them to decide whether the pending buffer becomes a dead letter on close.
const (
	PathAgent    = "agent"
	PathFallback = "fallback"
	PathStatic   = "static"
)

// Turn is an immutable snapshot of one caller turn. The handler builds it
// under its lock so strategies can run without touching shared session state.
type Turn struct {
	CallID       string
	AgentID      string
	Instructions string
	Transcript   string
	Prompt       string
}

// Strategy is one way to produce the platform's reply to a caller turn.
// TryAnswer returns ErrNotApplicable to pass the turn to the next strategy
// in order. A context cancellation aborts the whole turn instead.
type Strategy interface {
	Name() string
	TryAnswer(ctx context.Context, turn *Turn) (string, error)
}

// agentStrategy samples the externally hosted agent over its live transport.
// Timeouts and transport errors fall through to the next strategy so the
// caller is never left waiting on a dead connection.
type agentStrategy struct {
	registry *registry.Registry
	filter   *guardrail.Filter
	timeout  time.Duration
	metrics  *observability.Metrics
}

func (s *agentStrategy) Name() string { return PathAgent }

func (s *agentStrategy) TryAnswer(ctx context.Context, turn *Turn) (string, error) {
	if !s.registry.IsConnected(turn.AgentID) {
		return "", ErrNotApplicable
	}

	req := &registry.SampleRequest{
		CallID:       turn.CallID,
		Instructions: s.filter.WrapInstructions(turn.Instructions),
		Transcript:   turn.Transcript,
		TimeoutMs:    s.timeout.Milliseconds(),
	}

	start := time.Now()
	reply, err := s.registry.Sample(ctx, turn.AgentID, req, s.timeout)
	if s.metrics != nil {
		s.metrics.SamplingDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return "", err
		case errors.Is(err, registry.ErrSampleTimeout):
			s.countFailure("timeout")
		default:
			s.countFailure("transport")
		}
		return "", ErrNotApplicable
	}

	screened := s.filter.Screen(reply.Text)
	return screened.SafeText, nil
}

func (s *agentStrategy) countFailure(kind string) {
	if s.metrics != nil {
		s.metrics.SamplingFailures.WithLabelValues(kind).Inc()
	}
}

// fallbackStrategy generates a message-taking reply from a hosted model when
// the agent cannot answer. The engine already screens its output.
type fallbackStrategy struct {
	engine *fallback.Engine
}

func (s *fallbackStrategy) Name() string { return PathFallback }

func (s *fallbackStrategy) TryAnswer(ctx context.Context, turn *Turn) (string, error) {
	if s.engine == nil {
		return "", ErrNotApplicable
	}
	text, err := s.engine.Reply(ctx, turn.Transcript)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", ErrNotApplicable
	}
	return text, nil
}

// staticStrategy always answers with a fixed unavailability message. It is
// the terminal strategy, so every caller turn gets exactly one response.
type staticStrategy struct {
	reply string
}

func (s *staticStrategy) Name() string { return PathStatic }

func (s *staticStrategy) TryAnswer(ctx context.Context, turn *Turn) (string, error) {
	return s.reply, nil
}

// answerTurn walks the ordered strategies until one produces a reply. The
// returned path names the strategy that answered.
func answerTurn(ctx context.Context, strategies []Strategy, turn *Turn) (text, path string, err error) {
	for _, strategy := range strategies {
		text, err = strategy.TryAnswer(ctx, turn)
		if errors.Is(err, ErrNotApplicable) {
			continue
		}
		if err != nil {
			return "", strategy.Name(), err
		}
		return text, strategy.Name(), nil
	}
	return "", "", ErrNotApplicable
}

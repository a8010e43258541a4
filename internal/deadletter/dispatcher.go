package deadletter

import (
	"context"
	"time"

	"github.com/dialplane/dialplane/internal/observability"
)

// Notifier forwards drained letters to a connected agent as out-of-band
// notifications. Satisfied by the agent registry.
type Notifier interface {
	Notify(ctx context.Context, agentID string, event string, payload any) error
}

// NotificationEvent is the event name agents receive for each dead letter.
const NotificationEvent = "dead_letter"

// Dispatcher drains an agent's pending dead letters when the agent connects
// and forwards them one notification per letter. Draining marks the letters
// delivered; a forwarding failure is logged but not retried, so delivery is
// at most once.
type Dispatcher struct {
	store    Store
	notifier Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
}

// NewDispatcher wires a dispatcher. metrics may be nil.
func NewDispatcher(store Store, notifier Notifier, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		timeout:  10 * time.Second,
	}
}

// HandleConnect is the registry connect hook: invoked exactly once per
// connect event.
func (d *Dispatcher) HandleConnect(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	ctx = observability.WithAgentID(ctx, agentID)

	letters, err := d.store.DrainPending(ctx, agentID)
	if err != nil {
		d.logger.Error(ctx, "dead letter drain failed", "error", err)
		return
	}
	if len(letters) == 0 {
		return
	}
	d.logger.Info(ctx, "dispatching dead letters", "count", len(letters))

	for _, letter := range letters {
		if err := d.notifier.Notify(ctx, agentID, NotificationEvent, letter); err != nil {
			// The letter is already marked delivered; it will not be
			// redelivered. See the at-most-once note in DESIGN.md.
			d.logger.Warn(ctx, "dead letter forward failed", "letter_id", letter.ID, "error", err)
			if d.metrics != nil {
				d.metrics.DeadLettersDispatched.WithLabelValues("error").Inc()
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.DeadLettersDispatched.WithLabelValues("ok").Inc()
		}
	}
}

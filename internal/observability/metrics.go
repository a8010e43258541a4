package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting relay metrics.
//
// Built on Prometheus, tracking:
//   - Call lifecycle (started, closed) by direction
//   - Answering path selection per caller turn
//   - Agent sampling latency and outcomes
//   - Dead letter creation and dispatch
//   - Connected agent and active call gauges
type Metrics struct {
	// CallsStarted counts calls by direction (inbound|outbound).
	CallsStarted *prometheus.CounterVec

	// CallsClosed counts completed calls by direction.
	CallsClosed *prometheus.CounterVec

	// ActiveCalls tracks currently open relay sessions.
	ActiveCalls prometheus.Gauge

	// ConnectedAgents tracks agents with a live transport.
	ConnectedAgents prometheus.Gauge

	// TurnsAnswered counts caller turns by answering path (agent|fallback|static)
	// and outcome (ok|blocked|interrupted).
	TurnsAnswered *prometheus.CounterVec

	// SamplingDuration measures agent sampling latency in seconds.
	// Buckets cover the sub-second happy path up to the sampling timeout.
	SamplingDuration prometheus.Histogram

	// SamplingFailures counts sampling requests that did not produce a usable
	// reply, by kind (timeout|transport|canceled).
	SamplingFailures *prometheus.CounterVec

	// DeadLettersCreated counts dead letters written by reason.
	DeadLettersCreated *prometheus.CounterVec

	// DeadLettersDispatched counts dead letters drained on agent reconnect
	// by forward status (ok|error).
	DeadLettersDispatched *prometheus.CounterVec

	// WebhookRejections counts provider callbacks rejected before any state
	// change, by cause (signature|unknown_address|unknown_token).
	WebhookRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with reg.
// Passing nil uses the default registerer. Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_calls_started_total",
				Help: "Total calls started by direction",
			},
			[]string{"direction"},
		),
		CallsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_calls_closed_total",
				Help: "Total calls closed by direction",
			},
			[]string{"direction"},
		),
		ActiveCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialplane_active_calls",
				Help: "Currently open relay sessions",
			},
		),
		ConnectedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialplane_connected_agents",
				Help: "Agents with a live transport",
			},
		),
		TurnsAnswered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_turns_answered_total",
				Help: "Caller turns answered by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		SamplingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dialplane_sampling_duration_seconds",
				Help:    "Agent sampling request latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
			},
		),
		SamplingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_sampling_failures_total",
				Help: "Agent sampling requests that produced no usable reply",
			},
			[]string{"kind"},
		),
		DeadLettersCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_dead_letters_created_total",
				Help: "Dead letters written by reason",
			},
			[]string{"reason"},
		),
		DeadLettersDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_dead_letters_dispatched_total",
				Help: "Dead letters drained on agent reconnect by forward status",
			},
			[]string{"status"},
		),
		WebhookRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialplane_webhook_rejections_total",
				Help: "Provider callbacks rejected before any state change",
			},
			[]string{"cause"},
		),
	}
}

package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects licensing telemetry. A nil *Metrics is a valid no-op
// receiver so tests and minimal setups can skip metering entirely.
type Metrics struct {
	heartbeats        metric.Int64Counter
	heartbeatDuration metric.Float64Histogram
	activations       metric.Int64Counter
	transitions       metric.Int64Counter
	sessionAttempts   metric.Int64Counter
}

// NewMetrics creates the licensing instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	heartbeats, err := meter.Int64Counter("licensing.heartbeats",
		metric.WithDescription("License heartbeat attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	heartbeatDuration, err := meter.Float64Histogram("licensing.heartbeat.duration",
		metric.WithDescription("License heartbeat round-trip duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter("licensing.activations",
		metric.WithDescription("License activation attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("licensing.state_transitions",
		metric.WithDescription("Licensing state transitions by target state"),
	)
	if err != nil {
		return nil, err
	}

	sessionAttempts, err := meter.Int64Counter("licensing.session_attempts",
		metric.WithDescription("Session open/renew attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		heartbeats:        heartbeats,
		heartbeatDuration: heartbeatDuration,
		activations:       activations,
		transitions:       transitions,
		sessionAttempts:   sessionAttempts,
	}, nil
}

func (m *Metrics) recordHeartbeat(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.heartbeats.Add(ctx, 1, attrs)
	m.heartbeatDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *Metrics) recordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordTransition(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *Metrics) recordSessionAttempt(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sessionAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

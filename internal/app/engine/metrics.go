package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/telemetry"
)

type metrics struct {
	polls             metric.Int64Counter
	pollDuration      metric.Float64Histogram
	events            metric.Int64Counter
	transitions       metric.Int64Counter
	reconnectAttempts metric.Int64Counter
	heartbeats        metric.Int64Counter
	heartbeatDuration metric.Float64Histogram
	leaves            metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("engine")
	m := new(metrics)
	m.polls, _ = meter.Int64Counter(telemetry.MetricPolls,
		metric.WithDescription("Subscribe long-polls by result"),
		metric.WithUnit("{poll}"))
	m.pollDuration, _ = meter.Float64Histogram(telemetry.MetricPollDuration,
		metric.WithDescription("Time a subscribe long-poll was held"),
		metric.WithUnit("s"))
	m.events, _ = meter.Int64Counter(telemetry.MetricEvents,
		metric.WithDescription("Events dispatched to listeners"),
		metric.WithUnit("{event}"))
	m.transitions, _ = meter.Int64Counter(telemetry.MetricStateTransitions,
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))
	m.reconnectAttempts, _ = meter.Int64Counter(telemetry.MetricReconnectAttempts,
		metric.WithDescription("Consecutive poll failures handed to the reconnection policy"),
		metric.WithUnit("{attempt}"))
	m.heartbeats, _ = meter.Int64Counter(telemetry.MetricHeartbeats,
		metric.WithDescription("Presence heartbeat requests by result"),
		metric.WithUnit("{request}"))
	m.heartbeatDuration, _ = meter.Float64Histogram(telemetry.MetricHeartbeatDuration,
		metric.WithDescription("Presence heartbeat latency"),
		metric.WithUnit("s"))
	m.leaves, _ = meter.Int64Counter(telemetry.MetricLeaves,
		metric.WithDescription("Presence leave requests by result"),
		metric.WithUnit("{request}"))
	return m
}

func (m *metrics) recordPoll(ctx context.Context, transport, result string, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), transport, "subscribe", result)...)
	if m.polls != nil {
		m.polls.Add(ctx, 1, attrs)
	}
	if m.pollDuration != nil {
		m.pollDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) recordEvent(ctx context.Context, transport string, kind schema.EventKind) {
	if m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), transport, kind.String())...))
}

func (m *metrics) recordTransition(transport string, state schema.ConnectionState) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), transport, state.String())...))
}

func (m *metrics) recordReconnect(ctx context.Context, policy string, kind errs.Code) {
	if m.reconnectAttempts == nil {
		return
	}
	m.reconnectAttempts.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.ReconnectAttributes(telemetry.Environment(), policy, string(kind))...))
}

func (m *metrics) recordHeartbeat(ctx context.Context, transport string, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), transport, "heartbeat", resultOf(err))...)
	if m.heartbeats != nil {
		m.heartbeats.Add(ctx, 1, attrs)
	}
	if m.heartbeatDuration != nil {
		m.heartbeatDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (m *metrics) recordLeave(ctx context.Context, transport string, err error) {
	if m.leaves == nil {
		return
	}
	m.leaves.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), transport, "leave", resultOf(err))...))
}

func resultOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(errs.KindOf(err))
}

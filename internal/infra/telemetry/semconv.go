package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Relay telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTransport identifies the transport carrying the subscription (http, websocket, fake).
	AttrTransport = attribute.Key("transport")
	// AttrEventType annotates event counters with the event kind (message, signal, presence, object).
	AttrEventType = attribute.Key("event.type")
	// AttrOperation differentiates client operations (subscribe, heartbeat, leave, publish).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, empty, stale, error code).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides free-form context for drops and resets.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrPolicy names the reconnection policy in effect.
	AttrPolicy = attribute.Key("reconnect.policy")
	// AttrItemKind distinguishes events from statuses in listener metrics.
	AttrItemKind = attribute.Key("item.kind")
	// AttrStore names the cursor store backend.
	AttrStore = attribute.Key("store")
)

// Metric names.
const (
	MetricPolls             = "relay.engine.polls"
	MetricPollDuration      = "relay.engine.poll.duration"
	MetricEvents            = "relay.engine.events"
	MetricStateTransitions  = "relay.engine.state.transitions"
	MetricReconnectAttempts = "relay.engine.reconnect.attempts"
	MetricHeartbeats        = "relay.heartbeat.requests"
	MetricHeartbeatDuration = "relay.heartbeat.duration"
	MetricLeaves            = "relay.presence.leaves"
	MetricListenerDropped   = "relay.listener.dropped"
	MetricListenerFanout    = "relay.listener.fanout.size"
	MetricListenerPanics    = "relay.listener.panics"
	MetricMigrationsApplied = "relay.migrations.applied"
	MetricCursorStoreOps    = "relay.cursorstore.operations"
)

// Item kind values
const (
	ItemEvent  = "event"
	ItemStatus = "status"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, transport, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrEventType.String(eventType),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, transport, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, transport, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrConnectionState.String(state),
	}
}

// ReconnectAttributes returns attributes for reconnect attempt metrics.
func ReconnectAttributes(environment, policy, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPolicy.String(policy),
		AttrErrorType.String(errorType),
	}
}

// ListenerAttributes returns attributes for listener fan-out metrics.
func ListenerAttributes(environment, itemKind, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrItemKind.String(itemKind),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// StoreAttributes returns attributes for cursor store metrics.
func StoreAttributes(environment, store, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStore.String(store),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

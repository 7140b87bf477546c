// Package persistence exposes shared wiring for cursor store backends.
package persistence

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/infra/telemetry"
)

var (
	opsCounter   metric.Int64Counter
	opsCounterMu sync.Once
)

// RecordOperation counts one cursor store call labelled by backend, operation and outcome.
// It returns err unchanged so callers can wrap their return statements.
func RecordOperation(ctx context.Context, store, operation string, err error) error {
	opsCounterMu.Do(func() {
		meter := otel.Meter("persistence.cursorstore")
		counter, cerr := meter.Int64Counter(telemetry.MetricCursorStoreOps,
			metric.WithDescription("Cursor store operations by backend and result"),
			metric.WithUnit("{operation}"))
		if cerr == nil {
			opsCounter = counter
		}
	})
	if opsCounter == nil {
		return err
	}
	result := "success"
	if err != nil {
		result = string(errs.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	opsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.StoreAttributes(telemetry.Environment(), store, operation, result)...))
	return err
}

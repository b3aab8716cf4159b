package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Span attributes that feed metrics must have a bounded set of values.
//
// AVOID as attributes:
// - Item IDs, request IDs, subject IDs
// - File names and paths, URLs with query parameters
// - Error messages with dynamic content
//
// SAFE attributes:
// - Operation types ("check_availability", "stream_payload", "save")
// - Status values ("success", "error")
// - Outcomes ("done", "failed", "auth_failed")
// - Component names ("database", "backend_client", "orchestrator")
//
// Item IDs and error details belong in logs, which carry trace_id for correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span. It is a passthrough when tracing is disabled.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc, attrs ...attribute.KeyValue) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)
	span.SetAttributes(attrs...)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		// the message stays on the span status, never on attributes
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments backend client operations.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "backend_client", fn,
		attribute.String("client.type", client),
		attribute.String("client.operation", operation),
	)

	t.RecordClientOperation(client, operation, statusOf(err))

	return err
}

// InstrumentProbe instruments a single endpoint availability probe.
func (t *Telemetry) InstrumentProbe(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	var available bool

	err := t.InstrumentOperation(ctx, "probe", "prober", func(ctx context.Context) error {
		var err error
		available, err = fn(ctx)

		return err
	})

	result := "unavailable"

	switch {
	case err != nil:
		result = "error"
	case available:
		result = "available"
	}

	t.RecordProbe(result, time.Since(start))

	return available, err
}

// InstrumentItem instruments one item run. fn reports the terminal outcome.
func (t *Telemetry) InstrumentItem(ctx context.Context, fn func(ctx context.Context) (string, error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveItems()
	defer t.DecrementActiveItems()

	var outcome string

	err := t.InstrumentOperation(ctx, "item_run", "orchestrator", func(ctx context.Context) error {
		var err error
		outcome, err = fn(ctx)

		return err
	})

	if outcome != "" {
		t.RecordItem(outcome, time.Since(start))
	}

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

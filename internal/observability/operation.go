package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation statuses recorded in the status label.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Operation is one traced, timed and counted unit of work. A nil *Metrics
// only disables counting.
type Operation struct {
	name    string
	start   time.Time
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	log     *slog.Logger
	errKind string
}

// StartOperation opens a span named name and returns the context carrying
// it. attrs go on the span and on the operation's log records.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	op := &Operation{
		name:    name,
		start:   time.Now(),
		ctx:     ctx,
		span:    span,
		metrics: m,
		log:     slog.Default().With(slog.String("operation", name)),
		errKind: StatusError,
	}
	op.log = op.log.With(logArgs(attrs)...)
	return op, ctx
}

func logArgs(attrs []attribute.KeyValue) []any {
	args := make([]any, len(attrs))
	for i, kv := range attrs {
		args[i] = slog.String(string(kv.Key), kv.Value.Emit())
	}
	return args
}

// Annotate adds attributes learned after the operation started.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	o.span.SetAttributes(attrs...)
	o.log = o.log.With(logArgs(attrs)...)
}

// SetErrorKind sets the kind label counted if End receives an error.
func (o *Operation) SetErrorKind(kind string) {
	o.errKind = kind
}

// End closes the span and records the outcome. Cancellation is reported
// as its own status and is not counted as an error.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.start)
	status := statusOf(err)

	switch status {
	case StatusOK:
		o.log.DebugContext(o.ctx, "operation done", "elapsed", elapsed)
	case StatusCanceled:
		o.log.WarnContext(o.ctx, "operation canceled", "elapsed", elapsed, "error", err)
	default:
		o.log.ErrorContext(o.ctx, "operation failed", "kind", o.errKind, "elapsed", elapsed, "error", err)
	}
	EndSpan(o.span, err)

	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(elapsed.Seconds())
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	if status == StatusError {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, o.errKind).Inc()
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusError
	}
}

// Package telemetry instruments Manager activity with go.opentelemetry.io/otel
// spans rather than lines in a hand-rolled log. The Manager opens one span
// per Equilibrate call; CellUpdated and WorkerExecuted add span events to a
// span the caller passes in, and the Manager itself does not call them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/smilemakc/seamless"

// Recorder wraps an otel tracer for the spans the runtime emits: one span per
// equilibrate cycle. Cell/worker span events are added only by callers of
// CellUpdated/WorkerExecuted.
type Recorder struct {
	tracer trace.Tracer
}

// New returns a Recorder using the global otel TracerProvider. Callers that
// never configure an otel SDK still get a valid no-op tracer.
func New() *Recorder {
	return &Recorder{tracer: otel.Tracer(tracerName)}
}

// StartEquilibrate opens a span covering one Manager.Equilibrate call.
func (r *Recorder) StartEquilibrate(ctx context.Context) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "seamless.equilibrate")
}

// CellUpdated records a cell value transition as a span event.
func (r *Recorder) CellUpdated(span trace.Span, path string, onlyText bool) {
	span.AddEvent("cell.update", trace.WithAttributes(
		attribute.String("cell.path", path),
		attribute.Bool("cell.only_text", onlyText),
	))
}

// Summary is a point-in-time read of runtime activity — counts plus an
// aggregate timing over this runtime's cell/worker/connection graph. It is
// a read-only diagnostic surface, not part of the mutation contract.
type Summary struct {
	Cells            int           `json:"cells"`
	Workers          int           `json:"workers"`
	Connections      int           `json:"connections"`
	UnstableWorkers  int           `json:"unstable_workers"`
	EquilibrateCount int           `json:"equilibrate_count"`
	EquilibrateTotal time.Duration `json:"equilibrate_total_ns"`
}

// AverageEquilibrate returns the mean duration of recorded equilibrate
// cycles, or zero if none have run yet.
func (s Summary) AverageEquilibrate() time.Duration {
	if s.EquilibrateCount == 0 {
		return 0
	}
	return s.EquilibrateTotal / time.Duration(s.EquilibrateCount)
}

// WorkerExecuted records a worker firing as a span event.
func (r *Recorder) WorkerExecuted(span trace.Span, path string, err error) {
	opts := []trace.EventOption{trace.WithAttributes(attribute.String("worker.path", path))}
	span.AddEvent("worker.executed", opts...)
	if err != nil {
		span.RecordError(err)
	}
}

package engine

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledger-todo/domain"
)

const (
	tracerName       = "ledger-todo/engine"
	fetchSpanName    = "ledger.fetch"
	fetchEventName   = "ledger.fetch.completed"
	fetchEventDomain = "ledger-todo"
	observability    = "observability.event"
)

type fetchMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	res        domain.ListResource
	mode       string
	errorStage string
	lookups    atomic.Int64
}

func newFetchMetrics(ctx context.Context, logger *log.Logger, res domain.ListResource) (*fetchMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, fetchSpanName)
	return &fetchMetrics{logger: logger, span: span, start: time.Now(), res: res, mode: "empty"}, ctx
}

func (m *fetchMetrics) SetMode(mode string) { m.mode = mode }

func (m *fetchMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *fetchMetrics) AddLookups(n int64) { m.lookups.Add(n) }

// Finish ends the span and logs one observability event.
func (m *fetchMetrics) Finish(tasksReturned int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("ledger.account", m.res.Address),
		attribute.Int64("ledger.task_counter", int64(m.res.TaskCounter)),
		attribute.String("ledger.fetch.mode", m.mode),
		attribute.Int64("ledger.fetch.lookups", m.lookups.Load()),
		attribute.Int("ledger.fetch.tasks_returned", tasksReturned),
		attribute.Float64("ledger.fetch.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("ledger.fetch.error_stage", m.errorStage))
	}
	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observability, trace.WithAttributes(attrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, a := range attrs {
		attrMap[string(a.Key)] = a.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":   fetchEventName,
		"event.domain": fetchEventDomain,
		"attributes":   attrMap,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.WithField("error", err.Error()).Warn(observability)
		return
	}
	entry.Info(observability)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

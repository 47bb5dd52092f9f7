package layer

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chanlayer/layer"

// Result label values.
const (
	resultOK              = "ok"
	resultEmpty           = "empty"
	resultChannelFull     = "channel_full"
	resultMessageTooLarge = "message_too_large"
	resultInvalidName     = "invalid_name"
	resultNotImplemented  = "not_implemented"
	resultCanceled        = "canceled"
	resultError           = "error"
)

// Metrics holds the Prometheus collectors of an instrumented layer.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	swept    prometheus.Counter
}

// NewMetrics creates the layer collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chanlayer",
			Subsystem: "layer",
			Name:      "operations_total",
			Help:      "Channel layer operations by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chanlayer",
			Subsystem: "layer",
			Name:      "operation_duration_seconds",
			Help:      "Channel layer operation latency. Blocking receives include wait time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chanlayer",
			Subsystem: "layer",
			Name:      "swept_total",
			Help:      "Expired messages and memberships removed by the sweeper.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.duration, m.swept} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op, result string, start time.Time) {
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// InstrumentedLayer decorates a Layer with metrics and tracing spans.
type InstrumentedLayer struct {
	next    Layer
	metrics *Metrics
	tracer  trace.Tracer
}

var (
	_ Layer      = (*InstrumentedLayer)(nil)
	_ Statistics = (*InstrumentedLayer)(nil)
	_ Sweeper    = (*InstrumentedLayer)(nil)
)

// Instrument wraps next. Spans go to the global OpenTelemetry tracer provider.
func Instrument(next Layer, m *Metrics) *InstrumentedLayer {
	return &InstrumentedLayer{
		next:    next,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Unwrap returns the decorated layer.
func (l *InstrumentedLayer) Unwrap() Layer { return l.next }

func (l *InstrumentedLayer) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := l.tracer.Start(ctx, "layer."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (l *InstrumentedLayer) finish(span trace.Span, op string, start time.Time, result string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("layer.result", result))
	span.End()
	if l.metrics != nil {
		l.metrics.observe(op, result, start)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrChannelFull):
		return resultChannelFull
	case errors.Is(err, ErrMessageTooLarge):
		return resultMessageTooLarge
	case errors.Is(err, ErrInvalidName):
		return resultInvalidName
	case errors.Is(err, ErrNotImplemented):
		return resultNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resultCanceled
	default:
		return resultError
	}
}

func (l *InstrumentedLayer) Send(ctx context.Context, channel string, msg Message) error {
	ctx, span, start := l.start(ctx, "send", attribute.String("layer.channel", channel))
	err := l.next.Send(ctx, channel, msg)
	l.finish(span, "send", start, resultOf(err), err)
	return err
}

func (l *InstrumentedLayer) ReceiveMany(ctx context.Context, channels []string, block bool) (string, Message, error) {
	ctx, span, start := l.start(ctx, "receive_many",
		attribute.StringSlice("layer.channels", channels),
		attribute.Bool("layer.block", block),
	)
	ch, msg, err := l.next.ReceiveMany(ctx, channels, block)

	result := resultOf(err)
	if err == nil && ch == "" {
		result = resultEmpty
	}
	if ch != "" {
		span.SetAttributes(attribute.String("layer.channel", ch))
	}
	l.finish(span, "receive_many", start, result, err)
	return ch, msg, err
}

func (l *InstrumentedLayer) NewChannel(ctx context.Context, pattern string) (string, error) {
	ctx, span, start := l.start(ctx, "new_channel", attribute.String("layer.pattern", pattern))
	name, err := l.next.NewChannel(ctx, pattern)
	l.finish(span, "new_channel", start, resultOf(err), err)
	return name, err
}

func (l *InstrumentedLayer) GroupAdd(ctx context.Context, group, channel string) error {
	ctx, span, start := l.start(ctx, "group_add",
		attribute.String("layer.group", group),
		attribute.String("layer.channel", channel),
	)
	err := l.next.GroupAdd(ctx, group, channel)
	l.finish(span, "group_add", start, resultOf(err), err)
	return err
}

func (l *InstrumentedLayer) GroupDiscard(ctx context.Context, group, channel string) error {
	ctx, span, start := l.start(ctx, "group_discard",
		attribute.String("layer.group", group),
		attribute.String("layer.channel", channel),
	)
	err := l.next.GroupDiscard(ctx, group, channel)
	l.finish(span, "group_discard", start, resultOf(err), err)
	return err
}

func (l *InstrumentedLayer) SendGroup(ctx context.Context, group string, msg Message) error {
	ctx, span, start := l.start(ctx, "send_group", attribute.String("layer.group", group))
	err := l.next.SendGroup(ctx, group, msg)
	l.finish(span, "send_group", start, resultOf(err), err)
	return err
}

func (l *InstrumentedLayer) Flush(ctx context.Context) error {
	ctx, span, start := l.start(ctx, "flush")
	err := l.next.Flush(ctx)
	l.finish(span, "flush", start, resultOf(err), err)
	return err
}

func (l *InstrumentedLayer) Extensions() []string { return l.next.Extensions() }

func (l *InstrumentedLayer) Close() error { return l.next.Close() }

// ChannelStatistics forwards to the decorated layer when it supports statistics.
func (l *InstrumentedLayer) ChannelStatistics(ctx context.Context, channel string) (ChannelStats, error) {
	st, ok := l.next.(Statistics)
	if !ok {
		return ChannelStats{}, opErr("layer.ChannelStatistics", ErrNotImplemented, "")
	}
	return st.ChannelStatistics(ctx, channel)
}

// Sweep forwards to the decorated layer and counts what it removed.
func (l *InstrumentedLayer) Sweep(ctx context.Context) (int, error) {
	sw, ok := l.next.(Sweeper)
	if !ok {
		return 0, nil
	}
	ctx, span, start := l.start(ctx, "sweep")
	n, err := sw.Sweep(ctx)
	span.SetAttributes(attribute.Int("layer.swept", n))
	l.finish(span, "sweep", start, resultOf(err), err)
	if l.metrics != nil && n > 0 {
		l.metrics.swept.Add(float64(n))
	}
	return n, err
}

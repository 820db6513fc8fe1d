package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	publishCount  metric.Int64Counter
	publishDur    metric.Int64Histogram
	tickCount     metric.Int64Counter
	deliveredCnt  metric.Int64Counter
	deliverFailed metric.Int64Counter
	sessionsGauge metric.Int64ObservableGauge
	subsGauge     metric.Int64ObservableGauge
	queueGauge    metric.Int64ObservableGauge

	sessions atomic.Int64
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/syncd/core")
	m := &engineMetrics{}
	var err error

	m.publishCount, err = meter.Int64Counter(
		"syncd.publish",
		metric.WithDescription("Publish operations by kind and result"),
	)
	logMetricInitError(logger, "syncd.publish", err)

	m.publishDur, err = meter.Int64Histogram(
		"syncd.publish.duration_ms",
		metric.WithDescription("Publish duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncd.publish.duration_ms", err)

	m.tickCount, err = meter.Int64Counter(
		"syncd.ticks",
		metric.WithDescription("Version ticks allocated"),
	)
	logMetricInitError(logger, "syncd.ticks", err)

	m.deliveredCnt, err = meter.Int64Counter(
		"syncd.fanout.delivered",
		metric.WithDescription("Data events delivered to sessions"),
	)
	logMetricInitError(logger, "syncd.fanout.delivered", err)

	m.deliverFailed, err = meter.Int64Counter(
		"syncd.fanout.failed",
		metric.WithDescription("Data events dropped because a session could not accept them"),
	)
	logMetricInitError(logger, "syncd.fanout.failed", err)

	m.sessionsGauge, err = meter.Int64ObservableGauge(
		"syncd.sessions",
		metric.WithDescription("Registered sessions"),
	)
	logMetricInitError(logger, "syncd.sessions", err)

	m.subsGauge, err = meter.Int64ObservableGauge(
		"syncd.subscriptions",
		metric.WithDescription("Registered subscription patterns"),
	)
	logMetricInitError(logger, "syncd.subscriptions", err)

	m.queueGauge, err = meter.Int64ObservableGauge(
		"syncd.dispatch.queue_depth",
		metric.WithDescription("Events awaiting fan-out"),
	)
	logMetricInitError(logger, "syncd.dispatch.queue_depth", err)

	return m
}

// registerObservables wires the gauge callback once registry and
// dispatcher exist.
func (m *engineMetrics) registerObservables(logger pslog.Logger, registry *Registry, dispatcher *Dispatcher) {
	meter := otel.Meter("pkt.systems/syncd/core")
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if m.sessionsGauge != nil {
			o.ObserveInt64(m.sessionsGauge, m.sessions.Load())
		}
		if m.subsGauge != nil {
			o.ObserveInt64(m.subsGauge, int64(registry.Subscriptions()))
		}
		if m.queueGauge != nil {
			o.ObserveInt64(m.queueGauge, int64(dispatcher.Depth()))
		}
		return nil
	}, m.sessionsGauge, m.subsGauge, m.queueGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "syncd.engine.observables", "error", err)
	}
}

func (m *engineMetrics) recordPublish(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("syncd.publish.kind", kind),
		attribute.String("syncd.publish.result", metricResultLabel(err)),
	}
	if m.publishCount != nil {
		m.publishCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.publishDur != nil {
		m.publishDur.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func (m *engineMetrics) recordTicks(ctx context.Context, n int64) {
	if m == nil || m.tickCount == nil || n <= 0 {
		return
	}
	m.tickCount.Add(metricContext(ctx), n)
}

func (m *engineMetrics) recordDelivered() {
	if m == nil || m.deliveredCnt == nil {
		return
	}
	m.deliveredCnt.Add(context.Background(), 1)
}

func (m *engineMetrics) recordDeliverFailed() {
	if m == nil || m.deliverFailed == nil {
		return
	}
	m.deliverFailed.Add(context.Background(), 1)
}

func (m *engineMetrics) addSessions(delta int64) {
	if m == nil {
		return
	}
	m.sessions.Add(delta)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

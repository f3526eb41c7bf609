package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/txnd/internal/store"
)

type txncoordMetrics struct {
	finalizeDuration metric.Int64Histogram
	fanoutDuration   metric.Int64Histogram
	fanoutAttempts   metric.Int64Counter
	fanoutFailed     metric.Int64Counter
}

func newTxncoordMetrics(logger pslog.Logger) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/txnd/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.finalizeDuration, err = meter.Int64Histogram(
		"txnd.txn.finalize.duration_ms",
		metric.WithDescription("Time spent applying a finalize decision locally"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txnd.txn.finalize.duration_ms", err)

	m.fanoutDuration, err = meter.Int64Histogram(
		"txnd.txn.fanout.duration_ms",
		metric.WithDescription("Time spent fanning out finalize decisions"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txnd.txn.fanout.duration_ms", err)

	m.fanoutAttempts, err = meter.Int64Counter(
		"txnd.txn.fanout.attempts",
		metric.WithDescription("Finalize fan-out delivery attempts"),
	)
	logMetricInitError(logger, "txnd.txn.fanout.attempts", err)

	m.fanoutFailed, err = meter.Int64Counter(
		"txnd.txn.fanout.failed",
		metric.WithDescription("Finalize fan-out deliveries that exhausted retries"),
	)
	logMetricInitError(logger, "txnd.txn.fanout.failed", err)

	return m
}

func (m *txncoordMetrics) recordFinalize(ctx context.Context, decision store.Decision, duration time.Duration) {
	if m == nil || m.finalizeDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("txnd.txn.decision", string(decision))}
	m.finalizeDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordFanout(ctx context.Context, decision store.Decision, duration time.Duration, result string) {
	if m == nil || m.fanoutDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("txnd.txn.decision", string(decision)),
		attribute.String("txnd.txn.result", result),
	}
	m.fanoutDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordFanoutAttempt(ctx context.Context, decision store.Decision, host string) {
	if m == nil || m.fanoutAttempts == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("txnd.txn.decision", string(decision))}
	if host != "" {
		attrs = append(attrs, attribute.String("txnd.txn.child", host))
	}
	m.fanoutAttempts.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordFanoutFailure(ctx context.Context, decision store.Decision, host, reason string) {
	if m == nil || m.fanoutFailed == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("txnd.txn.decision", string(decision)),
		attribute.String("txnd.txn.fanout_reason", reason),
	}
	if host != "" {
		attrs = append(attrs, attribute.String("txnd.txn.child", host))
	}
	m.fanoutFailed.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

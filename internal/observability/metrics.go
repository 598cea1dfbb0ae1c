// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// BrokerMetrics holds the broker instruments. A nil *BrokerMetrics is valid
// and records nothing.
type BrokerMetrics struct {
	submissions metric.Int64Counter
	transitions metric.Int64Counter
	live        metric.Int64UpDownCounter
}

// NewBrokerMetrics creates the broker instruments on the given meter.
func NewBrokerMetrics(meter metric.Meter) (*BrokerMetrics, error) {
	submissions, err := meter.Int64Counter("broker.submissions",
		metric.WithDescription("Accepted submissions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}
	transitions, err := meter.Int64Counter("broker.state_transitions",
		metric.WithDescription("Executor state changes"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}
	live, err := meter.Int64UpDownCounter("broker.executors.live",
		metric.WithDescription("Executor lifecycles currently running"))
	if err != nil {
		return nil, fmt.Errorf("failed to create live executors counter: %w", err)
	}
	return &BrokerMetrics{submissions: submissions, transitions: transitions, live: live}, nil
}

func (m *BrokerMetrics) RecordSubmission(ctx context.Context, plugin string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

func (m *BrokerMetrics) RecordTransition(ctx context.Context, plugin, state string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("state", state),
	))
}

func (m *BrokerMetrics) ExecutorStarted(ctx context.Context, plugin string) {
	if m == nil {
		return
	}
	m.live.Add(ctx, 1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

func (m *BrokerMetrics) ExecutorFinished(ctx context.Context, plugin string) {
	if m == nil {
		return
	}
	m.live.Add(ctx, -1, metric.WithAttributes(attribute.String("plugin", plugin)))
}

// RegisterStateGauge exposes broker.applications, the number of persisted
// applications per state, read through count on every scrape.
func RegisterStateGauge(meter metric.Meter, count func(context.Context) (map[string]int64, error)) error {
	_, err := meter.Int64ObservableGauge("broker.applications",
		metric.WithDescription("Persisted applications by state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			counts, err := count(ctx)
			if err != nil {
				return err
			}
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		}),
	)
	return err
}

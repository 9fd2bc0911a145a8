// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/mqttbridge/bridge"
	"github.com/absmach/mqttbridge/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mqttbridge"

var _ bridge.Instruments = (*Metrics)(nil)

// Metrics records bridge events as OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	received    metric.Int64Counter
	forwarded   metric.Int64Counter
	rateLimited metric.Int64Counter
	failed      metric.Int64Counter
	bytes       metric.Int64Counter

	messageSize     metric.Int64Histogram
	forwardDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	var err error

	m.received, err = m.meter.Int64Counter(
		"bridge.messages.received.total",
		metric.WithDescription("Messages received by a bridge from its source bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}

	m.forwarded, err = m.meter.Int64Counter(
		"bridge.messages.forwarded.total",
		metric.WithDescription("Messages published to the destination bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded counter: %w", err)
	}

	m.rateLimited, err = m.meter.Int64Counter(
		"bridge.messages.rate_limited.total",
		metric.WithDescription("Messages dropped by rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rateLimited counter: %w", err)
	}

	m.failed, err = m.meter.Int64Counter(
		"bridge.messages.failed.total",
		metric.WithDescription("Messages dropped by translation or publish failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.bytes, err = m.meter.Int64Counter(
		"bridge.bytes.forwarded.total",
		metric.WithDescription("Encoded payload bytes forwarded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytes counter: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"bridge.message.size.bytes",
		metric.WithDescription("Forwarded payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.forwardDuration, err = m.meter.Float64Histogram(
		"bridge.forward.duration.ms",
		metric.WithDescription("Time from receipt to publish in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwardDuration histogram: %w", err)
	}

	return m, nil
}

func attrs(name string, dir bridge.Direction) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("bridge", name),
		attribute.String("direction", string(dir)),
	)
}

// MessageReceived records a message arriving from the source bus.
func (m *Metrics) MessageReceived(name string, dir bridge.Direction) {
	m.received.Add(context.Background(), 1, attrs(name, dir))
}

// MessageForwarded records a successful publish.
func (m *Metrics) MessageForwarded(name string, dir bridge.Direction, size int, latency time.Duration) {
	ctx := context.Background()
	opt := attrs(name, dir)
	m.forwarded.Add(ctx, 1, opt)
	if size > 0 {
		m.bytes.Add(ctx, int64(size), opt)
		m.messageSize.Record(ctx, int64(size), opt)
	}
	m.forwardDuration.Record(ctx, float64(latency)/float64(time.Millisecond), opt)
}

// MessageRateLimited records a message dropped by a limiter.
func (m *Metrics) MessageRateLimited(name string, dir bridge.Direction) {
	m.rateLimited.Add(context.Background(), 1, attrs(name, dir))
}

// MessageFailed records a dropped message by failure kind.
func (m *Metrics) MessageFailed(name string, dir bridge.Direction, kind string) {
	m.failed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("bridge", name),
		attribute.String("direction", string(dir)),
		attribute.String("kind", kind),
	))
}

// ObservePublishBudget reports the publishes refused by the global budget of
// limits. It is read at collection time.
func (m *Metrics) ObservePublishBudget(limits *ratelimit.Manager) error {
	_, err := m.meter.Int64ObservableCounter(
		"bridge.publish_budget.rejected.total",
		metric.WithDescription("Remote publishes refused by the global publish budget"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(limits.Rejected()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create publish budget counter: %w", err)
	}
	return nil
}

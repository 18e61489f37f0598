package otelhelper

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("globe-chat")

// NewCounter returns an Int64Counter on the process meter. The global
// meter delegates once Init installs the real provider, so instruments
// may be created at package init time.
func NewCounter(name, description string) metric.Int64Counter {
	c, _ := meter.Int64Counter(name, metric.WithDescription(description))
	return c
}

// NewDurationHistogram returns a Float64Histogram measured in seconds.
func NewDurationHistogram(name, description string) metric.Float64Histogram {
	h, _ := meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
	)
	return h
}

// NewUpDownCounter returns an Int64UpDownCounter on the process meter,
// used for gauges that rise and fall with live resources.
func NewUpDownCounter(name, description string) metric.Int64UpDownCounter {
	c, _ := meter.Int64UpDownCounter(name, metric.WithDescription(description))
	return c
}

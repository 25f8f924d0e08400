// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline metrics using luxfi/metric
type Metrics struct {
	metricsInstance metrics.Metrics

	// Ingestion metrics
	EventsIngested  metrics.CounterVec
	EventsReplayed  metrics.Counter
	EventsRejected  metrics.CounterVec

	// Terminal outcomes
	TerminalStatus metrics.CounterVec
	FraudFlags     metrics.CounterVec

	// Store metrics
	SessionsActive metrics.Gauge
	ClicksOpen     metrics.Gauge
	ClicksExpired  metrics.Counter

	// Webhook metrics
	WebhooksDelivered metrics.Counter
	WebhooksDropped   metrics.Counter

	// Performance metrics
	PipelineDuration    metrics.Histogram
	AttributionDuration metrics.Histogram
}

// NewMetrics creates a new metrics instance using luxfi/metric
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("tracking")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.EventsIngested = metricsInstance.NewCounterVec(
		"events_ingested_total",
		"Total number of events ingested by type",
		[]string{"type"},
	)
	m.EventsReplayed = metricsInstance.NewCounter("events_replayed_total", "Total number of idempotent replays served")
	m.EventsRejected = metricsInstance.NewCounterVec(
		"events_rejected_total",
		"Total number of events rejected by error kind",
		[]string{"kind"},
	)

	m.TerminalStatus = metricsInstance.NewCounterVec(
		"events_terminal_total",
		"Total number of events reaching a terminal status",
		[]string{"status"},
	)
	m.FraudFlags = metricsInstance.NewCounterVec(
		"fraud_flags_total",
		"Total number of fraud flags raised by rule",
		[]string{"rule"},
	)

	m.SessionsActive = metricsInstance.NewGauge("sessions_active", "Number of live sessions")
	m.ClicksOpen = metricsInstance.NewGauge("clicks_open", "Number of open click windows")
	m.ClicksExpired = metricsInstance.NewCounter("clicks_expired_total", "Total number of clicks reaped after expiry")

	m.WebhooksDelivered = metricsInstance.NewCounter("webhooks_delivered_total", "Total webhook payloads delivered")
	m.WebhooksDropped = metricsInstance.NewCounter("webhooks_dropped_total", "Total webhook payloads dropped on full queue")

	m.PipelineDuration = metricsInstance.NewHistogram(
		"pipeline_duration_seconds",
		"Time to process one inbound event end to end",
		prometheus.DefBuckets,
	)
	m.AttributionDuration = metricsInstance.NewHistogram(
		"attribution_duration_seconds",
		"Time to resolve attribution for a conversion",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}

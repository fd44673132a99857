// Package metrics holds the Prometheus instruments of a layer process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the layer router
type Metrics struct {
	// Inbound traffic
	MessagesReceived *prometheus.CounterVec
	MessagesDeferred *prometheus.CounterVec

	// Gate outcomes
	Judgements  *prometheus.CounterVec
	Completions *prometheus.CounterVec

	// Outbound traffic
	MessagesRouted *prometheus.CounterVec
	DeadLetters    *prometheus.CounterVec
	Faults         *prometheus.CounterVec

	// Oracle
	OracleDuration *prometheus.HistogramVec

	// Layer state
	ProcessingEnabled prometheus.Gauge
	MissionActive     prometheus.Gauge
}

// New creates the metrics and registers them with reg.
// A nil reg falls back to the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_messages_received_total",
				Help: "Inbound messages received by the layer",
			},
			[]string{"bus"},
		),

		MessagesDeferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_messages_deferred_total",
				Help: "Inbound messages handed back to the broker while processing was disabled",
			},
			[]string{"bus"},
		),

		Judgements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_judgements_total",
				Help: "Judgement gate outcomes",
			},
			[]string{"bus", "verdict", "parsed"}, // parsed: true, false (policy default applied)
		),

		Completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_completions_total",
				Help: "Completion gate outcomes",
			},
			[]string{"status", "parsed"},
		),

		MessagesRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_messages_routed_total",
				Help: "Outbound messages published by the router",
			},
			[]string{"source", "destination"},
		),

		DeadLetters: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_dead_letters_total",
				Help: "Inbound messages diverted to the dead-letter queue",
			},
			[]string{"bus"},
		),

		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ace_layer_faults_total",
				Help: "Oracle and publish faults at the handler boundary",
			},
			[]string{"bus", "kind"}, // kind: oracle, publish
		),

		OracleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ace_layer_oracle_duration_seconds",
				Help:    "Latency of oracle completions",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"}, // outcome: ok, error
		),

		ProcessingEnabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "ace_layer_processing_enabled",
			Help: "Whether the layer is currently processing messages (1) or paused (0)",
		}),

		MissionActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ace_layer_mission_active",
			Help: "Whether the layer currently holds a mission",
		}),
	}
}

// RecordJudgement records a judgement gate result on a bus.
func (m *Metrics) RecordJudgement(bus, verdict string, parsed bool) {
	m.Judgements.WithLabelValues(bus, verdict, boolLabel(parsed)).Inc()
}

// RecordCompletion records a completion gate result.
func (m *Metrics) RecordCompletion(status string, parsed bool) {
	m.Completions.WithLabelValues(status, boolLabel(parsed)).Inc()
}

// RecordRouted records one outbound publish.
func (m *Metrics) RecordRouted(source, destination string) {
	m.MessagesRouted.WithLabelValues(source, destination).Inc()
}

// RecordFault records an oracle or publish fault.
func (m *Metrics) RecordFault(bus, kind string) {
	m.Faults.WithLabelValues(bus, kind).Inc()
}

// RecordOracleCall observes an oracle completion latency.
func (m *Metrics) RecordOracleCall(seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.OracleDuration.WithLabelValues(outcome).Observe(seconds)
}

// SetProcessing updates the processing gauge
func (m *Metrics) SetProcessing(enabled bool) {
	m.ProcessingEnabled.Set(boolValue(enabled))
}

// SetMissionActive updates the mission gauge
func (m *Metrics) SetMissionActive(active bool) {
	m.MissionActive.Set(boolValue(active))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolValue(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

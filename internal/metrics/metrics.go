package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_assignments_total",
			Help: "Assignment attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_transitions_total",
			Help: "Applied complaint state transitions",
		},
		[]string{"action"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_sla_escalations_total",
			Help: "SLA escalation checkpoints recorded",
		},
		[]string{"target"},
	)

	ExtensionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complaint_sla_extensions_total",
			Help: "SLA extension requests by decision",
		},
		[]string{"decision"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sla_sweep_duration_seconds",
			Help: "Duration of one SLA sweep",
		},
	)

	OpenComplaints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "complaints_open",
			Help: "Open complaints by SLA alert level, as of the last sweep",
		},
		[]string{"alert_level"},
	)

	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_requests_total",
			Help: "Address lookups by outcome",
		},
		[]string{"outcome"},
	)
)

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "incidents_total",
			Help:      "Incidents processed to a terminal status, partitioned by outcome.",
		},
		[]string{"status"},
	)

	incidentDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "halcyon",
			Name:      "incident_seconds",
			Help:      "Wall-clock time from workflow start to terminal status.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 28800},
		},
	)

	collectorDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "halcyon",
			Name:      "collector_seconds",
			Help:      "Evidence collector duration.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"collector", "outcome"},
	)

	policyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "policy_decisions_total",
			Help:      "Policy gate decisions by verdict.",
		},
		[]string{"verdict"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "executions_total",
			Help:      "Remediation executions by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcyon",
			Name:      "verifications_total",
			Help:      "Post-remediation verifications by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches halcyon collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		incidentDurationSeconds,
		collectorDurationSeconds,
		policyDecisionsTotal,
		executionsTotal,
		verificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncident records a terminal incident and its duration.
func ObserveIncident(duration time.Duration, status string) {
	incidentsTotal.WithLabelValues(status).Inc()
	if duration < 0 {
		duration = 0
	}
	incidentDurationSeconds.Observe(duration.Seconds())
}

// ObserveCollector records one collector run.
func ObserveCollector(name string, duration time.Duration, ok bool) {
	collectorDurationSeconds.WithLabelValues(name, outcomeLabel(ok)).Observe(duration.Seconds())
}

// ObservePolicyDecision counts a gate verdict.
func ObservePolicyDecision(verdict string) {
	policyDecisionsTotal.WithLabelValues(verdict).Inc()
}

// ObserveExecution counts a remediation execution.
func ObserveExecution(actionType string, ok bool) {
	executionsTotal.WithLabelValues(actionType, outcomeLabel(ok)).Inc()
}

// ObserveVerification counts a verification outcome.
func ObserveVerification(ok bool) {
	verificationsTotal.WithLabelValues(outcomeLabel(ok)).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

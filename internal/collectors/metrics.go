package collectors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

// metricQuery is one member of the fixed PromQL family evaluated per incident.
type metricQuery struct {
	name      string
	template  string
	anomalous func(v float64) bool
	strength  func(v float64) float64
}

// Query templates substitute {{namespace}} and {{pod}} (service prefix or .*).
var metricQueries = []metricQuery{
	{
		name:      "restart_count_delta",
		template:  `sum(increase(kube_pod_container_status_restarts_total{namespace="{{namespace}}", pod=~"{{pod}}.*"}[15m]))`,
		anomalous: func(v float64) bool { return v > 2 },
		strength: func(v float64) float64 {
			switch {
			case v > 5:
				return SignalHighRestart
			case v > 0:
				return SignalDefault
			}
			return SignalInformational
		},
	},
	{
		name:      "memory_usage_ratio",
		template:  `max(container_memory_working_set_bytes{namespace="{{namespace}}", pod=~"{{pod}}.*"} / on(pod, container) container_spec_memory_limit_bytes{namespace="{{namespace}}", pod=~"{{pod}}.*"})`,
		anomalous: func(v float64) bool { return v >= 0.9 },
		strength: func(v float64) float64 {
			switch {
			case v >= 0.95:
				return SignalTerminal
			case v >= 0.9:
				return SignalHighRestart
			case v >= 0.8:
				return SignalDefault
			}
			return SignalInformational
		},
	},
	{
		name:      "cpu_throttle_rate",
		template:  `sum(rate(container_cpu_cfs_throttled_periods_total{namespace="{{namespace}}", pod=~"{{pod}}.*"}[5m])) / sum(rate(container_cpu_cfs_periods_total{namespace="{{namespace}}", pod=~"{{pod}}.*"}[5m]))`,
		anomalous: func(v float64) bool { return v > 0.5 },
		strength: func(v float64) float64 {
			switch {
			case v > 0.5:
				return SignalHighRestart
			case v > 0.1:
				return SignalDefault
			}
			return SignalInformational
		},
	},
	{
		name:      "http_5xx_rate",
		template:  `sum(rate(http_requests_total{namespace="{{namespace}}", pod=~"{{pod}}.*", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{{namespace}}", pod=~"{{pod}}.*"}[5m]))`,
		anomalous: func(v float64) bool { return v > 0.05 },
		strength: func(v float64) float64 {
			switch {
			case v > 0.1:
				return SignalHighRestart
			case v > 0.01:
				return SignalDefault
			}
			return SignalInformational
		},
	},
	{
		name:      "p99_latency",
		template:  `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace="{{namespace}}", pod=~"{{pod}}.*"}[5m])) by (le))`,
		anomalous: func(v float64) bool { return v > 1 },
		strength: func(v float64) float64 {
			switch {
			case v > 5:
				return SignalHighRestart
			case v > 1:
				return SignalDefault
			}
			return SignalInformational
		},
	},
	{
		name:      "hpa_utilization",
		template:  `max(kube_horizontalpodautoscaler_status_current_replicas{namespace="{{namespace}}"} / kube_horizontalpodautoscaler_spec_max_replicas{namespace="{{namespace}}"})`,
		anomalous: func(v float64) bool { return v >= 1 },
		strength: func(v float64) float64 {
			if v >= 1 {
				return SignalHighRestart
			}
			return SignalInformational
		},
	},
}

// MetricsCollector evaluates the fixed PromQL family over the window.
type MetricsCollector struct {
	backend repo.MetricsBackend
	logger  *slog.Logger
}

// NewMetricsCollector constructs a metrics collector.
func NewMetricsCollector(backend repo.MetricsBackend, logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsCollector{backend: backend, logger: logger}
}

// Name implements Collector.
func (c *MetricsCollector) Name() string { return string(models.SourceMetrics) }

// Collect emits one metric_sample evidence record per query that returns data.
func (c *MetricsCollector) Collect(ctx context.Context, inc models.Incident, window models.TimeWindow) (Result, error) {
	res := Result{Collector: c.Name()}
	pod := inc.Service
	if pod == "" {
		pod = ".*"
	}

	for _, q := range metricQueries {
		if ctx.Err() != nil {
			markPartial(&res)
			return res, nil
		}
		query := strings.ReplaceAll(q.template, "{{namespace}}", inc.Namespace)
		query = strings.ReplaceAll(query, "{{pod}}", pod)

		points, err := c.backend.QueryRange(ctx, query, window.Start, window.End, rangeStep(window))
		if err != nil {
			if ctx.Err() != nil {
				markPartial(&res)
				return res, nil
			}
			if !errors.Is(err, repo.ErrNoSamples) {
				res.Errs = append(res.Errs, fmt.Sprintf("%s: %v", q.name, err))
			}
			continue
		}
		if len(points) == 0 {
			continue
		}

		current := points[len(points)-1].Value
		maxVal, sum := current, 0.0
		for _, p := range points {
			if p.Value > maxVal {
				maxVal = p.Value
			}
			sum += p.Value
		}
		data := models.MetricSampleData{
			QueryName:    q.name,
			Query:        query,
			CurrentValue: current,
			MaxValue:     maxVal,
			AvgValue:     sum / float64(len(points)),
			Anomalous:    q.anomalous(current),
		}

		summary := fmt.Sprintf("%s: current=%.3f max=%.3f", q.name, current, maxVal)
		ev, err := newEvidence(inc, window, models.EvidenceMetricSample, models.SourceMetrics, q.name, data, q.strength(current), summary)
		if err != nil {
			return res, err
		}
		res.Evidence = append(res.Evidence, ev)
	}
	return res, nil
}

func rangeStep(window models.TimeWindow) time.Duration {
	span := window.End.Sub(window.Start)
	step := span / 100
	if step < 15*time.Second {
		step = 15 * time.Second
	}
	return step
}

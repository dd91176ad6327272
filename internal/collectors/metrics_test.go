package collectors

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

type fakeMetricsBackend struct {
	// values maps a substring of the PromQL query text to the latest value of
// the series returned for matching queries.
	values map[string]float64
}

func (f *fakeMetricsBackend) Query(ctx context.Context, query string, at time.Time) (float64, error) {
	for needle, v := range f.values {
		if strings.Contains(query, needle) {
			return v, nil
		}
	}
	return 0, repo.ErrNoSamples
}

func (f *fakeMetricsBackend) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]repo.MetricPoint, error) {
	for needle, v := range f.values {
		if strings.Contains(query, needle) {
			return []repo.MetricPoint{
				{Timestamp: start, Value: v / 2},
				{Timestamp: end, Value: v},
			}, nil
		}
	}
	return nil, nil
}

func TestMetricsCollectorEmitsPerQueryEvidence(t *testing.T) {
	backend := &fakeMetricsBackend{values: map[string]float64{
		"container_memory_working_set_bytes":              0.97,
		"kube_pod_container_status_restarts_total":        6,
		"http_request_duration_seconds_bucket":            2.2,
		"kube_horizontalpodautoscaler_status_current_replicas": 1,
	}}
	collector := NewMetricsCollector(backend, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	byName := map[string]models.MetricSampleData{}
	for _, ev := range res.Evidence {
		if ev.EvidenceType != models.EvidenceMetricSample {
			t.Fatalf("unexpected evidence type %s", ev.EvidenceType)
		}
		var data models.MetricSampleData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("decode: %v", err)
		}
		byName[data.QueryName] = data
	}

	mem, ok := byName["memory_usage_ratio"]
	if !ok {
		t.Fatalf("memory_usage_ratio missing: %+v", byName)
	}
	if !mem.Anomalous || mem.CurrentValue != 0.97 {
		t.Errorf("memory sample = %+v", mem)
	}
	if restarts, ok := byName["restart_count_delta"]; !ok || !restarts.Anomalous {
		t.Errorf("restart sample = %+v", restarts)
	}
	if hpa, ok := byName["hpa_utilization"]; !ok || !hpa.Anomalous {
		t.Errorf("hpa sample = %+v", hpa)
	}
	if _, ok := byName["http_5xx_rate"]; ok {
		t.Errorf("query with no samples must emit no evidence")
	}
}

func TestMetricsCollectorSignalStrengths(t *testing.T) {
	backend := &fakeMetricsBackend{values: map[string]float64{
		"container_memory_working_set_bytes": 0.97,
	}}
	collector := NewMetricsCollector(backend, nil)

	res, err := collector.Collect(context.Background(), testIncident(), testWindow())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(res.Evidence) != 1 {
		t.Fatalf("expected one record, got %d", len(res.Evidence))
	}
	if res.Evidence[0].SignalStrength != SignalTerminal {
		t.Errorf("memory at 0.97 should be terminal signal, got %v", res.Evidence[0].SignalStrength)
	}
}

func TestMetricsCollectorSubstitutesSelector(t *testing.T) {
	var captured []string
	backend := &capturingBackend{capture: &captured}
	collector := NewMetricsCollector(backend, nil)

	if _, err := collector.Collect(context.Background(), testIncident(), testWindow()); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, q := range captured {
		if strings.Contains(q, "{{namespace}}") || strings.Contains(q, "{{pod}}") {
			t.Fatalf("template variables not substituted: %s", q)
		}
	}
	joined := strings.Join(captured, "\n")
	if !strings.Contains(joined, `namespace="payments"`) {
		t.Errorf("namespace selector missing")
	}
	if !strings.Contains(joined, `pod=~"api.*"`) {
		t.Errorf("service pod prefix missing")
	}
}

type capturingBackend struct {
	capture *[]string
}

func (c *capturingBackend) Query(ctx context.Context, query string, at time.Time) (float64, error) {
	*c.capture = append(*c.capture, query)
	return 0, repo.ErrNoSamples
}

func (c *capturingBackend) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]repo.MetricPoint, error) {
	*c.capture = append(*c.capture, query)
	return nil, nil
}

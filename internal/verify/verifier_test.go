package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

type fakeMetrics struct {
	errorRate    float64
	latency      float64
	restartDelta float64
}

func (f *fakeMetrics) Query(ctx context.Context, query string, at time.Time) (float64, error) {
	switch {
	case strings.Contains(query, "http_requests_total"):
		return f.errorRate, nil
	case strings.Contains(query, "http_request_duration_seconds_bucket"):
		return f.latency, nil
	case strings.Contains(query, "kube_pod_container_status_restarts_total"):
		return f.restartDelta, nil
	}
	return 0, repo.ErrNoSamples
}

func (f *fakeMetrics) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]repo.MetricPoint, error) {
	return nil, nil
}

func readyPod(name string, ready bool) *corev1.Pod {
	status := corev1.ConditionTrue
	if !ready {
		status = corev1.ConditionFalse
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "payments",
			Labels:    map[string]string{"app": "api"},
		},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
		},
	}
}

func incident() models.Incident {
	return models.Incident{ID: "inc-1", Namespace: "payments", Service: "api"}
}

func action() models.RemediationAction {
	return models.RemediationAction{ID: "act-1", IncidentID: "inc-1"}
}

func TestVerifySuccess(t *testing.T) {
	metrics := &fakeMetrics{errorRate: 0.02, restartDelta: 0}
	client := fake.NewSimpleClientset(readyPod("api-1", true), readyPod("api-2", true))
	v := New(metrics, client, 0.5, nil)

	before := Snapshot{ErrorRate: 0.2}
	result, err := v.Verify(context.Background(), incident(), action(), before)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Success || !result.MetricsImproved {
		t.Fatalf("result = %+v", result)
	}
	if result.PodsReadyRatio != 1 {
		t.Errorf("ready ratio = %v", result.PodsReadyRatio)
	}
	if result.ErrorRateBefore != 0.2 || result.ErrorRateAfter != 0.02 {
		t.Errorf("rates not recorded: %+v", result)
	}
}

func TestVerifyFailsOnRestarts(t *testing.T) {
	metrics := &fakeMetrics{errorRate: 0.001, restartDelta: 2}
	client := fake.NewSimpleClientset(readyPod("api-1", true))
	v := New(metrics, client, 0.5, nil)

	result, err := v.Verify(context.Background(), incident(), action(), Snapshot{ErrorRate: 0.2})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Success {
		t.Fatalf("restarting pods must fail verification")
	}
	if !result.MetricsImproved {
		t.Errorf("error rate did improve")
	}
}

func TestVerifyFailsOnUnreadyPods(t *testing.T) {
	metrics := &fakeMetrics{errorRate: 0.001}
	client := fake.NewSimpleClientset(
		readyPod("api-1", true),
		readyPod("api-2", false),
	)
	v := New(metrics, client, 0.5, nil)

	result, err := v.Verify(context.Background(), incident(), action(), Snapshot{ErrorRate: 0.2})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// 1 of 2 ready is below the 0.9 floor.
	if result.Success {
		t.Fatalf("unready pods must fail verification")
	}
}

func TestVerifyAbsoluteErrorFloor(t *testing.T) {
	// Error rate did not halve, but it sits below the absolute floor.
	metrics := &fakeMetrics{errorRate: 0.009}
	client := fake.NewSimpleClientset(readyPod("api-1", true))
	v := New(metrics, client, 0.5, nil)

	result, err := v.Verify(context.Background(), incident(), action(), Snapshot{ErrorRate: 0.012})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Success {
		t.Fatalf("error rate below floor should verify: %+v", result)
	}
}

func TestSnapshotWithZeroValuedBackend(t *testing.T) {
	v := New(&fakeMetrics{}, fake.NewSimpleClientset(), 0.5, nil)
	snap, err := v.Snapshot(context.Background(), incident())
	if err != nil {
		t.Fatalf("snapshot with empty backend: %v", err)
	}
	if snap.ErrorRate != 0 || snap.RestartDelta != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

// Package verify confirms a remediation's effect by comparing pre/post
// metrics and pod readiness.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/google/uuid"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/repo"
)

const (
	defaultImprovementRatio = 0.5
	absoluteErrRateFloor    = 0.01
	readyRatioFloor         = 0.9
)

// Snapshot captures the metric state on one side of a remediation.
type Snapshot struct {
	ErrorRate    float64
	LatencyP99   float64
	RestartDelta float64
	TakenAt      time.Time
}

// Verifier re-queries metrics after an action and decides whether the
// incident recovered. Results are advisory; the workflow owns the status
// transition.
type Verifier struct {
	metrics          repo.MetricsBackend
	client           kubernetes.Interface
	improvementRatio float64
	logger           *slog.Logger
}

// New constructs a Verifier. improvementRatio is the required post/pre
// error-rate factor (default 0.5).
func New(metrics repo.MetricsBackend, client kubernetes.Interface, improvementRatio float64, logger *slog.Logger) *Verifier {
	if improvementRatio <= 0 || improvementRatio >= 1 {
		improvementRatio = defaultImprovementRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{metrics: metrics, client: client, improvementRatio: improvementRatio, logger: logger}
}

// Snapshot reads the current error rate, latency, and restart delta for the
// incident's workload.
func (v *Verifier) Snapshot(ctx context.Context, inc models.Incident) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now().UTC()}
	pod := inc.Service
	if pod == "" {
		pod = ".*"
	}

	queries := []struct {
		dst  *float64
		expr string
	}{
		{&snap.ErrorRate, fmt.Sprintf(
			`sum(rate(http_requests_total{namespace=%q, pod=~"%s.*", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace=%q, pod=~"%s.*"}[5m]))`,
			inc.Namespace, pod, inc.Namespace, pod)},
		{&snap.LatencyP99, fmt.Sprintf(
			`histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace=%q, pod=~"%s.*"}[5m])) by (le))`,
			inc.Namespace, pod)},
		{&snap.RestartDelta, fmt.Sprintf(
			`sum(increase(kube_pod_container_status_restarts_total{namespace=%q, pod=~"%s.*"}[5m]))`,
			inc.Namespace, pod)},
	}
	for _, q := range queries {
		value, err := v.metrics.Query(ctx, q.expr, snap.TakenAt)
		if err != nil {
			if errors.Is(err, repo.ErrNoSamples) {
				continue
			}
			return snap, fmt.Errorf("verification query: %w", err)
		}
		*q.dst = value
	}
	return snap, nil
}

// Verify compares the post-action snapshot against the pre-action one.
// success = (errAfter < errBefore×ratio ∨ errAfter < floor)
//         ∧ restartDeltaPost == 0 ∧ readyRatio ≥ 0.9.
func (v *Verifier) Verify(ctx context.Context, inc models.Incident, action models.RemediationAction, before Snapshot) (models.VerificationResult, error) {
	after, err := v.Snapshot(ctx, inc)
	if err != nil {
		return models.VerificationResult{}, err
	}

	readyRatio, err := v.podsReadyRatio(ctx, inc)
	if err != nil {
		return models.VerificationResult{}, err
	}

	errorsImproved := after.ErrorRate < before.ErrorRate*v.improvementRatio || after.ErrorRate < absoluteErrRateFloor
	restartsQuiet := after.RestartDelta == 0
	ready := readyRatio >= readyRatioFloor

	result := models.VerificationResult{
		ID:               uuid.NewString(),
		ActionID:         action.ID,
		IncidentID:       inc.ID,
		Success:          errorsImproved && restartsQuiet && ready,
		MetricsImproved:  errorsImproved,
		ErrorRateBefore:  before.ErrorRate,
		ErrorRateAfter:   after.ErrorRate,
		LatencyBefore:    before.LatencyP99,
		LatencyAfter:     after.LatencyP99,
		RestartDeltaPost: after.RestartDelta,
		PodsReadyRatio:   readyRatio,
		VerificationDetails: map[string]any{
			"errors_improved": errorsImproved,
			"restarts_quiet":  restartsQuiet,
			"pods_ready":      ready,
		},
		VerifiedAt: time.Now().UTC(),
	}

	v.logger.Info("verification complete",
		slog.String("incident_id", inc.ID),
		slog.String("action_id", action.ID),
		slog.Bool("success", result.Success),
		slog.Float64("error_rate_before", before.ErrorRate),
		slog.Float64("error_rate_after", after.ErrorRate),
		slog.Float64("ready_ratio", readyRatio))
	return result, nil
}

func (v *Verifier) podsReadyRatio(ctx context.Context, inc models.Incident) (float64, error) {
	selector := ""
	if inc.Service != "" {
		selector = "app=" + inc.Service
	}
	pods, err := v.client.CoreV1().Pods(inc.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return 0, fmt.Errorf("list pods for verification: %w", err)
	}
	if len(pods.Items) == 0 {
		return 0, nil
	}
	ready := 0
	for i := range pods.Items {
		if podReady(&pods.Items[i]) {
			ready++
		}
	}
	return float64(ready) / float64(len(pods.Items)), nil
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status != corev1.ConditionTrue {
			return false
		}
	}
	return true
}

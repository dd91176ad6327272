// Package executor performs remediation actions against the cluster.
// Actions are idempotent in observable effect; replaying an idempotency key
// returns the cached result without a cluster call.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	appsv1 "k8s.io/api/apps/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/store"
)

const (
	restartedAtAnnotation = "halcyon.io/restartedAt"
	revisionAnnotation    = "deployment.kubernetes.io/revision"

	maxAttempts    = 4
	attemptTimeout = 60 * time.Second
	overallTimeout = 5 * time.Minute
)

// Executor runs remediation actions with retries, a per-target lease, and
// idempotency-key replay through the store.
type Executor struct {
	client kubernetes.Interface
	store  store.Store
	logger *slog.Logger
}

// New constructs an Executor.
func New(client kubernetes.Interface, st store.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, store: st, logger: logger}
}

// IdempotencyKey derives the replay key (incident, action, target,
// parameters hash).
func IdempotencyKey(incidentID string, actionType models.ActionType, target string, params map[string]any) string {
	h := sha256.New()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, params[k])
	}
	return fmt.Sprintf("%s_%s_%s_%s", incidentID, actionType, target, hex.EncodeToString(h.Sum(nil))[:12])
}

// Execute performs the action. A previously executed idempotency key
// returns the prior record's result with no new cluster call. The
// (namespace, target) lease serializes concurrent actions per target.
func (e *Executor) Execute(ctx context.Context, action models.RemediationAction) (models.ExecutionResult, error) {
	if prior, err := e.store.ActionByIdempotencyKey(ctx, action.IdempotencyKey); err == nil &&
		prior.ExecutionResult != nil {
		e.logger.Info("idempotent replay, returning cached result",
			slog.String("idempotency_key", action.IdempotencyKey),
			slog.String("prior_action_id", prior.ID))
		return *prior.ExecutionResult, nil
	}

	acquired, err := e.store.AcquireLease(ctx, action.TargetNamespace, action.TargetResource, action.ID)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return models.ExecutionResult{}, models.NewFailure(models.FailureForbidden,
			fmt.Sprintf("target %s/%s has an action in flight", action.TargetNamespace, action.TargetResource), nil)
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), action.TargetNamespace, action.TargetResource, action.ID); err != nil {
			e.logger.Warn("release lease", slog.Any("error", err))
		}
	}()

	overallCtx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancelAttempt := context.WithTimeout(overallCtx, attemptTimeout)
		defer cancelAttempt()
		return e.perform(attemptCtx, action)
	}

	// 1s, 4s, 16s between attempts; permanent failures short-circuit.
	policy := backoff.WithContext(backoff.WithMaxRetries(&quadraticBackOff{base: time.Second}, uint64(maxAttempts-1)), overallCtx)
	err = backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("action attempt failed, retrying",
			slog.String("action_id", action.ID),
			slog.Int("attempt", attempts),
			slog.Any("error", err))
		return err
	}, policy)

	if err != nil {
		result := models.ExecutionResult{Success: false, Error: err.Error(), Attempts: attempts}
		return result, classify(err, overallCtx)
	}

	e.logger.Info("action executed",
		slog.String("action_id", action.ID),
		slog.String("action_type", string(action.ActionType)),
		slog.String("target", action.TargetNamespace+"/"+action.TargetResource),
		slog.Int("attempts", attempts))
	return models.ExecutionResult{
		Success: true,
		Detail: map[string]string{
			"action": string(action.ActionType),
			"target": action.TargetResource,
		},
		Attempts: attempts,
	}, nil
}

// quadraticBackOff yields 1s, 4s, 16s.
type quadraticBackOff struct {
	base time.Duration
	n    int
}

func (b *quadraticBackOff) NextBackOff() time.Duration {
	d := b.base
	for i := 0; i < b.n; i++ {
		d *= 4
	}
	b.n++
	return d
}

func (b *quadraticBackOff) Reset() { b.n = 0 }

func isPermanent(err error) bool {
	var failure *models.Failure
	if errors.As(err, &failure) {
		return true
	}
	return k8serrors.IsNotFound(err) || k8serrors.IsForbidden(err) || k8serrors.IsInvalid(err)
}

func classify(err error, ctx context.Context) error {
	var failure *models.Failure
	switch {
	case errors.As(err, &failure):
		return failure
	case k8serrors.IsNotFound(err):
		return models.NewFailure(models.FailureNotFound, "target not found", err)
	case k8serrors.IsForbidden(err):
		return models.NewFailure(models.FailureForbidden, "permission denied", err)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return models.NewFailure(models.FailureTimeout, "execution deadline exceeded", err)
	default:
		return models.NewFailure(models.FailureExhausted, "retries exhausted", err)
	}
}

func (e *Executor) perform(ctx context.Context, action models.RemediationAction) error {
	switch action.ActionType {
	case models.ActionRestartPod, models.ActionDeletePod:
		return e.deletePod(ctx, action)
	case models.ActionRestartDeployment:
		return e.restartDeployment(ctx, action)
	case models.ActionRollbackDeployment:
		return e.rollbackDeployment(ctx, action)
	case models.ActionScaleReplicas:
		return e.scaleReplicas(ctx, action)
	case models.ActionCordonNode:
		return e.cordonNode(ctx, action)
	default:
		return models.NewFailure(models.FailureForbidden, fmt.Sprintf("unsupported action type %s", action.ActionType), nil)
	}
}

// deletePod removes the pod; the owning controller recreates it. For
// restart_pod an already-absent pod counts as success, which keeps the
// operation idempotent; delete_pod on an absent pod returns NotFound.
func (e *Executor) deletePod(ctx context.Context, action models.RemediationAction) error {
	err := e.client.CoreV1().Pods(action.TargetNamespace).Delete(ctx, action.TargetResource, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) && action.ActionType == models.ActionRestartPod {
		// Restart semantics: the pod being gone is the desired state.
		return nil
	}
	return err
}

// restartDeployment patches the pod template with a restart annotation, the
// same mechanism kubectl rollout restart uses. Re-patching with the same
// timestamp is a no-op.
func (e *Executor) restartDeployment(ctx context.Context, action models.RemediationAction) error {
	stamp, _ := action.Parameters["restarted_at"].(string)
	if stamp == "" {
		stamp = time.Now().UTC().Format(time.RFC3339)
	}
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartedAtAnnotation, stamp)
	_, err := e.client.AppsV1().Deployments(action.TargetNamespace).Patch(
		ctx, action.TargetResource, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	return err
}

// rollbackDeployment re-applies the prior ReplicaSet's pod template. When
// the deployment already runs that template the update is a no-op.
func (e *Executor) rollbackDeployment(ctx context.Context, action models.RemediationAction) error {
	deploy, err := e.client.AppsV1().Deployments(action.TargetNamespace).Get(ctx, action.TargetResource, metav1.GetOptions{})
	if err != nil {
		return err
	}

	selector := metav1.FormatLabelSelector(deploy.Spec.Selector)
	rsList, err := e.client.AppsV1().ReplicaSets(action.TargetNamespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return err
	}

	owned := make([]appsv1.ReplicaSet, 0, len(rsList.Items))
	for _, rs := range rsList.Items {
		for _, owner := range rs.OwnerReferences {
			if owner.Kind == "Deployment" && owner.Name == deploy.Name {
				owned = append(owned, rs)
				break
			}
		}
	}
	if len(owned) < 2 {
		return models.NewFailure(models.FailureNotFound, "no previous revision available", nil)
	}
	sort.Slice(owned, func(i, j int) bool { return rsRevision(&owned[i]) > rsRevision(&owned[j]) })

	prior := owned[1]
	deploy.Spec.Template = prior.Spec.Template
	_, err = e.client.AppsV1().Deployments(action.TargetNamespace).Update(ctx, deploy, metav1.UpdateOptions{})
	return err
}

func rsRevision(rs *appsv1.ReplicaSet) int64 {
	rev, err := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

// scaleReplicas sets the replica count; absent an explicit count it scales
// up by one from the current spec.
func (e *Executor) scaleReplicas(ctx context.Context, action models.RemediationAction) error {
	replicas, ok := numericParam(action.Parameters, "replicas")
	if !ok {
		deploy, err := e.client.AppsV1().Deployments(action.TargetNamespace).Get(ctx, action.TargetResource, metav1.GetOptions{})
		if err != nil {
			return err
		}
		current := int32(1)
		if deploy.Spec.Replicas != nil {
			current = *deploy.Spec.Replicas
		}
		replicas = current + 1
	}
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := e.client.AppsV1().Deployments(action.TargetNamespace).Patch(
		ctx, action.TargetResource, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	return err
}

func numericParam(params map[string]any, key string) (int32, bool) {
	switch v := params[key].(type) {
	case int:
		return int32(v), true
	case int32:
		return v, true
	case int64:
		return int32(v), true
	case float64:
		return int32(v), true
	case json.Number:
		n, err := v.Int64()
		return int32(n), err == nil
	default:
		return 0, false
	}
}

// cordonNode marks the node unschedulable; re-cordoning is a no-op.
func (e *Executor) cordonNode(ctx context.Context, action models.RemediationAction) error {
	patch := []byte(`{"spec":{"unschedulable":true}}`)
	_, err := e.client.CoreV1().Nodes().Patch(ctx, action.TargetResource, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	return err
}

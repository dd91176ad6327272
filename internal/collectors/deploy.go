package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/halcyonops/halcyon/internal/graph"
	"github.com/halcyonops/halcyon/internal/models"
)

const revisionAnnotation = "deployment.kubernetes.io/revision"

// DeployCollector inspects rollout history for the affected workloads and
// diffs the current ReplicaSet against the prior one.
type DeployCollector struct {
	client   kubernetes.Interface
	lookback time.Duration
	logger   *slog.Logger
}

// NewDeployCollector constructs a deploy-diff collector. Revisions created
// within lookback of collection are flagged as recent changes.
func NewDeployCollector(client kubernetes.Interface, lookback time.Duration, logger *slog.Logger) *DeployCollector {
	if lookback <= 0 {
		lookback = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeployCollector{client: client, lookback: lookback, logger: logger}
}

// Name implements Collector.
func (c *DeployCollector) Name() string { return string(models.SourceDeploy) }

// Collect emits one deploy_history evidence record per matching deployment.
func (c *DeployCollector) Collect(ctx context.Context, inc models.Incident, window models.TimeWindow) (Result, error) {
	res := Result{Collector: c.Name()}

	deploys, err := c.client.AppsV1().Deployments(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		if ctx.Err() != nil {
			markPartial(&res)
			return res, nil
		}
		res.Errs = append(res.Errs, fmt.Sprintf("list deployments: %v", err))
		return res, nil
	}

	for i := range deploys.Items {
		if ctx.Err() != nil {
			markPartial(&res)
			return res, nil
		}
		deploy := &deploys.Items[i]
		if inc.Service != "" && !strings.Contains(deploy.Name, inc.Service) {
			continue
		}
		if err := c.collectDeployment(ctx, inc, window, deploy, &res); err != nil {
			res.Errs = append(res.Errs, fmt.Sprintf("%s: %v", deploy.Name, err))
		}
	}
	return res, nil
}

func (c *DeployCollector) collectDeployment(ctx context.Context, inc models.Incident, window models.TimeWindow, deploy *appsv1.Deployment, res *Result) error {
	history, err := c.replicaSetHistory(ctx, inc.Namespace, deploy)
	if err != nil {
		return err
	}

	replicas := int32(1)
	if deploy.Spec.Replicas != nil {
		replicas = *deploy.Spec.Replicas
	}
	data := models.DeployHistoryData{
		DeploymentName:  deploy.Name,
		CurrentRevision: deploy.Annotations[revisionAnnotation],
		Replicas:        replicas,
	}

	if len(history) > 0 {
		current := history[0]
		data.CurrentImages = containerImages(&current.Spec.Template)
		if ts := current.CreationTimestamp; !ts.IsZero() {
			t := ts.Time
			data.ChangedAt = &t
			age := time.Since(t)
			if age <= c.lookback {
				data.RecentChange = true
				data.ChangeAge = age.Round(time.Second).String()
			}
		}
		if len(history) > 1 {
			prior := history[1]
			data.PriorImages = containerImages(&prior.Spec.Template)
			data.ImageChanged = !equalStrings(data.CurrentImages, data.PriorImages)
			data.ConfigChanged = current.Labels["pod-template-hash"] != prior.Labels["pod-template-hash"]
		}
	}

	strength := SignalInformational
	summary := fmt.Sprintf("Deployment %s: revision %s", deploy.Name, data.CurrentRevision)
	if data.RecentChange {
		strength = SignalDeployCorrelate
		summary += fmt.Sprintf(" (changed %s ago)", data.ChangeAge)
	}

	ev, err := newEvidence(inc, window, models.EvidenceDeployHistory, models.SourceDeploy, deploy.Name, data, strength, summary)
	if err != nil {
		return err
	}
	res.Evidence = append(res.Evidence, ev)

	deployKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "Deployment", Name: deploy.Name}
	res.Entities = append(res.Entities, Entity{Key: deployKey, Attrs: map[string]any{
		"revision":      data.CurrentRevision,
		"recent_change": data.RecentChange,
		"images":        data.CurrentImages,
	}})
	res.Relations = append(res.Relations, Relation{From: graph.IncidentNodeID(inc.ID), To: deployKey.String(), Rel: graph.RelAffects})
	return nil
}

// replicaSetHistory returns the deployment's ReplicaSets sorted by revision,
// newest first.
func (c *DeployCollector) replicaSetHistory(ctx context.Context, namespace string, deploy *appsv1.Deployment) ([]appsv1.ReplicaSet, error) {
	selector := metav1.FormatLabelSelector(deploy.Spec.Selector)
	rsList, err := c.client.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list replicasets: %w", err)
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
	sort.Slice(owned, func(i, j int) bool {
		return rsRevision(&owned[i]) > rsRevision(&owned[j])
	})
	return owned, nil
}

func rsRevision(rs *appsv1.ReplicaSet) int64 {
	rev, err := strconv.ParseInt(rs.Annotations[revisionAnnotation], 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

func containerImages(template *corev1.PodTemplateSpec) []string {
	images := make([]string, 0, len(template.Spec.Containers))
	for _, container := range template.Spec.Containers {
		images = append(images, container.Image)
	}
	sort.Strings(images)
	return images
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

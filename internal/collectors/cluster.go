package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/halcyonops/halcyon/internal/graph"
	"github.com/halcyonops/halcyon/internal/models"
)

// Container states that identify a fault on their own.
var terminalWaitingReasons = map[string]struct{}{
	"CrashLoopBackOff":           {},
	"ImagePullBackOff":           {},
	"ErrImagePull":               {},
	"CreateContainerConfigError": {},
}

// Cluster events worth recording as evidence.
var interestingEventReasons = map[string]struct{}{
	"FailedScheduling": {},
	"BackOff":          {},
	"Unhealthy":        {},
	"FailedMount":      {},
}

const highRestartThreshold = 5

// ClusterCollector reads pod, deployment, node, HPA, and event state from
// the cluster API.
type ClusterCollector struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// NewClusterCollector constructs a cluster-state collector.
func NewClusterCollector(client kubernetes.Interface, logger *slog.Logger) *ClusterCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterCollector{client: client, logger: logger}
}

// Name implements Collector.
func (c *ClusterCollector) Name() string { return string(models.SourceK8s) }

// Collect gathers cluster-state evidence. Section failures are swallowed
// into Result.Errs; a deadline mid-run returns the partial set flagged.
func (c *ClusterCollector) Collect(ctx context.Context, inc models.Incident, window models.TimeWindow) (Result, error) {
	res := Result{Collector: c.Name()}

	sections := []struct {
		name string
		fn   func(context.Context, models.Incident, models.TimeWindow, *Result) error
	}{
		{"pods", c.collectPods},
		{"deployments", c.collectDeployments},
		{"nodes", c.collectNodes},
		{"hpas", c.collectHPAs},
		{"events", c.collectEvents},
	}

	for _, section := range sections {
		if ctx.Err() != nil {
			markPartial(&res)
			return res, nil
		}
		if err := section.fn(ctx, inc, window, &res); err != nil {
			if ctx.Err() != nil {
				markPartial(&res)
				return res, nil
			}
			c.logger.Warn("cluster section failed",
				slog.String("section", section.name),
				slog.String("incident_id", inc.ID),
				slog.Any("error", err))
			res.Errs = append(res.Errs, fmt.Sprintf("%s: %v", section.name, err))
		}
	}
	return res, nil
}

func serviceSelector(inc models.Incident) string {
	if inc.Service == "" {
		return ""
	}
	return "app=" + inc.Service
}

func (c *ClusterCollector) collectPods(ctx context.Context, inc models.Incident, window models.TimeWindow, res *Result) error {
	pods, err := c.client.CoreV1().Pods(inc.Namespace).List(ctx, metav1.ListOptions{LabelSelector: serviceSelector(inc)})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		data := podState(pod)

		strength := podSignalStrength(data)
		summary := fmt.Sprintf("Pod %s: %s", data.Name, data.Phase)
		if data.WaitingReason != "" {
			summary += fmt.Sprintf(" (waiting: %s)", data.WaitingReason)
		}
		if data.RestartCount > 0 {
			summary += fmt.Sprintf(", %d restarts", data.RestartCount)
		}

		ev, err := newEvidence(inc, window, models.EvidencePodState, models.SourceK8s, data.Name, data, strength, summary)
		if err != nil {
			return err
		}
		res.Evidence = append(res.Evidence, ev)

		podKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "Pod", Name: data.Name}
		res.Entities = append(res.Entities, Entity{Key: podKey, Attrs: map[string]any{
			"phase":          data.Phase,
			"restart_count":  int(data.RestartCount),
			"waiting_reason": data.WaitingReason,
			"node_name":      data.NodeName,
		}})
		res.Relations = append(res.Relations, Relation{From: graph.IncidentNodeID(inc.ID), To: podKey.String(), Rel: graph.RelAffects})

		if data.NodeName != "" {
			nodeKey := graph.EntityKey{Cluster: inc.Cluster, Kind: "Node", Name: data.NodeName}
			res.Entities = append(res.Entities, Entity{Key: nodeKey, Attrs: map[string]any{"name": data.NodeName}})
			res.Relations = append(res.Relations, Relation{From: podKey.String(), To: nodeKey.String(), Rel: graph.RelScheduledOn})
		}
		if owner := deploymentOwner(pod); owner != "" {
			deployKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "Deployment", Name: owner}
			res.Entities = append(res.Entities, Entity{Key: deployKey, Attrs: map[string]any{"name": owner}})
			res.Relations = append(res.Relations, Relation{From: podKey.String(), To: deployKey.String(), Rel: graph.RelPartOf})
		}
	}
	return nil
}

func podState(pod *corev1.Pod) models.PodStateData {
	data := models.PodStateData{
		Name:      pod.Name,
		Namespace: pod.Namespace,
		Phase:     string(pod.Status.Phase),
		NodeName:  pod.Spec.NodeName,
		Labels:    pod.Labels,
	}
	if ts := pod.CreationTimestamp; !ts.IsZero() {
		t := ts.Time
		data.CreatedAt = &t
	}
	ready := true
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status != corev1.ConditionTrue {
			ready = false
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		data.RestartCount += cs.RestartCount
		if !cs.Ready {
			ready = false
		}
		if cs.State.Waiting != nil && data.WaitingReason == "" {
			data.WaitingReason = cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && data.TerminatedReason == "" {
			data.TerminatedReason = cs.State.Terminated.Reason
		}
		if cs.LastTerminationState.Terminated != nil && data.TerminatedReason == "" {
			data.TerminatedReason = cs.LastTerminationState.Terminated.Reason
		}
	}
	data.Ready = ready && data.Phase == string(corev1.PodRunning)
	return data
}

func podSignalStrength(data models.PodStateData) float64 {
	if _, ok := terminalWaitingReasons[data.WaitingReason]; ok {
		return SignalTerminal
	}
	if data.TerminatedReason == "OOMKilled" {
		return SignalTerminal
	}
	if data.RestartCount > highRestartThreshold {
		return SignalHighRestart
	}
	if data.Phase != string(corev1.PodRunning) || !data.Ready {
		return SignalDefault
	}
	return SignalInformational
}

func deploymentOwner(pod *corev1.Pod) string {
	for _, owner := range pod.OwnerReferences {
		if owner.Kind == "ReplicaSet" {
			// Deployment-managed ReplicaSets are named <deployment>-<hash>.
			if idx := strings.LastIndex(owner.Name, "-"); idx > 0 {
				return owner.Name[:idx]
			}
		}
	}
	return ""
}

func (c *ClusterCollector) collectDeployments(ctx context.Context, inc models.Incident, window models.TimeWindow, res *Result) error {
	deploys, err := c.client.AppsV1().Deployments(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	for i := range deploys.Items {
		deploy := &deploys.Items[i]
		if inc.Service != "" && !strings.Contains(deploy.Name, inc.Service) {
			continue
		}
		replicas := int32(1)
		if deploy.Spec.Replicas != nil {
			replicas = *deploy.Spec.Replicas
		}
		data := map[string]any{
			"name":               deploy.Name,
			"replicas":           replicas,
			"ready_replicas":     deploy.Status.ReadyReplicas,
			"available_replicas": deploy.Status.AvailableReplicas,
			"revision":           deploy.Annotations["deployment.kubernetes.io/revision"],
		}
		strength := SignalInformational
		summary := fmt.Sprintf("Deployment %s: %d/%d ready", deploy.Name, deploy.Status.ReadyReplicas, replicas)
		if deploy.Status.ReadyReplicas < replicas {
			strength = SignalDefault
		}
		ev, err := newEvidence(inc, window, models.EvidenceContainerState, models.SourceK8s, deploy.Name, data, strength, summary)
		if err != nil {
			return err
		}
		res.Evidence = append(res.Evidence, ev)

		deployKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "Deployment", Name: deploy.Name}
		res.Entities = append(res.Entities, Entity{Key: deployKey, Attrs: map[string]any{
			"replicas":       int(replicas),
			"ready_replicas": int(deploy.Status.ReadyReplicas),
		}})
		res.Relations = append(res.Relations, Relation{From: graph.IncidentNodeID(inc.ID), To: deployKey.String(), Rel: graph.RelAffects})
	}
	return nil
}

func (c *ClusterCollector) collectNodes(ctx context.Context, inc models.Incident, window models.TimeWindow, res *Result) error {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	for i := range nodes.Items {
		node := &nodes.Items[i]
		data := models.NodeStateData{Name: node.Name, Conditions: map[string]string{}}
		unhealthy := false
		for _, cond := range node.Status.Conditions {
			switch cond.Type {
			case corev1.NodeReady:
				data.Ready = cond.Status == corev1.ConditionTrue
				data.Conditions["Ready"] = string(cond.Status)
				if cond.Status != corev1.ConditionTrue {
					unhealthy = true
				}
			case corev1.NodeDiskPressure, corev1.NodeMemoryPressure, corev1.NodePIDPressure:
				data.Conditions[string(cond.Type)] = string(cond.Status)
				if cond.Status == corev1.ConditionTrue {
					unhealthy = true
				}
			}
		}

		strength := SignalInformational
		summary := fmt.Sprintf("Node %s healthy", node.Name)
		if unhealthy {
			strength = SignalHighRestart
			summary = fmt.Sprintf("Node %s unhealthy: %v", node.Name, data.Conditions)
		}
		ev, err := newEvidence(inc, window, models.EvidenceNodeState, models.SourceK8s, node.Name, data, strength, summary)
		if err != nil {
			return err
		}
		res.Evidence = append(res.Evidence, ev)

		nodeKey := graph.EntityKey{Cluster: inc.Cluster, Kind: "Node", Name: node.Name}
		res.Entities = append(res.Entities, Entity{Key: nodeKey, Attrs: map[string]any{
			"ready":      data.Ready,
			"conditions": data.Conditions,
		}})
	}
	return nil
}

func (c *ClusterCollector) collectHPAs(ctx context.Context, inc models.Incident, window models.TimeWindow, res *Result) error {
	hpas, err := c.client.AutoscalingV1().HorizontalPodAutoscalers(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list hpas: %w", err)
	}

	for i := range hpas.Items {
		hpa := &hpas.Items[i]
		data := models.HPAStateData{
			Name:            hpa.Name,
			CurrentReplicas: hpa.Status.CurrentReplicas,
			MaxReplicas:     hpa.Spec.MaxReplicas,
			AtMax:           hpa.Status.CurrentReplicas >= hpa.Spec.MaxReplicas,
		}
		strength := SignalInformational
		summary := fmt.Sprintf("HPA %s: %d/%d replicas", hpa.Name, data.CurrentReplicas, data.MaxReplicas)
		if data.AtMax {
			strength = SignalHighRestart
			summary += " (at max)"
		}
		ev, err := newEvidence(inc, window, models.EvidenceHPAState, models.SourceK8s, hpa.Name, data, strength, summary)
		if err != nil {
			return err
		}
		res.Evidence = append(res.Evidence, ev)

		hpaKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "HPA", Name: hpa.Name}
		res.Entities = append(res.Entities, Entity{Key: hpaKey, Attrs: map[string]any{
			"current_replicas": int(data.CurrentReplicas),
			"max_replicas":     int(data.MaxReplicas),
			"at_max":           data.AtMax,
		}})
		if target := hpa.Spec.ScaleTargetRef.Name; target != "" && hpa.Spec.ScaleTargetRef.Kind == "Deployment" {
			deployKey := graph.EntityKey{Cluster: inc.Cluster, Namespace: inc.Namespace, Kind: "Deployment", Name: target}
			res.Entities = append(res.Entities, Entity{Key: deployKey, Attrs: map[string]any{"name": target}})
			res.Relations = append(res.Relations, Relation{From: deployKey.String(), To: hpaKey.String(), Rel: graph.RelScaledBy})
		}
	}
	return nil
}

func (c *ClusterCollector) collectEvents(ctx context.Context, inc models.Incident, window models.TimeWindow, res *Result) error {
	events, err := c.client.CoreV1().Events(inc.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	var records []models.EventData
	for i := range events.Items {
		event := &events.Items[i]
		if _, ok := interestingEventReasons[event.Reason]; !ok {
			continue
		}
		records = append(records, models.EventData{
			Reason:  event.Reason,
			Message: event.Message,
			Object:  event.InvolvedObject.Kind + "/" + event.InvolvedObject.Name,
			Count:   event.Count,
		})
	}
	if len(records) == 0 {
		return nil
	}

	ev, err := newEvidence(inc, window, models.EvidenceEvents, models.SourceK8s, inc.Namespace, records, SignalDefault,
		fmt.Sprintf("%d warning events in %s", len(records), inc.Namespace))
	if err != nil {
		return err
	}
	res.Evidence = append(res.Evidence, ev)
	return nil
}

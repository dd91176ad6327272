// Package runbook turns an incident and its ranked hypotheses into an
// actionable guide: concrete kubectl command sequences for the recommended
// actions, PromQL queries matched to the hypothesis category, dashboard
// links, and a step-by-step investigation path.
package runbook

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/utils"
)

// commandTemplates maps executable action types to their kubectl sequence.
// Placeholders: {namespace}, {deployment}, {service}, {pod}, {node},
// {replicas}.
var commandTemplates = map[models.ActionType][]string{
	models.ActionRestartPod: {
		"kubectl delete pod {pod} -n {namespace}",
		"kubectl get pods -n {namespace} -w",
	},
	models.ActionDeletePod: {
		"kubectl delete pod {pod} -n {namespace}",
		"kubectl get pods -n {namespace} -w",
	},
	models.ActionRestartDeployment: {
		"kubectl rollout restart deployment/{deployment} -n {namespace}",
		"kubectl rollout status deployment/{deployment} -n {namespace}",
	},
	models.ActionRollbackDeployment: {
		"kubectl rollout history deployment/{deployment} -n {namespace}",
		"kubectl rollout undo deployment/{deployment} -n {namespace}",
		"kubectl rollout status deployment/{deployment} -n {namespace}",
	},
	models.ActionScaleReplicas: {
		"kubectl scale deployment/{deployment} --replicas={replicas} -n {namespace}",
		"kubectl get pods -n {namespace} -l app={deployment}",
	},
	models.ActionCordonNode: {
		"kubectl cordon {node}",
		"kubectl get pods -n {namespace} -o wide",
	},
}

// investigateTemplates are always included, independent of the hypothesis.
var investigateTemplates = []struct {
	description string
	commands    []string
}{
	{
		description: "View recent logs",
		commands: []string{
			"kubectl logs -n {namespace} -l app={service} --tail=100",
			"kubectl logs -n {namespace} -l app={service} --previous --tail=100",
		},
	},
	{
		description: "View recent events",
		commands: []string{
			"kubectl get events -n {namespace} --sort-by=.lastTimestamp",
			"kubectl describe pod -n {namespace} -l app={service}",
		},
	},
	{
		description: "Check resource usage",
		commands: []string{
			"kubectl top pods -n {namespace}",
			"kubectl describe nodes",
		},
	},
}

// investigationQueries maps hypothesis categories to their PromQL set.
var investigationQueries = map[models.HypothesisCategory][]models.RunbookQuery{
	models.CategoryBadDeploy: {
		{Name: "Restart count", Query: `increase(kube_pod_container_status_restarts_total{namespace="{namespace}"}[1h])`},
		{Name: "Container states", Query: `kube_pod_container_status_waiting_reason{namespace="{namespace}"}`},
	},
	models.CategoryExternalDependency: {
		{Name: "Restart count", Query: `increase(kube_pod_container_status_restarts_total{namespace="{namespace}"}[1h])`},
		{Name: "HTTP error rate", Query: `sum(rate(http_requests_total{namespace="{namespace}", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{namespace}"}[5m]))`},
	},
	models.CategoryMemoryExhaustion: {
		{Name: "Memory usage", Query: `container_memory_usage_bytes{namespace="{namespace}"} / container_spec_memory_limit_bytes{namespace="{namespace}"}`},
	},
	models.CategoryResourceContention: {
		{Name: "Memory usage", Query: `container_memory_usage_bytes{namespace="{namespace}"} / container_spec_memory_limit_bytes{namespace="{namespace}"}`},
		{Name: "CPU throttling", Query: `rate(container_cpu_cfs_throttled_periods_total{namespace="{namespace}"}[5m])`},
	},
	models.CategoryImageIssue: {
		{Name: "Container states", Query: `kube_pod_container_status_waiting_reason{namespace="{namespace}"}`},
	},
	models.CategoryConfigDrift: {
		{Name: "Container states", Query: `kube_pod_container_status_waiting_reason{namespace="{namespace}"}`},
	},
	models.CategoryNetwork: {
		{Name: "HTTP error rate", Query: `sum(rate(http_requests_total{namespace="{namespace}", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{namespace}"}[5m]))`},
	},
	models.CategoryScalingLimit: {
		{Name: "P99 latency", Query: `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace="{namespace}"}[5m])) by (le))`},
	},
}

// Generator renders runbooks. It is pure: identical inputs produce an
// identical runbook apart from its ID.
type Generator struct {
	grafanaURL string
	logger     *slog.Logger
}

// NewGenerator constructs a Generator. grafanaURL may be empty, in which
// case dashboard links are omitted.
func NewGenerator(grafanaURL string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{grafanaURL: strings.TrimRight(grafanaURL, "/"), logger: logger}
}

// Generate builds the runbook for an incident from its ranked hypotheses.
func (g *Generator) Generate(inc models.Incident, hyps []models.Hypothesis, now time.Time) models.Runbook {
	rb := models.Runbook{
		ID:          uuid.NewString(),
		IncidentID:  inc.ID,
		Title:       "Runbook: " + inc.Title,
		GeneratedAt: now,
	}

	var top models.Hypothesis
	if len(hyps) > 0 {
		top = hyps[0]
		rb.TopHypothesis = top.Title
		if len(top.RecommendedActions) > 3 {
			rb.ImmediateActions = top.RecommendedActions[:3]
		} else {
			rb.ImmediateActions = top.RecommendedActions
		}
	}

	rb.Summary = g.summary(inc, top, now)
	rb.Commands = g.commands(inc, top)
	rb.Queries = g.queries(inc, top.Category)
	rb.DashboardLinks = g.dashboardLinks(inc)
	rb.Steps = investigationSteps(top.Category)

	g.logger.Info("runbook generated",
		slog.String("incident_id", inc.ID),
		slog.String("runbook_id", rb.ID),
		slog.Int("commands", len(rb.Commands)))
	return rb
}

func (g *Generator) summary(inc models.Incident, top models.Hypothesis, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident: %s\n", inc.Title)
	fmt.Fprintf(&b, "Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "Namespace: %s\n", inc.Namespace)
	service := inc.Service
	if service == "" {
		service = "N/A"
	}
	fmt.Fprintf(&b, "Service: %s\n", service)
	fmt.Fprintf(&b, "Age: %s\n", utils.Age(inc.StartedAt, now))
	if top.Title != "" {
		fmt.Fprintf(&b, "\nTop hypothesis (confidence %.0f%%): %s\n%s\n",
			top.Confidence*100, top.Title, top.Description)
	}
	return b.String()
}

// commands renders the always-on investigation commands plus the concrete
// sequence for each automated action the top hypothesis recommends.
func (g *Generator) commands(inc models.Incident, top models.Hypothesis) []models.RunbookCommand {
	replacer := newReplacer(inc)

	var out []models.RunbookCommand
	for _, section := range investigateTemplates {
		for _, cmd := range section.commands {
			out = append(out, models.RunbookCommand{
				Description: section.description,
				Command:     replacer.Replace(cmd),
			})
		}
	}

	for _, template := range top.RecommendedActions {
		if !template.Automated() {
			continue
		}
		for _, cmd := range commandTemplates[template.ActionType] {
			out = append(out, models.RunbookCommand{
				Description: "Execute: " + string(template.ActionType),
				Command:     replacer.Replace(cmd),
			})
		}
	}
	return out
}

func newReplacer(inc models.Incident) *strings.Replacer {
	deployment := inc.Service
	if deployment == "" {
		deployment = "<deployment>"
	}
	pod := "<pod>"
	if inc.Service != "" {
		pod = inc.Service + "-<pod>"
	}
	return strings.NewReplacer(
		"{namespace}", inc.Namespace,
		"{service}", inc.Service,
		"{deployment}", deployment,
		"{pod}", pod,
		"{node}", "<node>",
		"{replicas}", "3",
	)
}

func (g *Generator) queries(inc models.Incident, category models.HypothesisCategory) []models.RunbookQuery {
	out := make([]models.RunbookQuery, 0, 3)
	for _, q := range investigationQueries[category] {
		out = append(out, models.RunbookQuery{
			Name:  q.Name,
			Query: strings.ReplaceAll(q.Query, "{namespace}", inc.Namespace),
		})
	}
	out = append(out, models.RunbookQuery{
		Name:  "Pod restarts",
		Query: fmt.Sprintf(`increase(kube_pod_container_status_restarts_total{namespace=%q}[30m])`, inc.Namespace),
	})
	return out
}

func (g *Generator) dashboardLinks(inc models.Incident) []models.DashboardLink {
	if g.grafanaURL == "" {
		return nil
	}
	return []models.DashboardLink{
		{
			Name: "Kubernetes Overview",
			URL:  fmt.Sprintf("%s/d/kubernetes-overview?var-namespace=%s", g.grafanaURL, inc.Namespace),
		},
		{
			Name: "Pod Resources",
			URL:  fmt.Sprintf("%s/d/pod-resources?var-namespace=%s&var-pod=%s", g.grafanaURL, inc.Namespace, inc.Service),
		},
		{
			Name: "Application Metrics",
			URL:  fmt.Sprintf("%s/d/application-metrics?var-namespace=%s&var-service=%s", g.grafanaURL, inc.Namespace, inc.Service),
		},
	}
}

func investigationSteps(category models.HypothesisCategory) []string {
	steps := []string{
		"1. Review the incident summary and top hypothesis",
		"2. Run the log inspection commands to identify specific errors",
		"3. Evaluate the investigation queries for metric anomalies",
		"4. Open the dashboards for visual analysis",
	}
	switch category {
	case models.CategoryBadDeploy:
		steps = append(steps,
			"5. Check recent deployments with: kubectl rollout history",
			"6. If the new revision is the cause, roll back")
	case models.CategoryMemoryExhaustion, models.CategoryResourceContention:
		steps = append(steps,
			"5. Check resource limits and requests",
			"6. Review memory graphs for leak patterns")
	case models.CategoryExternalDependency, models.CategoryNetwork:
		steps = append(steps,
			"5. Check connectivity to external dependencies",
			"6. Verify DNS resolution and network policies")
	default:
		steps = append(steps, "5. Escalate to the owning team if no pattern emerges")
	}
	steps = append(steps,
		fmt.Sprintf("%d. Execute remediation once the root cause is confirmed", len(steps)+1),
		fmt.Sprintf("%d. Monitor metrics to verify improvement", len(steps)+2))
	return steps
}

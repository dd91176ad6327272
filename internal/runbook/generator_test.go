package runbook

import (
	"strings"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
)

var generatedAt = time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC)

func testIncident() models.Incident {
	return models.Incident{
		ID:        "inc-1",
		Title:     "api crash looping",
		Severity:  models.SeverityCritical,
		Namespace: "payments",
		Service:   "api",
		StartedAt: generatedAt.Add(-10 * time.Minute),
	}
}

func badDeployHypothesis() models.Hypothesis {
	return models.Hypothesis{
		ID:          "hyp-1",
		IncidentID:  "inc-1",
		Category:    models.CategoryBadDeploy,
		Title:       "Bad deployment caused crash loop",
		Description: "The application started crash looping immediately after a deployment.",
		Confidence:  0.9,
		Rank:        1,
		RecommendedActions: []models.ActionTemplate{
			{ActionType: models.ActionRollbackDeployment},
			{Note: "Check application logs for startup errors"},
		},
	}
}

func TestGenerateCommands(t *testing.T) {
	g := NewGenerator("http://grafana.internal", nil)
	rb := g.Generate(testIncident(), []models.Hypothesis{badDeployHypothesis()}, generatedAt)

	if rb.IncidentID != "inc-1" || rb.TopHypothesis == "" {
		t.Fatalf("runbook header = %+v", rb)
	}

	joined := make([]string, 0, len(rb.Commands))
	for _, cmd := range rb.Commands {
		joined = append(joined, cmd.Command)
	}
	all := strings.Join(joined, "\n")

	// Investigation commands always present, with the selector substituted.
	if !strings.Contains(all, "kubectl logs -n payments -l app=api --tail=100") {
		t.Errorf("log inspection command missing:\n%s", all)
	}
	if !strings.Contains(all, "kubectl get events -n payments --sort-by=.lastTimestamp") {
		t.Errorf("event inspection command missing")
	}
	// The rollback action expands into its concrete kubectl sequence.
	if !strings.Contains(all, "kubectl rollout undo deployment/api -n payments") {
		t.Errorf("rollback command missing:\n%s", all)
	}
	if !strings.Contains(all, "kubectl rollout history deployment/api -n payments") {
		t.Errorf("rollout history command missing")
	}
	if strings.Contains(all, "{namespace}") || strings.Contains(all, "{deployment}") {
		t.Errorf("unsubstituted placeholder:\n%s", all)
	}
}

func TestGenerateQueriesPerCategory(t *testing.T) {
	g := NewGenerator("", nil)

	cases := []struct {
		category models.HypothesisCategory
		expect   string
	}{
		{models.CategoryBadDeploy, "kube_pod_container_status_waiting_reason"},
		{models.CategoryMemoryExhaustion, "container_memory_usage_bytes"},
		{models.CategoryNetwork, `status=~"5.."`},
		{models.CategoryScalingLimit, "histogram_quantile(0.99"},
	}
	for _, tc := range cases {
		hyp := badDeployHypothesis()
		hyp.Category = tc.category
		rb := g.Generate(testIncident(), []models.Hypothesis{hyp}, generatedAt)

		var all []string
		for _, q := range rb.Queries {
			all = append(all, q.Query)
		}
		joined := strings.Join(all, "\n")
		if !strings.Contains(joined, tc.expect) {
			t.Errorf("%s: expected query containing %q, got:\n%s", tc.category, tc.expect, joined)
		}
		if !strings.Contains(joined, `namespace="payments"`) {
			t.Errorf("%s: namespace not substituted", tc.category)
		}
		// The general restart query is always included.
		if !strings.Contains(joined, "kube_pod_container_status_restarts_total") {
			t.Errorf("%s: pod restart query missing", tc.category)
		}
	}
}

func TestGenerateStepsFollowCategory(t *testing.T) {
	g := NewGenerator("", nil)

	rb := g.Generate(testIncident(), []models.Hypothesis{badDeployHypothesis()}, generatedAt)
	steps := strings.Join(rb.Steps, "\n")
	if !strings.Contains(steps, "kubectl rollout history") {
		t.Errorf("bad_deploy steps missing rollout guidance:\n%s", steps)
	}

	oom := badDeployHypothesis()
	oom.Category = models.CategoryMemoryExhaustion
	rb = g.Generate(testIncident(), []models.Hypothesis{oom}, generatedAt)
	steps = strings.Join(rb.Steps, "\n")
	if !strings.Contains(steps, "resource limits") {
		t.Errorf("memory steps missing limit guidance:\n%s", steps)
	}
}

func TestGenerateDashboardLinks(t *testing.T) {
	g := NewGenerator("http://grafana.internal/", nil)
	rb := g.Generate(testIncident(), []models.Hypothesis{badDeployHypothesis()}, generatedAt)
	if len(rb.DashboardLinks) != 3 {
		t.Fatalf("dashboard links = %d, want 3", len(rb.DashboardLinks))
	}
	for _, link := range rb.DashboardLinks {
		if !strings.HasPrefix(link.URL, "http://grafana.internal/d/") {
			t.Errorf("link url = %s", link.URL)
		}
		if !strings.Contains(link.URL, "var-namespace=payments") {
			t.Errorf("namespace variable missing: %s", link.URL)
		}
	}

	// Without a Grafana base URL the section is omitted.
	rb = NewGenerator("", nil).Generate(testIncident(), []models.Hypothesis{badDeployHypothesis()}, generatedAt)
	if len(rb.DashboardLinks) != 0 {
		t.Errorf("expected no dashboard links without a base URL")
	}
}

func TestGenerateSummaryAndImmediateActions(t *testing.T) {
	g := NewGenerator("", nil)
	rb := g.Generate(testIncident(), []models.Hypothesis{badDeployHypothesis()}, generatedAt)

	if !strings.Contains(rb.Summary, "Incident: api crash looping") {
		t.Errorf("summary = %s", rb.Summary)
	}
	if !strings.Contains(rb.Summary, "confidence 90%") {
		t.Errorf("summary missing confidence: %s", rb.Summary)
	}
	if !strings.Contains(rb.Summary, "Age: 10m0s") {
		t.Errorf("summary missing incident age: %s", rb.Summary)
	}
	if len(rb.ImmediateActions) != 2 {
		t.Errorf("immediate actions = %d, want 2", len(rb.ImmediateActions))
	}
}

func TestGenerateWithoutHypotheses(t *testing.T) {
	g := NewGenerator("", nil)
	rb := g.Generate(testIncident(), nil, generatedAt)
	if rb.TopHypothesis != "" {
		t.Errorf("no hypotheses should leave top empty")
	}
	if len(rb.Commands) == 0 {
		t.Errorf("investigation commands must still be present")
	}
	if len(rb.Queries) == 0 {
		t.Errorf("general queries must still be present")
	}
}

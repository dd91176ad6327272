package engine

import (
	"github.com/halcyonops/halcyon/internal/models"
)

// Rule thresholds.
const (
	tauErrorLogRate = 5.0  // errors per minute
	tauLatencySec   = 1.0  // p99 seconds
	memoryOOMRatio  = 0.95 // usage ratio treated as exhaustion
	memoryHighRatio = 0.90 // usage ratio treated as contention
)

// Match is a successful rule evaluation.
type Match struct {
	Supporting    []string
	Contradicting []string
}

// Rule is a declarative diagnosis pattern: a predicate over the signal map
// plus the hypothesis template it produces. Rules are deterministic and
// order-independent.
type Rule struct {
	ID             string
	Category       models.HypothesisCategory
	Title          string
	Description    string
	BaseConfidence float64
	Actions        []models.ActionTemplate
	Predicate      func(s Signals) (Match, bool)
}

// Library returns the built-in diagnosis rules.
func Library() []Rule {
	return []Rule{
		{
			ID:             "crashloop_recent_deploy",
			Category:       models.CategoryBadDeploy,
			Title:          "Bad deployment caused crash loop",
			Description:    "The application started crash looping immediately after a deployment. The new code or configuration likely prevents startup.",
			BaseConfidence: 0.90,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRollbackDeployment},
				{Note: "Check application logs for startup errors"},
				{Note: "Review code changes in the new revision"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if !s.HasWaiting("CrashLoopBackOff") || !s.HasRecentDeploy {
					return Match{}, false
				}
				supporting := append(s.waitingEvidence("CrashLoopBackOff"), s.DeployEvidence...)
				supporting = append(supporting, s.RestartEvidence...)
				return Match{Supporting: append(supporting, s.LogEvidence...)}, true
			},
		},
		{
			ID:             "crashloop_no_change",
			Category:       models.CategoryExternalDependency,
			Title:          "Crash loop without a recent change",
			Description:    "The application is crash looping with no recent deployment and a high error log rate, pointing at an external dependency or data issue.",
			BaseConfidence: 0.75,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod},
				{Note: "Check external service connectivity"},
				{Note: "Verify database connections"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if !s.HasWaiting("CrashLoopBackOff") || s.HasRecentDeploy || s.ErrorLogRate <= tauErrorLogRate {
					return Match{}, false
				}
				supporting := append(s.waitingEvidence("CrashLoopBackOff"), s.LogEvidence...)
				return Match{Supporting: supporting, Contradicting: s.DeployEvidence}, true
			},
		},
		{
			ID:             "oom_killed",
			Category:       models.CategoryMemoryExhaustion,
			Title:          "Container killed on memory limit",
			Description:    "The container was terminated for exceeding its memory limit, or memory usage sits at the limit. Likely a leak, an undersized limit, or a usage spike.",
			BaseConfidence: 0.95,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod},
				{ActionType: models.ActionUpdateResourceLimits},
				{Note: "Check for memory leaks in the application"},
			},
			Predicate: func(s Signals) (Match, bool) {
				oom := s.HasTerminated("OOMKilled")
				hot := s.MemoryUsageRatio >= memoryOOMRatio
				if !oom && !hot {
					return Match{}, false
				}
				supporting := s.terminatedEvidence("OOMKilled")
				if hot {
					supporting = append(supporting, s.MemoryEvidence...)
				}
				if s.LogClasses["oom"] > 0 {
					supporting = append(supporting, s.LogEvidence...)
				}
				return Match{Supporting: append(supporting, s.RestartEvidence...)}, true
			},
		},
		{
			ID:             "image_pull_failure",
			Category:       models.CategoryImageIssue,
			Title:          "Container image cannot be pulled",
			Description:    "The container cannot start because its image cannot be pulled: wrong tag, registry auth, or registry connectivity.",
			BaseConfidence: 0.95,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRollbackDeployment},
				{Note: "Verify the image tag exists in the registry"},
				{Note: "Check imagePullSecrets configuration"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if !s.HasWaiting("ImagePullBackOff", "ErrImagePull") {
					return Match{}, false
				}
				supporting := s.waitingEvidence("ImagePullBackOff", "ErrImagePull")
				if s.ImageChanged {
					supporting = append(supporting, s.DeployEvidence...)
				}
				return Match{Supporting: supporting}, true
			},
		},
		{
			ID:             "hpa_maxed",
			Category:       models.CategoryScalingLimit,
			Title:          "Autoscaler at maximum with high latency",
			Description:    "The HPA is at maximum replicas while p99 latency stays high; the service needs more capacity than configured.",
			BaseConfidence: 0.80,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionScaleReplicas},
				{Note: "Raise the HPA max replica bound"},
				{Note: "Review resource requests and limits"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if !s.HPAAtMax || s.LatencyP99 <= tauLatencySec {
					return Match{}, false
				}
				return Match{Supporting: append(append([]string{}, s.HPAEvidence...), s.LatencyEvidence...)}, true
			},
		},
		{
			ID:             "node_failure_isolated",
			Category:       models.CategoryInfrastructure,
			Title:          "Failures isolated to an unhealthy node",
			Description:    "Multiple failing pods share a node that reports unhealthy conditions; the node is the likely root cause.",
			BaseConfidence: 0.85,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionCordonNode},
				{Note: "Migrate pods to healthy nodes"},
				{Note: "Investigate node resource usage"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if !s.NodeUnhealthy || s.maxPodFailuresOnUnhealthyNode() <= 1 {
					return Match{}, false
				}
				return Match{Supporting: s.NodeEvidence}, true
			},
		},
		{
			ID:             "config_error",
			Category:       models.CategoryConfigDrift,
			Title:          "Container configuration error",
			Description:    "The container cannot run due to a configuration problem: missing volumes, invalid environment, or bad references.",
			BaseConfidence: 0.90,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRollbackDeployment},
				{Note: "Check ConfigMap and Secret references"},
				{Note: "Verify volume mounts"},
			},
			Predicate: func(s Signals) (Match, bool) {
				waiting := s.HasWaiting("CreateContainerConfigError")
				terminated := s.HasTerminated("ContainerCannotRun", "CreateContainerConfigError")
				if !waiting && !terminated {
					return Match{}, false
				}
				supporting := append(s.waitingEvidence("CreateContainerConfigError"),
					s.terminatedEvidence("ContainerCannotRun", "CreateContainerConfigError")...)
				return Match{Supporting: supporting}, true
			},
		},
		{
			ID:             "network_errors",
			Category:       models.CategoryNetwork,
			Title:          "Network connectivity problems",
			Description:    "Logs show connection refusals or timeouts at volume; DNS, service mesh, or network policy issues are likely.",
			BaseConfidence: 0.70,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionRestartPod},
				{Note: "Check DNS resolution"},
				{Note: "Verify network policies"},
			},
			Predicate: func(s Signals) (Match, bool) {
				hits := s.LogClasses["connection refused"] + s.LogClasses["timeout"]
				if hits <= 10 {
					return Match{}, false
				}
				return Match{Supporting: s.LogEvidence}, true
			},
		},
		{
			ID:             "memory_pressure",
			Category:       models.CategoryResourceContention,
			Title:          "Memory approaching the limit",
			Description:    "Memory usage is above 90% of the limit without an OOM kill yet; throttling or an OOM kill is imminent.",
			BaseConfidence: 0.80,
			Actions: []models.ActionTemplate{
				{ActionType: models.ActionUpdateResourceLimits},
				{Note: "Investigate memory usage patterns"},
			},
			Predicate: func(s Signals) (Match, bool) {
				if s.HasTerminated("OOMKilled") || s.MemoryUsageRatio < memoryHighRatio || s.MemoryUsageRatio >= memoryOOMRatio {
					return Match{}, false
				}
				return Match{Supporting: s.MemoryEvidence}, true
			},
		},
	}
}

package policy

import (
	"fmt"
	"math"

	"github.com/halcyonops/halcyon/internal/models"
)

// Verdict is the gate's decision class.
type Verdict string

const (
	VerdictAllow           Verdict = "ALLOW"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
	VerdictDeny            Verdict = "DENY"
)

// Decision is the gate output: the verdict, a human-readable reason, and
// the key of the rule that produced it (for audit).
type Decision struct {
	Verdict    Verdict
	Reason     string
	MatchedKey string
}

// Input carries every fact the gate decides on. The gate reads nothing else,
// which keeps it a pure function.
type Input struct {
	Environment      Environment
	ActionType       models.ActionType
	Namespace        string
	BlastRadiusScore float64
	AffectedReplicas int
	CurrentHour      int
	IsWeekend        bool
	FreezeActive     bool
}

// Config holds the tunable sets and thresholds.
type Config struct {
	HighRiskActions     map[models.ActionType]struct{}
	ProtectedNamespaces map[string]struct{}
	Allowlists          map[Environment]map[models.ActionType]struct{}
	FreezeHourStart     int // entering freeze at this hour
	FreezeHourEnd       int // exiting freeze at this hour
}

// DefaultConfig returns the built-in policy sets.
func DefaultConfig() Config {
	return Config{
		HighRiskActions: actionSet(
			models.ActionDrainNode,
			models.ActionDeletePVC,
			models.ActionUpdateResourceLimits,
			models.ActionDeleteNamespace,
			models.ActionUpdateConfigMap,
			models.ActionUncordonNode,
		),
		ProtectedNamespaces: nameSet(
			"kube-system", "kube-public", "kube-node-lease",
			"istio-system", "cert-manager", "monitoring",
		),
		Allowlists: map[Environment]map[models.ActionType]struct{}{
			EnvDev: actionSet(
				models.ActionRestartPod, models.ActionDeletePod,
				models.ActionRestartDeployment, models.ActionRollbackDeployment,
				models.ActionScaleReplicas, models.ActionCordonNode,
			),
			EnvStaging: actionSet(
				models.ActionRestartPod, models.ActionDeletePod,
				models.ActionRestartDeployment, models.ActionScaleReplicas,
				models.ActionRollbackDeployment,
			),
			EnvProd: actionSet(
				models.ActionRestartPod, models.ActionDeletePod,
				models.ActionRestartDeployment, models.ActionScaleReplicas,
			),
		},
		FreezeHourStart: 22,
		FreezeHourEnd:   6,
	}
}

func actionSet(actions ...models.ActionType) map[models.ActionType]struct{} {
	set := make(map[models.ActionType]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

func nameSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// blastRadiusThreshold is the per-environment DENY cut-off.
func blastRadiusThreshold(env Environment) float64 {
	switch env {
	case EnvStaging:
		return 75
	case EnvProd:
		return 50
	default:
		return math.Inf(1)
	}
}

const (
	maxReplicasOutsideDev      = 5
	approvalReplicas           = 3
	stagingApprovalBlastRadius = 30
)

// Gate evaluates remediation policy. It is deterministic and side-effect
// free; identical inputs produce identical decisions across processes.
type Gate struct {
	cfg Config
}

// NewGate constructs a gate over the supplied configuration.
func NewGate(cfg Config) *Gate {
	if cfg.Allowlists == nil {
		cfg = DefaultConfig()
	}
	return &Gate{cfg: cfg}
}

// Evaluate produces ALLOW, REQUIRE_APPROVAL, or DENY for the input.
// Deny rules are checked first, then approval rules.
func (g *Gate) Evaluate(in Input) Decision {
	if _, high := g.cfg.HighRiskActions[in.ActionType]; high && in.Environment != EnvDev {
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("action %s is high-risk outside dev", in.ActionType),
			MatchedKey: "high_risk_action",
		}
	}
	if _, protected := g.cfg.ProtectedNamespaces[in.Namespace]; protected && in.Environment != EnvDev {
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("namespace %s is protected", in.Namespace),
			MatchedKey: "protected_namespace",
		}
	}
	// Boundary rule: a score at the threshold is denied (49 passes, 50 denies
	// in prod).
	if in.BlastRadiusScore >= blastRadiusThreshold(in.Environment) {
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("blast radius %.1f exceeds %s threshold", in.BlastRadiusScore, in.Environment),
			MatchedKey: "blast_radius",
		}
	}
	if in.Environment != EnvDev && in.AffectedReplicas >= maxReplicasOutsideDev {
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("%d affected replicas outside dev", in.AffectedReplicas),
			MatchedKey: "replica_count",
		}
	}
	allowlist, ok := g.cfg.Allowlists[in.Environment]
	if !ok {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("no allowlist for environment %s", in.Environment), MatchedKey: "allowlist"}
	}
	if _, allowed := allowlist[in.ActionType]; !allowed {
		return Decision{
			Verdict:    VerdictDeny,
			Reason:     fmt.Sprintf("action %s not allowlisted in %s", in.ActionType, in.Environment),
			MatchedKey: "allowlist",
		}
	}

	if g.inFreezeWindow(in) {
		return Decision{Verdict: VerdictRequireApproval, Reason: "freeze_window", MatchedKey: "freeze_window"}
	}
	if in.Environment == EnvProd {
		return Decision{Verdict: VerdictRequireApproval, Reason: "production environment", MatchedKey: "prod_env"}
	}
	if in.Environment == EnvStaging && in.BlastRadiusScore >= stagingApprovalBlastRadius {
		return Decision{
			Verdict:    VerdictRequireApproval,
			Reason:     fmt.Sprintf("staging blast radius %.1f", in.BlastRadiusScore),
			MatchedKey: "staging_blast_radius",
		}
	}
	if in.ActionType == models.ActionRollbackDeployment || in.ActionType == models.ActionCordonNode {
		return Decision{
			Verdict:    VerdictRequireApproval,
			Reason:     fmt.Sprintf("action class %s requires approval", in.ActionType),
			MatchedKey: "action_class",
		}
	}
	if in.AffectedReplicas >= approvalReplicas {
		return Decision{
			Verdict:    VerdictRequireApproval,
			Reason:     fmt.Sprintf("%d affected replicas", in.AffectedReplicas),
			MatchedKey: "replica_count",
		}
	}

	return Decision{Verdict: VerdictAllow, Reason: "allowed", MatchedKey: "allow"}
}

// inFreezeWindow implements hour ≥ start ∨ hour < end, plus prod weekends
// and the explicit freeze override.
func (g *Gate) inFreezeWindow(in Input) bool {
	if in.FreezeActive {
		return true
	}
	if in.CurrentHour >= g.cfg.FreezeHourStart || in.CurrentHour < g.cfg.FreezeHourEnd {
		return true
	}
	return in.Environment == EnvProd && in.IsWeekend
}

// Package policy holds the pure remediation gate: blast radius scoring and
// the deny/approve/allow decision.
package policy

import "github.com/halcyonops/halcyon/internal/models"

// Environment is the deployment environment the gate scopes decisions to.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// actionRisk classifies the inherent risk of each action type.
var actionRisk = map[models.ActionType]models.RiskLevel{
	models.ActionRestartPod:           models.RiskLow,
	models.ActionDeletePod:            models.RiskLow,
	models.ActionRestartDeployment:    models.RiskLow,
	models.ActionScaleReplicas:        models.RiskLow,
	models.ActionRollbackDeployment:   models.RiskMedium,
	models.ActionCordonNode:           models.RiskMedium,
	models.ActionUncordonNode:         models.RiskMedium,
	models.ActionDrainNode:            models.RiskHigh,
	models.ActionDeletePVC:            models.RiskHigh,
	models.ActionDeleteNamespace:      models.RiskHigh,
	models.ActionUpdateConfigMap:      models.RiskHigh,
	models.ActionUpdateResourceLimits: models.RiskHigh,
}

// RiskOf returns the risk classification for an action type; unknown types
// are treated as high risk.
func RiskOf(action models.ActionType) models.RiskLevel {
	if risk, ok := actionRisk[action]; ok {
		return risk
	}
	return models.RiskHigh
}

// Blast radius weights: replica fraction, namespace criticality,
// environment, action risk.
const (
	weightReplicas    = 40.0
	weightNamespace   = 20.0
	weightEnvironment = 20.0
	weightActionRisk  = 20.0
)

func environmentWeight(env Environment) float64 {
	switch env {
	case EnvDev:
		return 0.1
	case EnvStaging:
		return 0.5
	default:
		return 1.0
	}
}

func riskWeight(risk models.RiskLevel) float64 {
	switch risk {
	case models.RiskLow:
		return 0.2
	case models.RiskMedium:
		return 0.5
	default:
		return 1.0
	}
}

// BlastRadiusInput carries the facts the score is computed from.
type BlastRadiusInput struct {
	ActionType           models.ActionType
	Environment          Environment
	AffectedReplicas     int
	TotalReplicas        int
	NamespaceCriticality float64 // [0,1]; 1.0 for business-critical namespaces
}

// BlastRadius computes the 0–100 impact score
// w₁·replicaFraction + w₂·namespaceCriticality + w₃·envWeight + w₄·actionRisk.
func BlastRadius(in BlastRadiusInput) float64 {
	fraction := 1.0
	if in.TotalReplicas > 0 {
		fraction = float64(in.AffectedReplicas) / float64(in.TotalReplicas)
	}
	if fraction > 1 {
		fraction = 1
	}
	score := weightReplicas*fraction +
		weightNamespace*clamp01(in.NamespaceCriticality) +
		weightEnvironment*environmentWeight(in.Environment) +
		weightActionRisk*riskWeight(RiskOf(in.ActionType))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

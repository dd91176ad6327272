package engine

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonops/halcyon/internal/models"
)

// categoryWeight scales base confidence by how decisive a category's
// signals tend to be.
var categoryWeight = map[models.HypothesisCategory]float64{
	models.CategoryMemoryExhaustion:   1.05,
	models.CategoryImageIssue:         1.0,
	models.CategoryBadDeploy:          1.0,
	models.CategoryInfrastructure:     1.0,
	models.CategoryScalingLimit:       1.0,
	models.CategoryConfigDrift:        1.0,
	models.CategoryExternalDependency: 0.95,
	models.CategoryNetwork:            0.9,
	models.CategoryResourceContention: 0.9,
	models.CategoryUnknown:            0.5,
}

// categoryPriority breaks confidence ties; lower index ranks first.
var categoryPriority = []models.HypothesisCategory{
	models.CategoryMemoryExhaustion,
	models.CategoryImageIssue,
	models.CategoryBadDeploy,
	models.CategoryInfrastructure,
	models.CategoryScalingLimit,
	models.CategoryExternalDependency,
	models.CategoryConfigDrift,
	models.CategoryNetwork,
	models.CategoryResourceContention,
	models.CategoryUnknown,
}

const unknownConfidence = 0.2

func priorityIndex(cat models.HypothesisCategory) int {
	for i, c := range categoryPriority {
		if c == cat {
			return i
		}
	}
	return len(categoryPriority)
}

// RuleEngine matches the rule library against extracted signals and emits a
// ranked hypothesis set. It is pure and cannot fail.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// NewRuleEngine constructs the engine over the built-in library.
func NewRuleEngine(logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: Library(), logger: logger}
}

// Generate extracts signals from the evidence set, matches rules, and
// returns hypotheses with dense unique ranks (rank 1 strongest). At least
// one hypothesis is always returned.
func (e *RuleEngine) Generate(inc models.Incident, evidence []models.Evidence) []models.Hypothesis {
	signals := ExtractSignals(evidence)
	now := time.Now().UTC()

	var hyps []models.Hypothesis
	for _, rule := range e.rules {
		match, ok := rule.Predicate(signals)
		if !ok {
			continue
		}
		supporting := dedupe(match.Supporting)
		contradicting := dedupe(match.Contradicting)
		hyps = append(hyps, models.Hypothesis{
			ID:                       uuid.NewString(),
			IncidentID:               inc.ID,
			Category:                 rule.Category,
			Title:                    rule.Title,
			Description:              rule.Description,
			Confidence:               confidence(rule.BaseConfidence, rule.Category, len(supporting), len(contradicting)),
			SupportingEvidenceIDs:    supporting,
			ContradictingEvidenceIDs: contradicting,
			RecommendedActions:       rule.Actions,
			GeneratedBy:              models.GeneratedByRules,
			RuleID:                   rule.ID,
			CreatedAt:                now,
		})
		e.logger.Debug("rule matched",
			slog.String("rule_id", rule.ID),
			slog.String("incident_id", inc.ID),
			slog.Int("supporting", len(supporting)))
	}

	if len(hyps) == 0 {
		hyps = append(hyps, models.Hypothesis{
			ID:          uuid.NewString(),
			IncidentID:  inc.ID,
			Category:    models.CategoryUnknown,
			Title:       "Unknown issue",
			Description: "No diagnosis pattern matched the collected evidence. Manual investigation required.",
			Confidence:  unknownConfidence,
			SupportingEvidenceIDs: firstN(signals.AllEvidence, 5),
			RecommendedActions: []models.ActionTemplate{
				{Note: "Review application logs"},
				{Note: "Check recent deployments"},
				{Note: "Escalate to the owning team"},
			},
			GeneratedBy: models.GeneratedByRules,
			RuleID:      "unknown",
			CreatedAt:   now,
		})
	}

	rank(hyps)
	return hyps
}

// confidence applies base × categoryWeight × evidenceSupportFactor, then
// subtracts 0.1 per contradicting record, clipped to [0,1].
func confidence(base float64, cat models.HypothesisCategory, supporting, contradicting int) float64 {
	weight, ok := categoryWeight[cat]
	if !ok {
		weight = 1.0
	}
	factor := clip(0.5+0.1*float64(supporting), 0, 1.2)
	conf := base*weight*factor - 0.1*float64(contradicting)
	return math.Round(clip(conf, 0, 1)*1000) / 1000
}

// rank assigns dense unique ranks by descending confidence, ties broken by
// category priority.
func rank(hyps []models.Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Confidence != hyps[j].Confidence {
			return hyps[i].Confidence > hyps[j].Confidence
		}
		return priorityIndex(hyps[i].Category) < priorityIndex(hyps[j].Category)
	})
	for i := range hyps {
		hyps[i].Rank = i + 1
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}

package engine

import (
	"context"
	"log/slog"

	"github.com/halcyonops/halcyon/internal/models"
)

// Enricher rewrites hypothesis prose. Implementations may be backed by an
// LLM; the boundary is a pure function over Hypothesis.
type Enricher interface {
	Enrich(ctx context.Context, hyp models.Hypothesis, evidence []models.Evidence) (models.Hypothesis, error)
}

// EnrichHypotheses applies the enricher to the top hypotheses. Only Title,
// Description, and GeneratedBy may change: rank, confidence, category,
// evidence references, and recommended actions are restored afterward no
// matter what the enricher returns. A failing enricher degrades to the
// rules-only result.
func EnrichHypotheses(ctx context.Context, enricher Enricher, hyps []models.Hypothesis, evidence []models.Evidence, logger *slog.Logger) []models.Hypothesis {
	if enricher == nil || len(hyps) == 0 {
		return hyps
	}
	if logger == nil {
		logger = slog.Default()
	}

	const enrichTop = 3
	out := make([]models.Hypothesis, len(hyps))
	copy(out, hyps)

	for i := range out {
		if i >= enrichTop {
			break
		}
		enriched, err := enricher.Enrich(ctx, out[i], evidence)
		if err != nil {
			logger.Warn("hypothesis enrichment failed, keeping rules output",
				slog.String("hypothesis_id", out[i].ID),
				slog.Any("error", err))
			continue
		}
		immutable := out[i]
		immutable.Title = enriched.Title
		immutable.Description = enriched.Description
		immutable.GeneratedBy = models.GeneratedByRulesLLM
		out[i] = immutable
	}
	return out
}

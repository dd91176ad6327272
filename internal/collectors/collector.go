// Package collectors gathers incident evidence from the cluster API, the
// log backend, the metrics backend, and deploy history. Collectors are
// registered by source name so new sources can be added without touching
// the rules engine or the workflow.
package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonops/halcyon/internal/graph"
	"github.com/halcyonops/halcyon/internal/models"
)

// Signal strength rubric, uniform across collectors.
const (
	SignalTerminal        = 1.0 // unambiguous terminal state (OOMKilled, ImagePullBackOff)
	SignalDeployCorrelate = 0.9 // recent-deploy-correlated crash
	SignalHighRestart     = 0.7 // high restart delta
	SignalDefault         = 0.5 // default presence
	SignalInformational   = 0.2 // merely-informational state
)

// Entity is an infrastructure node surfaced during collection.
type Entity struct {
	Key   graph.EntityKey
	Attrs map[string]any
}

// Relation is a typed edge surfaced during collection. From/To are graph
// node IDs; for AFFECTS the collector sets From to the incident node ID.
type Relation struct {
	From string
	To   string
	Rel  graph.Relation
}

// Result aggregates one collector run. Errs carries swallowed per-section
// failures; Partial marks a deadline-truncated run.
type Result struct {
	Collector string
	Evidence  []models.Evidence
	Entities  []Entity
	Relations []Relation
	Errs      []string
	Partial   bool
}

// Collector is the capability every evidence source implements.
type Collector interface {
	Name() string
	Collect(ctx context.Context, inc models.Incident, window models.TimeWindow) (Result, error)
}

// Registry maps source names to collectors.
type Registry struct {
	collectors map[string]Collector
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector under its source name; later registrations
// replace earlier ones.
func (r *Registry) Register(c Collector) {
	r.collectors[c.Name()] = c
}

// All returns registered collectors in stable name order.
func (r *Registry) All() []Collector {
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Collector, 0, len(names))
	for _, name := range names {
		out = append(out, r.collectors[name])
	}
	return out
}

// Get returns the collector for a source name.
func (r *Registry) Get(name string) (Collector, bool) {
	c, ok := r.collectors[name]
	return c, ok
}

// newEvidence builds an evidence record with a marshaled payload.
func newEvidence(inc models.Incident, window models.TimeWindow, t models.EvidenceType, src models.EvidenceSource, entityName string, data any, strength float64, summary string) (models.Evidence, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.Evidence{}, fmt.Errorf("encode %s evidence: %w", t, err)
	}
	return models.Evidence{
		ID:              uuid.NewString(),
		IncidentID:      inc.ID,
		EvidenceType:    t,
		Source:          src,
		EntityName:      entityName,
		EntityNamespace: inc.Namespace,
		Data:            raw,
		SignalStrength:  strength,
		Summary:         summary,
		CollectedAt:     time.Now().UTC(),
		TimeWindow:      window,
	}, nil
}

// markPartial flags every evidence record of a deadline-truncated run.
// Signal strengths are left unchanged.
func markPartial(res *Result) {
	res.Partial = true
	for i := range res.Evidence {
		res.Evidence[i].Partial = true
	}
}

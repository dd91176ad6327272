package graph

import (
	"context"
	"fmt"

	"github.com/halcyonops/halcyon/internal/models"
)

// Relation enumerates edge semantics in the evidence graph.
type Relation string

const (
	RelAffects     Relation = "AFFECTS"
	RelPartOf      Relation = "PART_OF"
	RelScheduledOn Relation = "SCHEDULED_ON"
	RelScaledBy    Relation = "SCALED_BY"
	RelHasEvidence Relation = "HAS_EVIDENCE"
	RelAbout       Relation = "ABOUT"
)

// EntityKey identifies an infrastructure entity node. Nodes are keyed by
// (cluster, namespace, kind, name); cluster-scoped kinds leave Namespace empty.
type EntityKey struct {
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
}

// String renders the canonical key form used for node identity.
func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Cluster, k.Namespace, k.Kind, k.Name)
}

// Node is a graph node: an incident, an infrastructure entity, or evidence.
type Node struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Edge is a typed relationship between two nodes. Edges are idempotent on
// (From, To, Relation).
type Edge struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Relation Relation       `json:"relation"`
	Props    map[string]any `json:"props,omitempty"`
}

// Subgraph is the bounded neighborhood of an incident node.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// MaxSubgraphDepth bounds the BFS performed by Store.Subgraph.
const MaxSubgraphDepth = 3

// Store is the typed evidence graph. Upserts are atomic per key and
// commutative: concurrent upserts of the same key converge to one node
// with merged attributes (last-writer-wins on scalars, union on sets).
type Store interface {
	// UpsertEntity creates or merges an entity node, returning its node ID.
	UpsertEntity(ctx context.Context, key EntityKey, attrs map[string]any) (string, error)
	// LinkIncidentToEntity records an incident→entity relationship,
	// idempotent on (incidentID, entityID, relation).
	LinkIncidentToEntity(ctx context.Context, incidentID, entityID string, rel Relation, props map[string]any) error
	// LinkEntities records an entity→entity topology edge (PART_OF,
	// SCHEDULED_ON, SCALED_BY), idempotent on (from, to, relation).
	LinkEntities(ctx context.Context, fromID, toID string, rel Relation, props map[string]any) error
	// AttachEvidence appends an evidence node plus HAS_EVIDENCE and ABOUT edges.
	AttachEvidence(ctx context.Context, incidentID string, ev models.Evidence) error
	// Subgraph returns the incident neighborhood up to depth (≤ MaxSubgraphDepth).
	Subgraph(ctx context.Context, incidentID string, depth int) (Subgraph, error)
}

// IncidentNodeID returns the node ID used for an incident.
func IncidentNodeID(incidentID string) string { return "incident:" + incidentID }

// EvidenceNodeID returns the node ID used for an evidence record.
func EvidenceNodeID(evidenceID string) string { return "evidence:" + evidenceID }

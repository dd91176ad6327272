package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/halcyonops/halcyon/internal/models"
)

// MemoryStore is an in-process Store. It is the reference implementation of
// the merge semantics and backs tests and single-node deployments.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string]*Node
	adj   map[string]map[edgeKey]*Edge
}

type edgeKey struct {
	to  string
	rel Relation
}

// NewMemoryStore constructs an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*Node),
		adj:   make(map[string]map[edgeKey]*Edge),
	}
}

// UpsertEntity creates or merges an entity node keyed by (cluster, namespace,
// kind, name). Scalar attributes are last-writer-wins; slice-valued
// attributes are unioned.
func (s *MemoryStore) UpsertEntity(ctx context.Context, key EntityKey, attrs map[string]any) (string, error) {
	if key.Kind == "" || key.Name == "" {
		return "", fmt.Errorf("entity key requires kind and name, got %q", key)
	}
	id := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertNodeLocked(id, key.Kind, attrs)
	return id, nil
}

func (s *MemoryStore) upsertNodeLocked(id, kind string, attrs map[string]any) {
	node, ok := s.nodes[id]
	if !ok {
		node = &Node{ID: id, Kind: kind, Attrs: make(map[string]any)}
		s.nodes[id] = node
	}
	mergeAttrs(node.Attrs, attrs)
}

// mergeAttrs applies the convergence rule: union for set-valued attributes,
// last-writer-wins for everything else.
func mergeAttrs(dst, src map[string]any) {
	for k, v := range src {
		incoming, ok := toStringSet(v)
		if !ok {
			dst[k] = v
			continue
		}
		existing, _ := toStringSet(dst[k])
		dst[k] = unionSorted(existing, incoming)
	}
}

func toStringSet(v any) ([]string, bool) {
	switch vv := v.(type) {
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// LinkIncidentToEntity adds an edge from the incident node to an entity,
// idempotent on (incidentID, entityID, relation).
func (s *MemoryStore) LinkIncidentToEntity(ctx context.Context, incidentID, entityID string, rel Relation, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := IncidentNodeID(incidentID)
	if _, ok := s.nodes[from]; !ok {
		s.upsertNodeLocked(from, "Incident", map[string]any{"incident_id": incidentID})
	}
	if _, ok := s.nodes[entityID]; !ok {
		return fmt.Errorf("link incident %s: unknown entity %s", incidentID, entityID)
	}
	s.addEdgeLocked(from, entityID, rel, props)
	return nil
}

// LinkEntities records an entity→entity topology edge between two existing
// nodes, idempotent on (from, to, relation).
func (s *MemoryStore) LinkEntities(ctx context.Context, fromID, toID string, rel Relation, props map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[fromID]; !ok {
		return fmt.Errorf("link: unknown node %s", fromID)
	}
	if _, ok := s.nodes[toID]; !ok {
		return fmt.Errorf("link: unknown node %s", toID)
	}
	s.addEdgeLocked(fromID, toID, rel, props)
	return nil
}

func (s *MemoryStore) addEdgeLocked(from, to string, rel Relation, props map[string]any) {
	edges, ok := s.adj[from]
	if !ok {
		edges = make(map[edgeKey]*Edge)
		s.adj[from] = edges
	}
	key := edgeKey{to: to, rel: rel}
	edge, ok := edges[key]
	if !ok {
		edge = &Edge{From: from, To: to, Relation: rel, Props: make(map[string]any)}
		edges[key] = edge
	}
	mergeAttrs(edge.Props, props)
}

// AttachEvidence appends an evidence node with a HAS_EVIDENCE edge from the
// incident and an ABOUT edge to the entity the evidence concerns.
func (s *MemoryStore) AttachEvidence(ctx context.Context, incidentID string, ev models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := IncidentNodeID(incidentID)
	if _, ok := s.nodes[from]; !ok {
		s.upsertNodeLocked(from, "Incident", map[string]any{"incident_id": incidentID})
	}

	evID := EvidenceNodeID(ev.ID)
	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("attach evidence %s: decode data: %w", ev.ID, err)
		}
	}
	s.upsertNodeLocked(evID, "Evidence", map[string]any{
		"evidence_type":   string(ev.EvidenceType),
		"source":          string(ev.Source),
		"signal_strength": ev.SignalStrength,
		"data":            data,
	})
	s.addEdgeLocked(from, evID, RelHasEvidence, nil)

	if ev.EntityName != "" {
		// The evidence record does not carry the cluster half of the entity
		// key, so match on the namespace/kind/name suffix.
		suffix := fmt.Sprintf("/%s/%s/%s", ev.EntityNamespace, entityKindFor(ev.EvidenceType), ev.EntityName)
		for id := range s.nodes {
			if strings.HasSuffix(id, suffix) {
				s.addEdgeLocked(evID, id, RelAbout, nil)
				break
			}
		}
	}
	return nil
}

func entityKindFor(t models.EvidenceType) string {
	switch t {
	case models.EvidencePodState:
		return "Pod"
	case models.EvidenceContainerState, models.EvidenceDeployHistory:
		return "Deployment"
	case models.EvidenceNodeState:
		return "Node"
	case models.EvidenceHPAState:
		return "HPA"
	default:
		return "Entity"
	}
}

// Subgraph walks outward from the incident node with a bounded BFS.
func (s *MemoryStore) Subgraph(ctx context.Context, incidentID string, depth int) (Subgraph, error) {
	if depth <= 0 || depth > MaxSubgraphDepth {
		depth = MaxSubgraphDepth
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := IncidentNodeID(incidentID)
	if _, ok := s.nodes[start]; !ok {
		return Subgraph{}, fmt.Errorf("subgraph: unknown incident %s", incidentID)
	}

	visited := map[string]struct{}{start: {}}
	frontier := []string{start}
	var out Subgraph
	out.Nodes = append(out.Nodes, cloneNode(s.nodes[start]))

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			keys := make([]edgeKey, 0, len(s.adj[id]))
			for k := range s.adj[id] {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				if keys[i].to != keys[j].to {
					return keys[i].to < keys[j].to
				}
				return keys[i].rel < keys[j].rel
			})
			for _, k := range keys {
				edge := s.adj[id][k]
				out.Edges = append(out.Edges, *edge)
				if _, seen := visited[edge.To]; seen {
					continue
				}
				visited[edge.To] = struct{}{}
				out.Nodes = append(out.Nodes, cloneNode(s.nodes[edge.To]))
				next = append(next, edge.To)
			}
		}
		frontier = next
	}
	return out, nil
}

func cloneNode(n *Node) Node {
	attrs := make(map[string]any, len(n.Attrs))
	for k, v := range n.Attrs {
		attrs[k] = v
	}
	return Node{ID: n.ID, Kind: n.Kind, Attrs: attrs}
}

package graph

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
)

func TestUpsertEntityMergesAttributes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := EntityKey{Cluster: "c1", Namespace: "payments", Kind: "Pod", Name: "api-7f"}

	id1, err := store.UpsertEntity(ctx, key, map[string]any{"phase": "Running", "tags": []string{"a"}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := store.UpsertEntity(ctx, key, map[string]any{"phase": "CrashLoopBackOff", "tags": []string{"b"}})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same key produced different ids: %s vs %s", id1, id2)
	}

	node := store.nodes[id1]
	if node.Attrs["phase"] != "CrashLoopBackOff" {
		t.Errorf("scalar attr not last-writer-wins: %v", node.Attrs["phase"])
	}
	tags, _ := node.Attrs["tags"].([]string)
	if !reflect.DeepEqual(tags, []string{"a", "b"}) {
		t.Errorf("set attr not unioned: %v", tags)
	}
}

func TestUpsertEntityCommutative(t *testing.T) {
	ctx := context.Background()
	key := EntityKey{Cluster: "c1", Namespace: "ns", Kind: "Node", Name: "n1"}
	attrsA := map[string]any{"tags": []string{"x", "y"}}
	attrsB := map[string]any{"tags": []string{"y", "z"}}

	ab := NewMemoryStore()
	ab.UpsertEntity(ctx, key, attrsA)
	ab.UpsertEntity(ctx, key, attrsB)

	ba := NewMemoryStore()
	ba.UpsertEntity(ctx, key, attrsB)
	ba.UpsertEntity(ctx, key, attrsA)

	tagsAB := ab.nodes[key.String()].Attrs["tags"]
	tagsBA := ba.nodes[key.String()].Attrs["tags"]
	if !reflect.DeepEqual(tagsAB, tagsBA) {
		t.Fatalf("union not commutative: %v vs %v", tagsAB, tagsBA)
	}
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := EntityKey{Cluster: "c1", Namespace: "ns", Kind: "Pod", Name: "p"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tag := string(rune('a' + n))
			if _, err := store.UpsertEntity(ctx, key, map[string]any{"tags": []string{tag}}); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	tags, _ := store.nodes[key.String()].Attrs["tags"].([]string)
	if len(tags) != 16 {
		t.Fatalf("expected 16 unioned tags, got %d", len(tags))
	}
}

func TestLinkIncidentIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := EntityKey{Cluster: "c1", Namespace: "ns", Kind: "Pod", Name: "p"}
	id, _ := store.UpsertEntity(ctx, key, nil)

	for i := 0; i < 3; i++ {
		if err := store.LinkIncidentToEntity(ctx, "inc-1", id, RelAffects, nil); err != nil {
			t.Fatalf("link: %v", err)
		}
	}

	sub, err := store.Subgraph(ctx, "inc-1", 1)
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}
	if len(sub.Edges) != 1 {
		t.Fatalf("expected 1 edge after repeated links, got %d", len(sub.Edges))
	}
}

func TestAttachEvidenceRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload := map[string]any{"name": "api-7f", "restart_count": float64(15)}
	raw, _ := json.Marshal(payload)
	ev := models.Evidence{
		ID:              "ev-1",
		IncidentID:      "inc-1",
		EvidenceType:    models.EvidencePodState,
		Source:          models.SourceK8s,
		EntityName:      "api-7f",
		EntityNamespace: "payments",
		Data:            raw,
		SignalStrength:  0.95,
		CollectedAt:     time.Now(),
	}
	if err := store.AttachEvidence(ctx, "inc-1", ev); err != nil {
		t.Fatalf("attach: %v", err)
	}

	sub, err := store.Subgraph(ctx, "inc-1", 2)
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}

	var found *Node
	for i := range sub.Nodes {
		if sub.Nodes[i].ID == EvidenceNodeID("ev-1") {
			found = &sub.Nodes[i]
		}
	}
	if found == nil {
		t.Fatalf("evidence node missing from subgraph")
	}
	if found.Attrs["signal_strength"] != 0.95 {
		t.Errorf("signal strength changed: %v", found.Attrs["signal_strength"])
	}
	data, ok := found.Attrs["data"].(map[string]any)
	if !ok || !reflect.DeepEqual(data, payload) {
		t.Errorf("evidence data not preserved: %v", found.Attrs["data"])
	}
}

func TestSubgraphDepthBound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pod, _ := store.UpsertEntity(ctx, EntityKey{Cluster: "c", Namespace: "ns", Kind: "Pod", Name: "p"}, nil)
	deploy, _ := store.UpsertEntity(ctx, EntityKey{Cluster: "c", Namespace: "ns", Kind: "Deployment", Name: "d"}, nil)
	node, _ := store.UpsertEntity(ctx, EntityKey{Cluster: "c", Kind: "Node", Name: "n"}, nil)
	hpa, _ := store.UpsertEntity(ctx, EntityKey{Cluster: "c", Namespace: "ns", Kind: "HPA", Name: "h"}, nil)

	store.LinkIncidentToEntity(ctx, "inc-1", pod, RelAffects, nil)
	store.LinkEntities(ctx, pod, deploy, RelPartOf, nil)
	store.LinkEntities(ctx, pod, node, RelScheduledOn, nil)
	store.LinkEntities(ctx, deploy, hpa, RelScaledBy, nil)

	shallow, err := store.Subgraph(ctx, "inc-1", 1)
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}
	// Incident + pod only at depth 1.
	if len(shallow.Nodes) != 2 {
		t.Fatalf("depth 1 expected 2 nodes, got %d", len(shallow.Nodes))
	}

	deep, err := store.Subgraph(ctx, "inc-1", 3)
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}
	if len(deep.Nodes) != 5 {
		t.Fatalf("depth 3 expected 5 nodes, got %d", len(deep.Nodes))
	}
}

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/store"
)

func testAlert() models.Alert {
	return models.Alert{
		Title:     "HighErrorRate",
		Severity:  models.SeverityCritical,
		Source:    "alertmanager",
		Cluster:   "c1",
		Namespace: "payments",
		Service:   "api",
		Labels:    map[string]string{"alertname": "HighErrorRate", "team": "payments"},
		StartedAt: time.Now().UTC(),
	}
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFingerprintStable(t *testing.T) {
	a := testAlert()
	b := testAlert()
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("identical alerts must produce identical fingerprints")
	}

	b.Labels["pod"] = "api-7f"
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("label change must change the fingerprint")
	}

	c := testAlert()
	c.Namespace = "checkout"
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatalf("namespace change must change the fingerprint")
	}
}

func TestIngestCreatesIncident(t *testing.T) {
	n := NewNormalizer(openStore(t), nil)
	inc, created, err := n.Ingest(context.Background(), testAlert())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !created {
		t.Fatalf("expected a new incident")
	}
	if inc.Status != models.StatusOpen {
		t.Errorf("status = %s, want open", inc.Status)
	}
	if inc.Fingerprint == "" {
		t.Errorf("fingerprint not derived")
	}
}

func TestIngestDeduplicates(t *testing.T) {
	n := NewNormalizer(openStore(t), nil)
	ctx := context.Background()

	first, created, err := n.Ingest(ctx, testAlert())
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	second, created, err := n.Ingest(ctx, testAlert())
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if created {
		t.Fatalf("duplicate fingerprint must not create a new incident")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate mapped to %s, want %s", second.ID, first.ID)
	}
}

func TestNormalizeValidation(t *testing.T) {
	n := NewNormalizer(openStore(t), nil)

	missingNamespace := testAlert()
	missingNamespace.Namespace = ""
	if _, err := n.Normalize(missingNamespace); err == nil {
		t.Errorf("missing namespace must fail")
	}

	unnamed := testAlert()
	unnamed.Title = ""
	unnamed.Labels = map[string]string{}
	if _, err := n.Normalize(unnamed); err == nil {
		t.Errorf("missing title and alertname must fail")
	}

	odd := testAlert()
	odd.Severity = models.Severity("urgent")
	normalized, err := n.Normalize(odd)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized.Severity != models.SeverityWarning {
		t.Errorf("unknown severity should default to warning, got %s", normalized.Severity)
	}

	supplied := testAlert()
	supplied.Fingerprint = "external-fp"
	normalized, err = n.Normalize(supplied)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized.Fingerprint != "external-fp" {
		t.Errorf("supplied fingerprint must be kept")
	}
}

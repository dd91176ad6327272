package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/halcyonops/halcyon/internal/models"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	st, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testIncident(id, fingerprint string) models.Incident {
	return models.Incident{
		ID:          id,
		Fingerprint: fingerprint,
		Title:       "api crash looping",
		Severity:    models.SeverityCritical,
		Status:      models.StatusOpen,
		Cluster:     "c1",
		Namespace:   "payments",
		Service:     "api",
		StartedAt:   time.Now().UTC(),
	}
}

func TestFingerprintUniqueness(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateIncident(ctx, testIncident("inc-1", "fp-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := st.CreateIncident(ctx, testIncident("inc-2", "fp-1"))
	if !errors.Is(err, ErrDuplicateFingerprint) {
		t.Fatalf("expected ErrDuplicateFingerprint, got %v", err)
	}

	existing, err := st.IncidentByFingerprint(ctx, "fp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing.ID != "inc-1" {
		t.Errorf("fingerprint resolves to %s, want inc-1", existing.ID)
	}
}

func TestFingerprintReusableAfterTerminal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	inc := testIncident("inc-1", "fp-1")
	if err := st.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("create: %v", err)
	}
	inc.Status = models.StatusResolved
	if err := st.UpdateIncidentStatus(ctx, inc); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := st.CreateIncident(ctx, testIncident("inc-2", "fp-1")); err != nil {
		t.Fatalf("fingerprint should rebind after terminal status: %v", err)
	}
}

func TestEvidenceAppendOnly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	evs := []models.Evidence{
		{ID: "ev-1", IncidentID: "inc-1", EvidenceType: models.EvidencePodState, SignalStrength: 0.9},
		{ID: "ev-2", IncidentID: "inc-1", EvidenceType: models.EvidenceLogsPattern, SignalStrength: 0.5},
	}
	if err := st.AppendEvidence(ctx, evs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendEvidence(ctx, []models.Evidence{
		{ID: "ev-3", IncidentID: "inc-1", EvidenceType: models.EvidenceMetricSample, SignalStrength: 0.7},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := st.EvidenceForIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 evidence records, got %d", len(got))
	}
	for i, want := range []string{"ev-1", "ev-2", "ev-3"} {
		if got[i].ID != want {
			t.Errorf("append order broken at %d: %s", i, got[i].ID)
		}
	}
}

func TestActionIdempotencyIndex(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	action := models.RemediationAction{
		ID:              "act-1",
		IncidentID:      "inc-1",
		IdempotencyKey:  "inc-1_restart_pod_api-7f_abc",
		ActionType:      models.ActionRestartPod,
		TargetResource:  "api-7f",
		TargetNamespace: "payments",
		Status:          models.ActionSucceeded,
		ExecutionResult: &models.ExecutionResult{Success: true, Attempts: 1},
	}
	if err := st.PutAction(ctx, action); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.ActionByIdempotencyKey(ctx, action.IdempotencyKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "act-1" || !got.ExecutionResult.Success {
		t.Errorf("cached record mismatch: %+v", got)
	}

	if _, err := st.ActionByIdempotencyKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
}

func TestSingleOpenActionPerIncident(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first := models.RemediationAction{
		ID: "act-1", IncidentID: "inc-1", IdempotencyKey: "k1",
		ActionType: models.ActionRestartPod, Status: models.ActionExecuting,
	}
	if err := st.PutAction(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}

	second := models.RemediationAction{
		ID: "act-2", IncidentID: "inc-1", IdempotencyKey: "k2",
		ActionType: models.ActionDeletePod, Status: models.ActionProposed,
	}
	if err := st.PutAction(ctx, second); err == nil {
		t.Fatalf("expected rejection of second non-terminal action")
	}

	// Terminal transition releases the slot.
	first.Status = models.ActionFailed
	if err := st.PutAction(ctx, first); err != nil {
		t.Fatalf("terminal update: %v", err)
	}
	if err := st.PutAction(ctx, second); err != nil {
		t.Fatalf("second action after terminal first: %v", err)
	}

	open, err := st.OpenActionForIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("open lookup: %v", err)
	}
	if open.ID != "act-2" {
		t.Errorf("open action = %s, want act-2", open.ID)
	}
}

func TestLease(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	ok, err := st.AcquireLease(ctx, "payments", "api", "act-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = st.AcquireLease(ctx, "payments", "api", "act-2")
	if err != nil || ok {
		t.Fatalf("conflicting acquire should fail: ok=%v err=%v", ok, err)
	}
	// Re-acquisition by the holder is allowed.
	ok, err = st.AcquireLease(ctx, "payments", "api", "act-1")
	if err != nil || !ok {
		t.Fatalf("re-acquire by holder: ok=%v err=%v", ok, err)
	}

	if err := st.ReleaseLease(ctx, "payments", "api", "act-2"); err != nil {
		t.Fatalf("release by non-holder must be a no-op: %v", err)
	}
	ok, _ = st.AcquireLease(ctx, "payments", "api", "act-3")
	if ok {
		t.Fatalf("lease should still be held after foreign release")
	}

	if err := st.ReleaseLease(ctx, "payments", "api", "act-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = st.AcquireLease(ctx, "payments", "api", "act-3")
	if !ok {
		t.Fatalf("lease should be free after release")
	}
}

func TestListOpenIncidents(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	open := testIncident("inc-1", "fp-1")
	done := testIncident("inc-2", "fp-2")
	if err := st.CreateIncident(ctx, open); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateIncident(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	done.Status = models.StatusResolved
	if err := st.UpdateIncidentStatus(ctx, done); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.ListOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inc-1" {
		t.Fatalf("open incidents = %+v, want [inc-1]", got)
	}
}

func TestAuditAppend(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	recs := []AuditRecord{
		{IncidentID: "inc-1", ActionID: "act-1", Decision: "REQUIRE_APPROVAL", Reason: "freeze_window"},
		{IncidentID: "inc-1", ActionID: "act-1", Decision: "DENY", Reason: "protected namespace"},
	}
	for _, rec := range recs {
		if err := st.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	got, err := st.AuditForIncident(ctx, "inc-1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(got) != 2 || got[0].Decision != "REQUIRE_APPROVAL" || got[1].Decision != "DENY" {
		t.Fatalf("audit records = %+v", got)
	}
}

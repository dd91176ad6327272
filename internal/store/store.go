// Package store persists incidents, remediation actions, hypotheses,
// evidence, and verification records. Evidence, hypotheses, and
// verifications are append-only; incidents and actions are keyed records
// with unique-constraint semantics on fingerprint and idempotency key.
package store

import (
	"context"
	"errors"

	"github.com/halcyonops/halcyon/internal/models"
)

// ErrNotFound signals an absent record.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateFingerprint signals an incident insert whose fingerprint is
// already bound to a non-terminal incident.
var ErrDuplicateFingerprint = errors.New("fingerprint already bound to an open incident")

// Store is the persistence contract for the core pipeline.
type Store interface {
	// CreateIncident inserts a new incident; returns ErrDuplicateFingerprint
	// (with no write) when the fingerprint is bound to a non-terminal incident.
	CreateIncident(ctx context.Context, inc models.Incident) error
	// GetIncident fetches an incident by ID.
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	// IncidentByFingerprint resolves a fingerprint to the incident currently
	// bound to it, or ErrNotFound.
	IncidentByFingerprint(ctx context.Context, fingerprint string) (models.Incident, error)
	// UpdateIncidentStatus persists a status transition.
	UpdateIncidentStatus(ctx context.Context, inc models.Incident) error
	// ListOpenIncidents returns every non-terminal incident (crash-resume).
	ListOpenIncidents(ctx context.Context) ([]models.Incident, error)

	// AppendEvidence appends evidence records for an incident.
	AppendEvidence(ctx context.Context, evidence []models.Evidence) error
	// EvidenceForIncident lists evidence in append order.
	EvidenceForIncident(ctx context.Context, incidentID string) ([]models.Evidence, error)

	// AppendHypotheses appends a ranked hypothesis set for an incident run.
	AppendHypotheses(ctx context.Context, hyps []models.Hypothesis) error
	// HypothesesForIncident lists hypotheses in rank order.
	HypothesesForIncident(ctx context.Context, incidentID string) ([]models.Hypothesis, error)

	// PutAction inserts or updates a remediation action.
	PutAction(ctx context.Context, action models.RemediationAction) error
	// ActionByIdempotencyKey resolves a prior action, or ErrNotFound.
	ActionByIdempotencyKey(ctx context.Context, key string) (models.RemediationAction, error)
	// OpenActionForIncident returns the single non-terminal action for an
	// incident, or ErrNotFound.
	OpenActionForIncident(ctx context.Context, incidentID string) (models.RemediationAction, error)

	// AppendVerification appends a verification record.
	AppendVerification(ctx context.Context, v models.VerificationResult) error

	// AppendRunbook appends a generated runbook.
	AppendRunbook(ctx context.Context, rb models.Runbook) error
	// RunbooksForIncident lists runbooks in append order.
	RunbooksForIncident(ctx context.Context, incidentID string) ([]models.Runbook, error)

	// AppendAudit appends a policy evaluation record for audit.
	AppendAudit(ctx context.Context, rec AuditRecord) error
	// AuditForIncident lists audit records in append order.
	AuditForIncident(ctx context.Context, incidentID string) ([]AuditRecord, error)

	// AcquireLease takes the logical lease for (namespace, target), returning
	// false when another holder owns it.
	AcquireLease(ctx context.Context, namespace, target, holder string) (bool, error)
	// ReleaseLease releases a held lease; releasing an unheld lease is a no-op.
	ReleaseLease(ctx context.Context, namespace, target, holder string) error

	Close() error
}

// AuditRecord captures one policy gate evaluation for audit retention.
type AuditRecord struct {
	IncidentID string         `json:"incident_id"`
	ActionID   string         `json:"action_id"`
	Inputs     map[string]any `json:"inputs"`
	Decision   string         `json:"decision"`
	Reason     string         `json:"reason,omitempty"`
	MatchedKey string         `json:"matched_key,omitempty"`
	At         int64          `json:"at"`
}

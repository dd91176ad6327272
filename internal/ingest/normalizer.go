// Package ingest turns inbound monitoring alerts into incidents and keeps
// the fingerprint → incident binding that deduplicates re-deliveries.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/store"
)

// Normalizer validates alerts, derives fingerprints, and creates or
// re-resolves incidents through the store.
type Normalizer struct {
	store  store.Store
	logger *slog.Logger
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(st store.Store, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{store: st, logger: logger}
}

// Normalize validates an alert and fills derived fields.
func (n *Normalizer) Normalize(alert models.Alert) (models.Alert, error) {
	if alert.Namespace == "" {
		return alert, fmt.Errorf("alert namespace is required")
	}
	if alert.Title == "" {
		alert.Title = alert.Labels["alertname"]
	}
	if alert.Title == "" {
		return alert, fmt.Errorf("alert title or alertname label is required")
	}
	switch alert.Severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical, models.SeverityPage:
	default:
		alert.Severity = models.SeverityWarning
	}
	if alert.StartedAt.IsZero() {
		alert.StartedAt = time.Now().UTC()
	}
	if alert.Fingerprint == "" {
		alert.Fingerprint = Fingerprint(alert)
	}
	return alert, nil
}

// Fingerprint derives a stable identity hash from
// (alertname, cluster, namespace, service, sorted labels).
func Fingerprint(alert models.Alert) string {
	h := sha256.New()
	name := alert.Labels["alertname"]
	if name == "" {
		name = alert.Title
	}
	parts := []string{name, alert.Cluster, alert.Namespace, alert.Service}
	keys := make([]string, 0, len(alert.Labels))
	for k := range alert.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+alert.Labels[k])
	}
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Ingest maps an alert to its incident: a new incident for an unseen
// fingerprint, the existing one when the fingerprint is already bound to a
// non-terminal incident. The bool result reports whether an incident was
// created.
func (n *Normalizer) Ingest(ctx context.Context, alert models.Alert) (models.Incident, bool, error) {
	alert, err := n.Normalize(alert)
	if err != nil {
		return models.Incident{}, false, err
	}

	inc := models.Incident{
		ID:          uuid.NewString(),
		Fingerprint: alert.Fingerprint,
		Title:       alert.Title,
		Severity:    alert.Severity,
		Status:      models.StatusOpen,
		Source:      alert.Source,
		Cluster:     alert.Cluster,
		Namespace:   alert.Namespace,
		Service:     alert.Service,
		Labels:      alert.Labels,
		Annotations: alert.Annotations,
		StartedAt:   alert.StartedAt,
	}

	err = n.store.CreateIncident(ctx, inc)
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		existing, gerr := n.store.IncidentByFingerprint(ctx, alert.Fingerprint)
		if gerr != nil {
			return models.Incident{}, false, fmt.Errorf("resolve duplicate fingerprint: %w", gerr)
		}
		n.logger.Debug("duplicate alert attached to incident",
			slog.String("fingerprint", alert.Fingerprint),
			slog.String("incident_id", existing.ID))
		return existing, false, nil
	}
	if err != nil {
		return models.Incident{}, false, fmt.Errorf("create incident: %w", err)
	}

	n.logger.Info("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("fingerprint", inc.Fingerprint),
		slog.String("namespace", inc.Namespace),
		slog.String("severity", string(inc.Severity)))
	return inc, true, nil
}

package workflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/halcyonops/halcyon/internal/ingest"
	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/store"
)

// Manager dispatches incidents to a bounded worker pool. Alerts with the
// same fingerprint map to the same workflow; a second delivery while the
// workflow is live is a no-op beyond the dedup lookup.
type Manager struct {
	engine     *Engine
	normalizer *ingest.Normalizer
	store      store.Store
	logger     *slog.Logger

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	inFlight map[string]struct{}
}

// NewManager constructs a Manager with the given worker count.
func NewManager(engine *Engine, normalizer *ingest.Normalizer, st store.Store, workers int, logger *slog.Logger) *Manager {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		engine:     engine,
		normalizer: normalizer,
		store:      st,
		logger:     logger,
		queue:      make(chan string, workers*4),
		inFlight:   make(map[string]struct{}),
	}
	return m
}

// Start launches the worker pool; it drains until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case incidentID := <-m.queue:
					m.runOne(ctx, incidentID)
				}
			}
		}()
	}
}

// Wait blocks until the worker pool has drained after cancellation.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) runOne(ctx context.Context, incidentID string) {
	m.mu.Lock()
	if _, busy := m.inFlight[incidentID]; busy {
		m.mu.Unlock()
		return
	}
	m.inFlight[incidentID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, incidentID)
		m.mu.Unlock()
	}()

	inc, err := m.engine.Run(ctx, incidentID)
	if err != nil {
		m.logger.Error("workflow run failed",
			slog.String("incident_id", incidentID),
			slog.Any("error", err))
		return
	}
	m.logger.Info("workflow finished",
		slog.String("incident_id", inc.ID),
		slog.String("status", string(inc.Status)))
}

// Submit ingests an alert and enqueues its incident's workflow. Re-delivered
// fingerprints re-enqueue the existing incident; the in-flight check keeps a
// single live workflow per incident.
func (m *Manager) Submit(ctx context.Context, alert models.Alert) (models.Incident, error) {
	inc, created, err := m.normalizer.Ingest(ctx, alert)
	if err != nil {
		return models.Incident{}, err
	}
	if !created && inc.Status.Terminal() {
		return inc, nil
	}
	select {
	case m.queue <- inc.ID:
	case <-ctx.Done():
		return inc, ctx.Err()
	}
	return inc, nil
}

// Resume re-enqueues every non-terminal incident after a restart. Each
// resumed workflow replays its journal and picks up at the next suspension
// point.
func (m *Manager) Resume(ctx context.Context) error {
	open, err := m.store.ListOpenIncidents(ctx)
	if err != nil {
		return err
	}
	for _, inc := range open {
		m.logger.Info("resuming incident after restart",
			slog.String("incident_id", inc.ID),
			slog.String("status", string(inc.Status)))
		select {
		case m.queue <- inc.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel forwards an external cancellation signal to the incident workflow.
func (m *Manager) Cancel(incidentID string) { m.engine.Cancel(incidentID) }

// Acknowledge resolves an incident from an external ack with a resolution
// note, legal from any non-terminal state.
func (m *Manager) Acknowledge(ctx context.Context, incidentID, note string) (models.Incident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	if inc.Status.Terminal() {
		return inc, nil
	}
	m.engine.Cancel(incidentID)
	now := m.engine.clock()
	inc.AcknowledgedAt = &now
	return m.engine.transition(ctx, inc, models.StatusResolved, "external ack: "+note)
}

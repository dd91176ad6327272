// Package workflow is the durable incident state machine. Every state
// transition and activity result is journaled before downstream steps
// observe it; after a crash-restart the workflow replays its journal and
// resumes at the next suspension point without re-executing completed
// activities.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonops/halcyon/internal/approval"
	"github.com/halcyonops/halcyon/internal/collectors"
	"github.com/halcyonops/halcyon/internal/engine"
	"github.com/halcyonops/halcyon/internal/executor"
	"github.com/halcyonops/halcyon/internal/graph"
	"github.com/halcyonops/halcyon/internal/metrics"
	"github.com/halcyonops/halcyon/internal/models"
	"github.com/halcyonops/halcyon/internal/policy"
	"github.com/halcyonops/halcyon/internal/runbook"
	"github.com/halcyonops/halcyon/internal/store"
	"github.com/halcyonops/halcyon/internal/utils"
	"github.com/halcyonops/halcyon/internal/verify"
)

// ActionExecutor performs remediation actions.
type ActionExecutor interface {
	Execute(ctx context.Context, action models.RemediationAction) (models.ExecutionResult, error)
}

// RecoveryVerifier snapshots and compares metrics around an action.
type RecoveryVerifier interface {
	Snapshot(ctx context.Context, inc models.Incident) (verify.Snapshot, error)
	Verify(ctx context.Context, inc models.Incident, action models.RemediationAction, before verify.Snapshot) (models.VerificationResult, error)
}

// Clock abstracts time for the gate's freeze-window inputs so replays and
// tests are deterministic.
type Clock func() time.Time

// Config carries the workflow tunables.
type Config struct {
	Environment                 policy.Environment
	CollectionDeadlineTotal     time.Duration
	CollectionDeadlinePerSource time.Duration
	VerificationDelay           time.Duration
	ApprovalTimeout             time.Duration
	RetryBudget                 int
	FreezeActive                bool
	AutoApproveDev              bool
	CriticalNamespaces          map[string]struct{}
	SoftDeadline                time.Duration
}

func (c *Config) applyDefaults() {
	if c.CollectionDeadlineTotal <= 0 {
		c.CollectionDeadlineTotal = 5 * time.Minute
	}
	if c.CollectionDeadlinePerSource <= 0 {
		c.CollectionDeadlinePerSource = 60 * time.Second
	}
	if c.VerificationDelay <= 0 {
		c.VerificationDelay = 120 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 4 * time.Hour
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 1
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = 8 * time.Hour
	}
}

// Engine drives incident workflows. One Engine serves many concurrent
// incidents; per-incident execution is serialized by the caller.
type Engine struct {
	store     store.Store
	journal   *Journal
	graph     graph.Store
	registry  *collectors.Registry
	rules     *engine.RuleEngine
	enricher  engine.Enricher
	runbooks  *runbook.Generator
	gate      *policy.Gate
	executor  ActionExecutor
	verifier  RecoveryVerifier
	approver  approval.Approver
	cfg       Config
	clock     Clock
	logger    *slog.Logger
	latencies *utils.LatencyTracker

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// NewEngine wires the workflow driver.
func NewEngine(
	st store.Store,
	journal *Journal,
	graphStore graph.Store,
	registry *collectors.Registry,
	rules *engine.RuleEngine,
	enricher engine.Enricher,
	runbooks *runbook.Generator,
	gate *policy.Gate,
	exec ActionExecutor,
	verifier RecoveryVerifier,
	approver approval.Approver,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		journal:   journal,
		graph:     graphStore,
		registry:  registry,
		rules:     rules,
		enricher:  enricher,
		runbooks:  runbooks,
		gate:      gate,
		executor:  exec,
		verifier:  verifier,
		approver:  approver,
		cfg:       cfg,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
		cancels:   make(map[string]chan struct{}),
	}
}

// WithClock overrides the gate clock (tests).
func (e *Engine) WithClock(clock Clock) *Engine {
	e.clock = clock
	return e
}

// Cancel signals the incident's workflow; it fails at its next suspension
// point without issuing new cluster mutations.
func (e *Engine) Cancel(incidentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.cancels[incidentID]
	if !ok {
		ch = make(chan struct{})
		e.cancels[incidentID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (e *Engine) cancelChan(incidentID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.cancels[incidentID]
	if !ok {
		ch = make(chan struct{})
		e.cancels[incidentID] = ch
	}
	return ch
}

func (e *Engine) dropCancelChan(incidentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, incidentID)
}

// errCancelled marks a cancellation observed at a suspension point.
var errCancelled = errors.New("workflow cancelled")

// Run executes (or resumes) the workflow for an incident until it reaches a
// terminal status. The returned incident carries the final state.
func (e *Engine) Run(ctx context.Context, incidentID string) (models.Incident, error) {
	started := time.Now()
	defer func() { e.latencies.Observe(time.Since(started)) }()
	defer e.dropCancelChan(incidentID)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SoftDeadline)
	defer cancel()

	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return models.Incident{}, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	if inc.Status.Terminal() {
		return inc, nil
	}

	entries, err := e.journal.Replay(incidentID)
	if err != nil {
		return inc, fmt.Errorf("replay journal for %s: %w", incidentID, err)
	}
	completed := CompletedActivities(entries)
	if len(entries) > 0 {
		e.logger.Info("resuming workflow from journal",
			slog.String("incident_id", incidentID),
			slog.Int("journaled_entries", len(entries)))
	}

	inc, err = e.run(ctx, inc, completed)
	if errors.Is(err, errCancelled) {
		inc = e.fail(ctx, inc, models.FailureCancelled, "cancelled by operator")
		metrics.ObserveIncident(time.Since(started), string(inc.Status))
		return inc, nil
	}
	if err != nil {
		return inc, err
	}
	metrics.ObserveIncident(time.Since(started), string(inc.Status))
	if count := e.latencies.Count(); count >= 20 && count%20 == 0 {
		e.logger.Info("workflow latency", slog.Duration("p95", e.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return inc, nil
}

type collectOutcome struct {
	Evidence  []models.Evidence     `json:"evidence"`
	Entities  []collectors.Entity   `json:"entities,omitempty"`
	Relations []collectors.Relation `json:"relations,omitempty"`
	Partial   bool                  `json:"partial"`
	Errs      []string              `json:"errs,omitempty"`
}

type graphOutcome struct {
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Evidence  int `json:"evidence"`
}

type gateOutcome struct {
	Decision    policy.Decision `json:"decision"`
	CurrentHour int             `json:"current_hour"`
	IsWeekend   bool            `json:"is_weekend"`
}

type approvalOutcome struct {
	Outcome   approval.Outcome `json:"outcome"`
	Responder string           `json:"responder,omitempty"`
}

type executeOutcome struct {
	Result      models.ExecutionResult `json:"result"`
	FailureKind models.FailureKind     `json:"failure_kind,omitempty"`
	Err         string                 `json:"err,omitempty"`
}

func (e *Engine) run(ctx context.Context, inc models.Incident, completed map[string]json.RawMessage) (models.Incident, error) {
	if inc.Status == models.StatusOpen {
		var err error
		inc, err = e.transition(ctx, inc, models.StatusInvestigating, "evidence collection started")
		if err != nil {
			return inc, err
		}
	}

	// Parallel evidence collection joins on all collectors finishing, any
	// hitting their deadline (partial), or the overall budget elapsing.
	collected, err := runActivity(e, ctx, inc.ID, "collect", completed, 3, func(ctx context.Context) (collectOutcome, error) {
		return e.collectAll(ctx, inc)
	})
	if err != nil {
		return inc, err
	}
	if err := e.checkCancel(inc.ID); err != nil {
		return inc, err
	}

	if _, err := runActivity(e, ctx, inc.ID, "graph", completed, 3, func(ctx context.Context) (graphOutcome, error) {
		return e.buildGraph(ctx, inc, collected)
	}); err != nil {
		e.logger.Warn("evidence graph build failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}

	hyps, err := runActivity(e, ctx, inc.ID, "hypotheses", completed, 3, func(ctx context.Context) ([]models.Hypothesis, error) {
		hyps := e.rules.Generate(inc, collected.Evidence)
		hyps = engine.EnrichHypotheses(ctx, e.enricher, hyps, collected.Evidence, e.logger)
		if err := e.store.AppendHypotheses(ctx, hyps); err != nil {
			return nil, err
		}
		return hyps, nil
	})
	if err != nil {
		return inc, err
	}
	e.logger.Info("hypotheses generated",
		slog.String("incident_id", inc.ID),
		slog.Int("count", len(hyps)),
		slog.String("top_category", string(hyps[0].Category)),
		slog.Float64("top_confidence", hyps[0].Confidence))

	// The runbook is advisory output for responders; a failure here never
	// blocks remediation.
	if e.runbooks != nil {
		if _, err := runActivity(e, ctx, inc.ID, "runbook", completed, 3, func(ctx context.Context) (models.Runbook, error) {
			rb := e.runbooks.Generate(inc, hyps, e.clock())
			if err := e.store.AppendRunbook(ctx, rb); err != nil {
				return models.Runbook{}, err
			}
			return rb, nil
		}); err != nil {
			e.logger.Warn("runbook generation failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		}
	}

	return e.remediate(ctx, inc, collected, hyps, completed)
}

// remediate walks the ranked hypotheses, gating and executing at most one
// action at a time, until one verifies or the retry budget is exhausted.
func (e *Engine) remediate(ctx context.Context, inc models.Incident, collected collectOutcome, hyps []models.Hypothesis, completed map[string]json.RawMessage) (models.Incident, error) {
	budget := e.cfg.RetryBudget + 1

	attempt := 0
	lastKind := models.FailureExhausted
	for _, hyp := range hyps {
		if attempt >= budget {
			break
		}
		template, ok := firstAutomatedAction(hyp)
		if !ok {
			continue
		}
		attempt++

		var err error
		inc, err = e.ensureStatus(ctx, inc, models.StatusRemediating, "remediation attempt: "+string(hyp.Category))
		if err != nil {
			return inc, err
		}

		outcome, failKind, err := e.attempt(ctx, &inc, collected, hyp, template, attempt, completed)
		if err != nil {
			return inc, err
		}
		if outcome {
			return e.resolve(ctx, inc)
		}

		lastKind = failKind
		switch failKind {
		case models.FailureApprovalTimeout, models.FailureCancelled:
			// Terminal regardless of remaining budget.
			return e.fail(ctx, inc, failKind, "remediation aborted"), nil
		case models.FailurePolicyDenied:
			// Try the next hypothesis when one remains; denial does not
			// consume the retry budget.
			attempt--
			continue
		default:
			continue
		}
	}

	if attempt == 0 && lastKind != models.FailurePolicyDenied {
		return e.fail(ctx, inc, models.FailureExhausted, "no automated remediation available"), nil
	}
	return e.fail(ctx, inc, lastKind, "remediation attempts exhausted"), nil
}

// attempt proposes, gates, approves, executes, and verifies one action.
// The bool result reports verified recovery.
func (e *Engine) attempt(ctx context.Context, inc *models.Incident, collected collectOutcome, hyp models.Hypothesis, template models.ActionTemplate, attempt int, completed map[string]json.RawMessage) (bool, models.FailureKind, error) {
	step := func(name string) string { return fmt.Sprintf("%s/%d", name, attempt) }

	action, err := runActivity(e, ctx, inc.ID, step("propose"), completed, 3, func(ctx context.Context) (models.RemediationAction, error) {
		return e.propose(ctx, *inc, collected, hyp, template)
	})
	if err != nil {
		return false, "", err
	}

	// The policy gate is pure and therefore never retried. Freeze-window
	// inputs are journaled with the decision so replay stays deterministic.
	gated, err := runActivity(e, ctx, inc.ID, step("gate"), completed, 0, func(ctx context.Context) (gateOutcome, error) {
		now := e.clock()
		in := policy.Input{
			Environment:      e.cfg.Environment,
			ActionType:       action.ActionType,
			Namespace:        action.TargetNamespace,
			BlastRadiusScore: action.BlastRadiusScore,
			AffectedReplicas: action.AffectedReplicas,
			CurrentHour:      now.Hour(),
			IsWeekend:        now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
			FreezeActive:     e.cfg.FreezeActive,
		}
		decision := e.gate.Evaluate(in)
		audit := store.AuditRecord{
			IncidentID: inc.ID,
			ActionID:   action.ID,
			Inputs: map[string]any{
				"environment":        string(in.Environment),
				"action_type":        string(in.ActionType),
				"namespace":          in.Namespace,
				"blast_radius_score": in.BlastRadiusScore,
				"affected_replicas":  in.AffectedReplicas,
				"current_hour":       in.CurrentHour,
				"is_weekend":         in.IsWeekend,
				"freeze_active":      in.FreezeActive,
			},
			Decision:   string(decision.Verdict),
			Reason:     decision.Reason,
			MatchedKey: decision.MatchedKey,
			At:         now.Unix(),
		}
		if err := e.store.AppendAudit(ctx, audit); err != nil {
			return gateOutcome{}, err
		}
		metrics.ObservePolicyDecision(string(decision.Verdict))
		return gateOutcome{Decision: decision, CurrentHour: in.CurrentHour, IsWeekend: in.IsWeekend}, nil
	})
	if err != nil {
		return false, "", err
	}

	switch gated.Decision.Verdict {
	case policy.VerdictDeny:
		action.Status = models.ActionPolicyDenied
		action.StatusReason = gated.Decision.Reason
		if err := e.store.PutAction(ctx, action); err != nil {
			return false, "", err
		}
		e.logger.Info("action denied by policy",
			slog.String("incident_id", inc.ID),
			slog.String("action_type", string(action.ActionType)),
			slog.String("reason", gated.Decision.Reason))
		return false, models.FailurePolicyDenied, nil

	case policy.VerdictRequireApproval:
		if e.cfg.Environment == policy.EnvDev && e.cfg.AutoApproveDev {
			break
		}
		action.Status = models.ActionAwaitingApproval
		action.RequiresApproval = true
		if err := e.store.PutAction(ctx, action); err != nil {
			return false, "", err
		}
		var terr error
		*inc, terr = e.transition(ctx, *inc, models.StatusAwaitingApproval, gated.Decision.Reason)
		if terr != nil {
			return false, "", terr
		}

		decision, err := runActivity(e, ctx, inc.ID, step("approval"), completed, 0, func(ctx context.Context) (approvalOutcome, error) {
			return e.awaitApproval(ctx, *inc, action, gated.Decision.Reason)
		})
		if err != nil {
			return false, "", err
		}
		switch decision.Outcome {
		case approval.OutcomeTimedOut:
			e.failAction(ctx, &action, "approval timed out")
			return false, models.FailureApprovalTimeout, nil
		case approval.OutcomeDenied:
			e.failAction(ctx, &action, "approval denied by "+decision.Responder)
			return false, models.FailureExhausted, nil
		}
		now := e.clock()
		action.Status = models.ActionApproved
		action.ApprovedBy = decision.Responder
		action.ApprovedAt = &now
		if err := e.store.PutAction(ctx, action); err != nil {
			return false, "", err
		}
		*inc, terr = e.transition(ctx, *inc, models.StatusRemediating, "approval granted")
		if terr != nil {
			return false, "", terr
		}
	}

	before, err := runActivity(e, ctx, inc.ID, step("snapshot"), completed, 3, func(ctx context.Context) (verify.Snapshot, error) {
		return e.verifier.Snapshot(ctx, *inc)
	})
	if err != nil {
		e.logger.Warn("pre-action snapshot failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
	}

	if err := e.checkCancel(inc.ID); err != nil {
		return false, "", err
	}

	executed, err := runActivity(e, ctx, inc.ID, step("execute"), completed, 0, func(ctx context.Context) (executeOutcome, error) {
		now := e.clock()
		action.Status = models.ActionExecuting
		action.ExecutedAt = &now
		if err := e.store.PutAction(ctx, action); err != nil {
			return executeOutcome{}, err
		}
		result, execErr := e.executor.Execute(ctx, action)
		out := executeOutcome{Result: result}
		if execErr != nil {
			out.FailureKind = models.FailureKindOf(execErr)
			out.Err = execErr.Error()
		}
		return out, nil
	})
	if err != nil {
		return false, "", err
	}
	metrics.ObserveExecution(string(action.ActionType), executed.Err == "")

	completedAt := e.clock()
	action.CompletedAt = &completedAt
	action.ExecutionResult = &executed.Result
	if executed.Err != "" {
		action.Status = models.ActionFailed
		action.StatusReason = executed.Err
		if err := e.store.PutAction(ctx, action); err != nil {
			return false, "", err
		}
		e.logger.Warn("action execution failed",
			slog.String("incident_id", inc.ID),
			slog.String("action_id", action.ID),
			slog.String("failure_kind", string(executed.FailureKind)),
			slog.String("error", executed.Err))
		return false, executed.FailureKind, nil
	}
	action.Status = models.ActionSucceeded
	if err := e.store.PutAction(ctx, action); err != nil {
		return false, "", err
	}

	var terr error
	*inc, terr = e.transition(ctx, *inc, models.StatusVerifying, "awaiting verification window")
	if terr != nil {
		return false, "", terr
	}

	// Verification delay is a cancellation-observing suspension; skip the
	// wait when the verify result is already journaled.
	if _, done := completed[step("verify")]; !done {
		if err := e.sleep(ctx, inc.ID, e.cfg.VerificationDelay); err != nil {
			return false, "", err
		}
	}

	verification, err := runActivity(e, ctx, inc.ID, step("verify"), completed, 3, func(ctx context.Context) (models.VerificationResult, error) {
		result, verr := e.verifier.Verify(ctx, *inc, action, before)
		if verr != nil {
			return models.VerificationResult{}, verr
		}
		if serr := e.store.AppendVerification(ctx, result); serr != nil {
			return models.VerificationResult{}, serr
		}
		return result, nil
	})
	if err != nil {
		return false, "", err
	}
	metrics.ObserveVerification(verification.Success)

	if verification.Success {
		action.Status = models.ActionVerified
		if err := e.store.PutAction(ctx, action); err != nil {
			return false, "", err
		}
		return true, "", nil
	}

	action.Status = models.ActionUnverified
	action.StatusReason = "verification negative"
	if err := e.store.PutAction(ctx, action); err != nil {
		return false, "", err
	}
	return false, models.FailureExhausted, nil
}

// collectAll fans the registered collectors out in parallel, each under its
// own deadline, and joins under the overall collection budget.
func (e *Engine) collectAll(ctx context.Context, inc models.Incident) (collectOutcome, error) {
	window := models.TimeWindow{Start: inc.StartedAt.Add(-15 * time.Minute), End: e.clock()}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CollectionDeadlineTotal)
	defer cancel()

	all := e.registry.All()
	results := make([]collectors.Result, len(all))
	g, gctx := errgroup.WithContext(ctx)
	for i, collector := range all {
		g.Go(func() error {
			started := time.Now()
			cctx, ccancel := context.WithTimeout(gctx, e.cfg.CollectionDeadlinePerSource)
			defer ccancel()
			res, err := collector.Collect(cctx, inc, window)
			metrics.ObserveCollector(collector.Name(), time.Since(started), err == nil)
			if err != nil {
				// Collectors swallow their own errors; a hard failure here
				// degrades to an empty partial result.
				e.logger.Warn("collector failed",
					slog.String("collector", collector.Name()),
					slog.String("incident_id", inc.ID),
					slog.Any("error", err))
				res = collectors.Result{Collector: collector.Name(), Partial: true, Errs: []string{err.Error()}}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return collectOutcome{}, err
	}

	var out collectOutcome
	for _, res := range results {
		out.Evidence = append(out.Evidence, res.Evidence...)
		out.Entities = append(out.Entities, res.Entities...)
		out.Relations = append(out.Relations, res.Relations...)
		out.Errs = append(out.Errs, res.Errs...)
		out.Partial = out.Partial || res.Partial
	}
	if err := e.store.AppendEvidence(ctx, out.Evidence); err != nil {
		return collectOutcome{}, fmt.Errorf("persist evidence: %w", err)
	}
	e.logger.Info("evidence collection complete",
		slog.String("incident_id", inc.ID),
		slog.Int("evidence", len(out.Evidence)),
		slog.Bool("partial", out.Partial),
		slog.Int("errors", len(out.Errs)))
	return out, nil
}

// buildGraph upserts collected entities and relations. Upserts are
// commutative per key, so ordering across collectors does not matter.
func (e *Engine) buildGraph(ctx context.Context, inc models.Incident, collected collectOutcome) (graphOutcome, error) {
	var out graphOutcome

	// Entities come from the journaled collect outcome (collector-surfaced
	// topology plus the entities evidence names), so replayed runs build the
	// same graph.
	entityIDs := make(map[string]struct{})
	upsert := func(key graph.EntityKey, attrs map[string]any) (string, error) {
		id, err := e.graph.UpsertEntity(ctx, key, attrs)
		if err != nil {
			return "", err
		}
		if _, seen := entityIDs[id]; !seen {
			entityIDs[id] = struct{}{}
			out.Entities++
		}
		return id, nil
	}

	// Collector-surfaced topology first, so evidence ABOUT edges and
	// relations can bind to the entities.
	for _, entity := range collected.Entities {
		if _, err := upsert(entity.Key, entity.Attrs); err != nil {
			return out, err
		}
	}
	incidentNode := graph.IncidentNodeID(inc.ID)
	for _, rel := range collected.Relations {
		var err error
		if rel.From == incidentNode {
			err = e.graph.LinkIncidentToEntity(ctx, inc.ID, rel.To, rel.Rel, nil)
		} else {
			err = e.graph.LinkEntities(ctx, rel.From, rel.To, rel.Rel, nil)
		}
		if err != nil {
			return out, err
		}
		out.Relations++
	}

	for _, ev := range collected.Evidence {
		key := graph.EntityKey{
			Cluster:   inc.Cluster,
			Namespace: ev.EntityNamespace,
			Kind:      entityKindForEvidence(ev.EvidenceType),
			Name:      ev.EntityName,
		}
		if ev.EntityName != "" && key.Kind != "" {
			id, err := upsert(key, map[string]any{"name": ev.EntityName})
			if err != nil {
				return out, err
			}
			if err := e.graph.LinkIncidentToEntity(ctx, inc.ID, id, graph.RelAffects, nil); err != nil {
				return out, err
			}
		}
		if err := e.graph.AttachEvidence(ctx, inc.ID, ev); err != nil {
			return out, err
		}
		out.Evidence++
	}
	return out, nil
}

func entityKindForEvidence(t models.EvidenceType) string {
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
		return ""
	}
}

// propose builds the remediation action for a hypothesis, reusing a prior
// action when the idempotency key is already bound.
func (e *Engine) propose(ctx context.Context, inc models.Incident, collected collectOutcome, hyp models.Hypothesis, template models.ActionTemplate) (models.RemediationAction, error) {
	target, affected, total := e.resolveTarget(inc, collected, template)
	key := executor.IdempotencyKey(inc.ID, template.ActionType, target, template.Parameters)

	if prior, err := e.store.ActionByIdempotencyKey(ctx, key); err == nil {
		return prior, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.RemediationAction{}, err
	}

	criticality := 0.0
	if _, critical := e.cfg.CriticalNamespaces[inc.Namespace]; critical {
		criticality = 1.0
	}
	score := policy.BlastRadius(policy.BlastRadiusInput{
		ActionType:           template.ActionType,
		Environment:          e.cfg.Environment,
		AffectedReplicas:     affected,
		TotalReplicas:        total,
		NamespaceCriticality: criticality,
	})

	action := models.RemediationAction{
		ID:               uuid.NewString(),
		IncidentID:       inc.ID,
		HypothesisID:     hyp.ID,
		IdempotencyKey:   key,
		ActionType:       template.ActionType,
		TargetResource:   target,
		TargetNamespace:  inc.Namespace,
		Parameters:       template.Parameters,
		RiskLevel:        policy.RiskOf(template.ActionType),
		BlastRadiusScore: score,
		AffectedReplicas: affected,
		Status:           models.ActionProposed,
		CreatedAt:        e.clock(),
	}
	if err := e.store.PutAction(ctx, action); err != nil {
		return models.RemediationAction{}, err
	}
	e.logger.Info("action proposed",
		slog.String("incident_id", inc.ID),
		slog.String("action_type", string(action.ActionType)),
		slog.String("target", target),
		slog.Float64("blast_radius", score))
	return action, nil
}

// resolveTarget picks the action target from the evidence: the unhealthiest
// pod for pod actions, the workload for deployment actions, the unhealthy
// node for node actions.
func (e *Engine) resolveTarget(inc models.Incident, collected collectOutcome, template models.ActionTemplate) (target string, affected, total int) {
	affected, total = 1, 1

	var workload string
	var worstPod string
	var worstRestarts int32 = -1
	var badNode string

	for _, ev := range collected.Evidence {
		switch ev.EvidenceType {
		case models.EvidencePodState:
			var data models.PodStateData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if (data.WaitingReason != "" || data.TerminatedReason != "" || !data.Ready) && data.RestartCount > worstRestarts {
				worstRestarts = data.RestartCount
				worstPod = data.Name
			}
		case models.EvidenceDeployHistory:
			var data models.DeployHistoryData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if workload == "" || data.RecentChange {
				workload = data.DeploymentName
				total = int(data.Replicas)
			}
		case models.EvidenceNodeState:
			var data models.NodeStateData
			if json.Unmarshal(ev.Data, &data) != nil {
				continue
			}
			if !data.Ready && badNode == "" {
				badNode = data.Name
			}
		}
	}
	if workload == "" {
		workload = inc.Service
	}

	switch template.ActionType {
	case models.ActionRestartPod, models.ActionDeletePod:
		if worstPod != "" {
			return worstPod, 1, max(total, 1)
		}
		return workload, 1, max(total, 1)
	case models.ActionCordonNode, models.ActionDrainNode, models.ActionUncordonNode:
		if badNode != "" {
			return badNode, max(total, 1), max(total, 1)
		}
		return workload, max(total, 1), max(total, 1)
	default:
		return workload, max(total, 1), max(total, 1)
	}
}

// awaitApproval blocks on the approval channel up to the configured timeout.
func (e *Engine) awaitApproval(ctx context.Context, inc models.Incident, action models.RemediationAction, reason string) (approvalOutcome, error) {
	deadline := e.clock().Add(e.cfg.ApprovalTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type result struct {
		resp approval.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := e.approver.Request(ctx, approval.Request{
			IncidentID:       inc.ID,
			IncidentTitle:    inc.Title,
			ActionID:         action.ID,
			ActionType:       action.ActionType,
			TargetResource:   action.TargetResource,
			TargetNamespace:  action.TargetNamespace,
			RiskLevel:        action.RiskLevel,
			BlastRadiusScore: action.BlastRadiusScore,
			Reason:           reason,
			Deadline:         deadline,
		})
		done <- result{resp, err}
	}()

	select {
	case <-e.cancelChan(inc.ID):
		return approvalOutcome{}, errCancelled
	case <-ctx.Done():
		return approvalOutcome{Outcome: approval.OutcomeTimedOut}, nil
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return approvalOutcome{Outcome: approval.OutcomeTimedOut}, nil
			}
			return approvalOutcome{}, res.err
		}
		return approvalOutcome{Outcome: res.resp.Outcome, Responder: res.resp.Responder}, nil
	}
}

func (e *Engine) failAction(ctx context.Context, action *models.RemediationAction, reason string) {
	action.Status = models.ActionFailed
	action.StatusReason = reason
	if err := e.store.PutAction(ctx, *action); err != nil {
		e.logger.Error("persist failed action", slog.String("action_id", action.ID), slog.Any("error", err))
	}
}

// transition journals the move, validates it, and persists the incident.
func (e *Engine) transition(ctx context.Context, inc models.Incident, to models.IncidentStatus, reason string) (models.Incident, error) {
	if err := ValidateTransition(inc.Status, to); err != nil {
		return inc, err
	}
	if err := e.journal.Append(inc.ID, EntryTransition, string(to), map[string]string{
		"from":   string(inc.Status),
		"to":     string(to),
		"reason": reason,
	}); err != nil {
		return inc, err
	}
	inc.Status = to
	if to == models.StatusResolved {
		now := e.clock()
		if now.Before(inc.StartedAt) {
			now = inc.StartedAt
		}
		inc.ResolvedAt = &now
	}
	if err := e.store.UpdateIncidentStatus(ctx, inc); err != nil {
		return inc, err
	}
	e.logger.Info("incident transition",
		slog.String("incident_id", inc.ID),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return inc, nil
}

// ensureStatus transitions only when not already in the target state (a
// resumed workflow may re-enter its current phase).
func (e *Engine) ensureStatus(ctx context.Context, inc models.Incident, to models.IncidentStatus, reason string) (models.Incident, error) {
	if inc.Status == to {
		return inc, nil
	}
	return e.transition(ctx, inc, to, reason)
}

func (e *Engine) resolve(ctx context.Context, inc models.Incident) (models.Incident, error) {
	return e.transition(ctx, inc, models.StatusResolved, "remediation verified")
}

func (e *Engine) fail(ctx context.Context, inc models.Incident, kind models.FailureKind, reason string) models.Incident {
	failed, err := e.transition(ctx, inc, models.StatusFailed, fmt.Sprintf("%s: %s", kind, reason))
	if err != nil {
		e.logger.Error("fail transition rejected", slog.String("incident_id", inc.ID), slog.Any("error", err))
		return inc
	}
	return failed
}

// firstAutomatedAction returns the first executable template of a
// hypothesis; advisory (note-only) templates are skipped.
func firstAutomatedAction(hyp models.Hypothesis) (models.ActionTemplate, bool) {
	for _, template := range hyp.RecommendedActions {
		if template.Automated() {
			return template, true
		}
	}
	return models.ActionTemplate{}, false
}

// sleep is a cancellation-observing suspension point.
func (e *Engine) sleep(ctx context.Context, incidentID string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cancelChan(incidentID):
		return errCancelled
	case <-timer.C:
		return nil
	}
}

func (e *Engine) checkCancel(incidentID string) error {
	select {
	case <-e.cancelChan(incidentID):
		return errCancelled
	default:
		return nil
	}
}

// runActivity returns the journaled result for stepKey when present;
// otherwise it executes fn under the bounded retry policy and journals the
// result before returning it.
func runActivity[T any](e *Engine, ctx context.Context, incidentID, stepKey string, completed map[string]json.RawMessage, retries int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if raw, ok := completed[stepKey]; ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("decode journaled %s: %w", stepKey, err)
		}
		return out, nil
	}

	var out T
	var err error
	for attempt := 0; ; attempt++ {
		out, err = fn(ctx)
		if err == nil || errors.Is(err, errCancelled) {
			break
		}
		if attempt >= retries {
			break
		}
		// 1s, 4s, 16s with jitter between attempts; cancellation observed.
		delay := time.Second << (2 * attempt)
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
		e.logger.Warn("activity retry",
			slog.String("step", stepKey),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if serr := e.sleep(ctx, incidentID, delay); serr != nil {
			return zero, serr
		}
	}
	if err != nil {
		return zero, err
	}

	if jerr := e.journal.Append(incidentID, EntryActivity, stepKey, out); jerr != nil {
		return zero, fmt.Errorf("journal %s: %w", stepKey, jerr)
	}
	completed[stepKey] = mustMarshal(out)
	return out, nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/halcyonops/halcyon/internal/models"
)

// Key layout. Record keys are prefix-scoped so listings are prefix scans:
//
//	inc/<id>                incident record
//	fp/<fingerprint>        fingerprint → incident id binding
//	ev/<incident>/<seq>     evidence, append-only
//	hyp/<incident>/<seq>    hypotheses, append-only
//	act/<id>                action record
//	idem/<key>              idempotency key → action id
//	open/<incident>         open (non-terminal) action id for incident
//	ver/<incident>/<seq>    verification records, append-only
//	rb/<incident>/<seq>     runbooks, append-only
//	aud/<incident>/<seq>    audit records, append-only
//	lease/<ns>/<target>     executor lease holder
const (
	prefixIncident    = "inc/"
	prefixFingerprint = "fp/"
	prefixEvidence    = "ev/"
	prefixHypothesis  = "hyp/"
	prefixAction      = "act/"
	prefixIdempotency = "idem/"
	prefixOpenAction  = "open/"
	prefixVerify      = "ver/"
	prefixRunbook     = "rb/"
	prefixAudit       = "aud/"
	prefixLease       = "lease/"
)

// BadgerStore implements Store on a single Badger keyspace with synchronous
// writes, so a journaled workflow never observes a record the disk has not.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	seq    *badger.Sequence
}

// Options configures BadgerStore.
type Options struct {
	// Path is the Badger directory; ignored when InMemory is set.
	Path string
	// InMemory backs the store with memory only (tests, localdev).
	InMemory bool
	Logger   *slog.Logger
}

// Open opens (or creates) the store.
func Open(opts Options) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("store path is required for persistent mode")
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	seq, err := db.GetSequence([]byte("!seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open store sequence: %w", err)
	}
	return &BadgerStore{db: db, logger: opts.Logger, seq: seq}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release store sequence", slog.Any("error", err))
	}
	return s.db.Close()
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// nextSeq draws from one store-wide monotonic sequence; per-incident append
// order follows because appends for a single incident are serialized by the
// workflow.
func (s *BadgerStore) nextSeq() (uint64, error) {
	return s.seq.Next()
}

func seqKey(prefix, incidentID string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(incidentID)+9)
	key = append(key, prefix...)
	key = append(key, incidentID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// CreateIncident inserts an incident and binds its fingerprint. The binding
// is checked and written in one transaction, which gives the uniqueness
// guarantee under concurrent ingestion.
func (s *BadgerStore) CreateIncident(ctx context.Context, inc models.Incident) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var boundID string
		err := getJSON(txn, prefixFingerprint+inc.Fingerprint, &boundID)
		if err == nil {
			var existing models.Incident
			if gerr := getJSON(txn, prefixIncident+boundID, &existing); gerr == nil && !existing.Status.Terminal() {
				return ErrDuplicateFingerprint
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := putJSON(txn, prefixFingerprint+inc.Fingerprint, inc.ID); err != nil {
			return err
		}
		return putJSON(txn, prefixIncident+inc.ID, inc)
	})
}

// GetIncident fetches an incident by ID.
func (s *BadgerStore) GetIncident(ctx context.Context, id string) (models.Incident, error) {
	var inc models.Incident
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, prefixIncident+id, &inc)
	})
	return inc, err
}

// IncidentByFingerprint resolves the incident currently bound to a fingerprint.
func (s *BadgerStore) IncidentByFingerprint(ctx context.Context, fingerprint string) (models.Incident, error) {
	var inc models.Incident
	err := s.db.View(func(txn *badger.Txn) error {
		var id string
		if err := getJSON(txn, prefixFingerprint+fingerprint, &id); err != nil {
			return err
		}
		return getJSON(txn, prefixIncident+id, &inc)
	})
	return inc, err
}

// UpdateIncidentStatus persists the incident record after a transition.
func (s *BadgerStore) UpdateIncidentStatus(ctx context.Context, inc models.Incident) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var existing models.Incident
		if err := getJSON(txn, prefixIncident+inc.ID, &existing); err != nil {
			return err
		}
		return putJSON(txn, prefixIncident+inc.ID, inc)
	})
}

// ListOpenIncidents scans for incidents that have not reached a terminal
// status.
func (s *BadgerStore) ListOpenIncidents(ctx context.Context) ([]models.Incident, error) {
	var out []models.Incident
	err := s.scanPrefix(prefixIncident, func(val []byte) error {
		var inc models.Incident
		if err := json.Unmarshal(val, &inc); err != nil {
			return err
		}
		if !inc.Status.Terminal() {
			out = append(out, inc)
		}
		return nil
	})
	return out, err
}

// AppendEvidence appends evidence records in order.
func (s *BadgerStore) AppendEvidence(ctx context.Context, evidence []models.Evidence) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, ev := range evidence {
			seq, err := s.nextSeq()
			if err != nil {
				return err
			}
			if err := putJSON(txn, string(seqKey(prefixEvidence, ev.IncidentID, seq)), ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// EvidenceForIncident lists evidence in append order.
func (s *BadgerStore) EvidenceForIncident(ctx context.Context, incidentID string) ([]models.Evidence, error) {
	var out []models.Evidence
	err := s.scanPrefix(prefixEvidence+incidentID+"/", func(val []byte) error {
		var ev models.Evidence
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// AppendHypotheses appends a hypothesis set in rank order.
func (s *BadgerStore) AppendHypotheses(ctx context.Context, hyps []models.Hypothesis) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, h := range hyps {
			seq, err := s.nextSeq()
			if err != nil {
				return err
			}
			if err := putJSON(txn, string(seqKey(prefixHypothesis, h.IncidentID, seq)), h); err != nil {
				return err
			}
		}
		return nil
	})
}

// HypothesesForIncident lists hypotheses in append (rank) order.
func (s *BadgerStore) HypothesesForIncident(ctx context.Context, incidentID string) ([]models.Hypothesis, error) {
	var out []models.Hypothesis
	err := s.scanPrefix(prefixHypothesis+incidentID+"/", func(val []byte) error {
		var h models.Hypothesis
		if err := json.Unmarshal(val, &h); err != nil {
			return err
		}
		out = append(out, h)
		return nil
	})
	return out, err
}

// PutAction inserts or updates an action, maintaining the idempotency index
// and the single-open-action invariant per incident.
func (s *BadgerStore) PutAction(ctx context.Context, action models.RemediationAction) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var openID string
		err := getJSON(txn, prefixOpenAction+action.IncidentID, &openID)
		switch {
		case err == nil && openID != action.ID && !action.Status.Terminal():
			var open models.RemediationAction
			if gerr := getJSON(txn, prefixAction+openID, &open); gerr == nil && !open.Status.Terminal() {
				return fmt.Errorf("incident %s already has non-terminal action %s", action.IncidentID, openID)
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}

		if err := putJSON(txn, prefixAction+action.ID, action); err != nil {
			return err
		}
		if err := putJSON(txn, prefixIdempotency+action.IdempotencyKey, action.ID); err != nil {
			return err
		}
		if action.Status.Terminal() {
			if openID == action.ID {
				return txn.Delete([]byte(prefixOpenAction + action.IncidentID))
			}
			return nil
		}
		return putJSON(txn, prefixOpenAction+action.IncidentID, action.ID)
	})
}

// ActionByIdempotencyKey resolves a prior action through the idempotency index.
func (s *BadgerStore) ActionByIdempotencyKey(ctx context.Context, key string) (models.RemediationAction, error) {
	var action models.RemediationAction
	err := s.db.View(func(txn *badger.Txn) error {
		var id string
		if err := getJSON(txn, prefixIdempotency+key, &id); err != nil {
			return err
		}
		return getJSON(txn, prefixAction+id, &action)
	})
	return action, err
}

// OpenActionForIncident returns the non-terminal action for an incident.
func (s *BadgerStore) OpenActionForIncident(ctx context.Context, incidentID string) (models.RemediationAction, error) {
	var action models.RemediationAction
	err := s.db.View(func(txn *badger.Txn) error {
		var id string
		if err := getJSON(txn, prefixOpenAction+incidentID, &id); err != nil {
			return err
		}
		return getJSON(txn, prefixAction+id, &action)
	})
	if err == nil && action.Status.Terminal() {
		return models.RemediationAction{}, ErrNotFound
	}
	return action, err
}

// AppendVerification appends a verification record.
func (s *BadgerStore) AppendVerification(ctx context.Context, v models.VerificationResult) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.nextSeq()
		if err != nil {
			return err
		}
		return putJSON(txn, string(seqKey(prefixVerify, v.IncidentID, seq)), v)
	})
}

// AppendRunbook appends a generated runbook.
func (s *BadgerStore) AppendRunbook(ctx context.Context, rb models.Runbook) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.nextSeq()
		if err != nil {
			return err
		}
		return putJSON(txn, string(seqKey(prefixRunbook, rb.IncidentID, seq)), rb)
	})
}

// RunbooksForIncident lists runbooks in append order.
func (s *BadgerStore) RunbooksForIncident(ctx context.Context, incidentID string) ([]models.Runbook, error) {
	var out []models.Runbook
	err := s.scanPrefix(prefixRunbook+incidentID+"/", func(val []byte) error {
		var rb models.Runbook
		if err := json.Unmarshal(val, &rb); err != nil {
			return err
		}
		out = append(out, rb)
		return nil
	})
	return out, err
}

// AppendAudit appends a policy evaluation record.
func (s *BadgerStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.nextSeq()
		if err != nil {
			return err
		}
		return putJSON(txn, string(seqKey(prefixAudit, rec.IncidentID, seq)), rec)
	})
}

// AuditForIncident lists audit records in append order.
func (s *BadgerStore) AuditForIncident(ctx context.Context, incidentID string) ([]AuditRecord, error) {
	var out []AuditRecord
	err := s.scanPrefix(prefixAudit+incidentID+"/", func(val []byte) error {
		var rec AuditRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func leaseKey(namespace, target string) string {
	return prefixLease + namespace + "/" + strings.ReplaceAll(target, "/", "_")
}

// AcquireLease takes the (namespace, target) lease for holder. The check and
// set run in one transaction; re-acquisition by the same holder succeeds.
func (s *BadgerStore) AcquireLease(ctx context.Context, namespace, target, holder string) (bool, error) {
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var current string
		err := getJSON(txn, leaseKey(namespace, target), &current)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case current != holder:
			return nil
		}
		acquired = true
		return putJSON(txn, leaseKey(namespace, target), holder)
	})
	return acquired, err
}

// ReleaseLease drops the lease when held by holder.
func (s *BadgerStore) ReleaseLease(ctx context.Context, namespace, target, holder string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var current string
		err := getJSON(txn, leaseKey(namespace, target), &current)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != holder {
			return nil
		}
		return txn.Delete([]byte(leaseKey(namespace, target)))
	})
}

func (s *BadgerStore) scanPrefix(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(prefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

package workflow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry kinds.
const (
	EntryTransition = "transition"
	EntryActivity   = "activity"
	EntrySignal     = "signal"
)

// ErrJournalCorrupted is returned when an entry fails its integrity check.
var ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

// Entry is one journaled fact: a state transition, an activity result, or an
// external signal. Entries are written before downstream steps observe them.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	StepKey  string          `json:"step_key"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Checksum uint32          `json:"checksum"`
	At       time.Time       `json:"at"`
}

// Journal is the write-ahead log workflow durability rests on. Appends are
// synchronous; Replay returns every entry for a workflow in append order.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]uint64
}

// JournalOptions configures the journal.
type JournalOptions struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// OpenJournal opens (or creates) the journal database.
func OpenJournal(opts JournalOptions) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("journal path is required for persistent mode")
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db, logger: opts.Logger, seqs: make(map[string]uint64)}, nil
}

// Close releases the journal database.
func (j *Journal) Close() error { return j.db.Close() }

func journalKey(workflowID string, seq uint64) []byte {
	key := make([]byte, 0, len("wf/")+len(workflowID)+9)
	key = append(key, "wf/"...)
	key = append(key, workflowID...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Append writes one entry with a CRC over its payload. The sequence number
// is assigned here; entries for one workflow are strictly ordered.
func (j *Journal) Append(workflowID, kind, stepKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal encode %s: %w", stepKey, err)
	}

	j.mu.Lock()
	seq, ok := j.seqs[workflowID]
	if !ok {
		seq, err = j.lastSeq(workflowID)
		if err != nil {
			j.mu.Unlock()
			return err
		}
	}
	seq++
	j.seqs[workflowID] = seq
	j.mu.Unlock()

	entry := Entry{
		Seq:      seq,
		Kind:     kind,
		StepKey:  stepKey,
		Payload:  raw,
		Checksum: crc32.ChecksumIEEE(raw),
		At:       time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal encode entry %s: %w", stepKey, err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(workflowID, seq), data)
	})
}

// lastSeq scans for the highest existing sequence of a workflow.
func (j *Journal) lastSeq(workflowID string) (uint64, error) {
	var last uint64
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Reverse: true,
			Prefix:  []byte("wf/" + workflowID + "/"),
		})
		defer it.Close()
		// Seek past the prefix range end to land on the highest key.
		seek := append([]byte("wf/"+workflowID+"/"), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.Valid() {
			key := it.Item().Key()
			last = binary.BigEndian.Uint64(key[len(key)-8:])
		}
		return nil
	})
	return last, err
}

// Replay returns every entry for the workflow in append order, verifying
// checksums and sequence continuity.
func (j *Journal) Replay(workflowID string) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte("wf/" + workflowID + "/"),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				if len(entry.Payload) > 0 && crc32.ChecksumIEEE(entry.Payload) != entry.Checksum {
					return fmt.Errorf("%w: seq %d step %s", ErrJournalCorrupted, entry.Seq, entry.StepKey)
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, entry := range entries {
		if entry.Seq != uint64(i+1) {
			return nil, fmt.Errorf("journal sequence gap for %s: entry %d has seq %d", workflowID, i, entry.Seq)
		}
	}
	return entries, nil
}

// CompletedActivities reduces a replay into step key → recorded payload.
// Later entries for the same step win (re-runs append, never overwrite).
func CompletedActivities(entries []Entry) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, entry := range entries {
		if entry.Kind == EntryActivity {
			out[entry.StepKey] = entry.Payload
		}
	}
	return out
}

// Package recorder keeps the append-only, sequence-numbered ledger of task
// stream events and session turns used for stream replay and export.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
)

const (
	defaultPageSize = 200
	appendAttempts  = 5
)

// Publisher is the subset of the event bus the recorder needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// TaskKey is the ledger key of a task's stream.
func TaskKey(taskID string) string { return "task:" + taskID }

// SessionKey is the ledger key of a session's conversation turns.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// Recorder appends ledger records and optionally mirrors them onto the bus.
type Recorder struct {
	db       *sql.DB
	ledger   *store.LedgerRepo
	pub      Publisher
	locks    keyedMutex
	pageSize int
}

// New creates a Recorder. pub may be nil when nothing should be published.
func New(db *sql.DB, pub Publisher) *Recorder {
	return &Recorder{
		db:       db,
		ledger:   &store.LedgerRepo{},
		pub:      pub,
		locks:    keyedMutex{m: make(map[string]*refLock)},
		pageSize: defaultPageSize,
	}
}

// Append stores payload under key and returns the record with its sequence
// number. Sequence numbers start at 1 and increase by one per key.
func (r *Recorder) Append(ctx context.Context, key string, typ domain.StreamEventType, payload any) (domain.LedgerRecord, error) {
	return r.Record(ctx, key, "", typ, payload)
}

// Record appends like Append and then publishes the record on topic. The
// append and publish happen under a per-key lock so subscribers see records
// in sequence order. An empty topic skips publishing.
func (r *Recorder) Record(ctx context.Context, key, topic string, typ domain.StreamEventType, payload any) (domain.LedgerRecord, error) {
	return r.RecordChecked(ctx, key, topic, typ, payload, nil)
}

// RecordChecked is Record with a precondition evaluated while the key lock
// is held. If check fails nothing is appended. Writers that append terminal
// records after committing the state change can rely on check to keep later
// chunks from landing behind them.
func (r *Recorder) RecordChecked(ctx context.Context, key, topic string, typ domain.StreamEventType, payload any, check func(context.Context) error) (domain.LedgerRecord, error) {
	raw, err := encode(payload)
	if err != nil {
		return domain.LedgerRecord{}, err
	}

	unlock := r.locks.lock(key)
	defer unlock()

	if check != nil {
		if err := check(ctx); err != nil {
			return domain.LedgerRecord{}, err
		}
	}

	rec := domain.LedgerRecord{Key: key, Type: typ, Payload: raw}
	for attempt := 0; ; attempt++ {
		seq, err := r.ledger.NextSeq(ctx, r.db, key)
		if err != nil {
			return domain.LedgerRecord{}, err
		}
		rec.Seq = seq
		rec.CreatedAt = time.Now().UTC()

		err = r.ledger.Append(ctx, r.db, rec)
		if err == nil {
			break
		}
		// Another process appended to the same key first.
		if errors.Is(err, domain.ErrDuplicateEvent) && attempt < appendAttempts {
			continue
		}
		return domain.LedgerRecord{}, err
	}

	if topic != "" && r.pub != nil {
		if err := r.pub.Publish(topic, rec); err != nil {
			return rec, fmt.Errorf("publish ledger record: %w", err)
		}
	}
	return rec, nil
}

// ReadFrom returns the records for key with sequence greater than after, in
// order. The sequence is lazy and finite: it reads one page at a time and
// ends at the last record present when that page was read. Iterating it
// again starts over.
func (r *Recorder) ReadFrom(ctx context.Context, key string, after int64) iter.Seq2[domain.LedgerRecord, error] {
	return func(yield func(domain.LedgerRecord, error) bool) {
		cursor := after
		for {
			page, err := r.ledger.ListAfter(ctx, r.db, key, cursor, r.pageSize)
			if err != nil {
				yield(domain.LedgerRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.Seq
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

// Collect reads every record for key after the given sequence.
func (r *Recorder) Collect(ctx context.Context, key string, after int64) ([]domain.LedgerRecord, error) {
	var out []domain.LedgerRecord
	for rec, err := range r.ReadFrom(ctx, key, after) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Tail returns the latest record for key. ok is false when nothing has been
// recorded under key.
func (r *Recorder) Tail(ctx context.Context, key string) (domain.LedgerRecord, bool, error) {
	return r.ledger.Last(ctx, r.db, key)
}

// Purge deletes every record for key.
func (r *Recorder) Purge(ctx context.Context, key string) error {
	unlock := r.locks.lock(key)
	defer unlock()
	return r.ledger.DeleteKey(ctx, r.db, key)
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode ledger payload: %w", err)
	}
	return raw, nil
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &refLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

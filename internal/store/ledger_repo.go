package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// LedgerRepo handles persistence for sequenced LedgerRecord entries.
type LedgerRepo struct{}

// NextSeq returns the sequence number the next append for key will receive.
func (r *LedgerRepo) NextSeq(ctx context.Context, q Querier, key string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM ledger WHERE key = ?`, key).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next ledger seq: %w", err)
	}
	return seq, nil
}

// Append inserts rec. The (key, seq) pair is unique; a collision yields
// ErrDuplicateEvent.
func (r *LedgerRepo) Append(ctx context.Context, q Querier, rec domain.LedgerRecord) error {
	const stmt = `INSERT INTO ledger (key, seq, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := q.ExecContext(ctx, stmt, rec.Key, rec.Seq, string(rec.Type), payload, toMillis(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Errorf(domain.ErrDuplicateEvent, "ledger %s seq %d already exists", rec.Key, rec.Seq)
		}
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

// ListAfter returns up to limit records for key with seq greater than after,
// ordered by seq ascending.
func (r *LedgerRepo) ListAfter(ctx context.Context, q Querier, key string, after int64, limit int) ([]domain.LedgerRecord, error) {
	const stmt = `SELECT key, seq, type, payload_json, created_at
FROM ledger
WHERE key = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?`

	rows, err := q.QueryContext(ctx, stmt, key, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var records []domain.LedgerRecord
	for rows.Next() {
		var (
			rec       domain.LedgerRecord
			typ, body string
			created   int64
		)
		if err := rows.Scan(&rec.Key, &rec.Seq, &typ, &body, &created); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		rec.Type = domain.StreamEventType(typ)
		rec.Payload = []byte(body)
		rec.CreatedAt = fromMillis(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Last returns the highest-sequence record for key. ok is false when key
// has no records.
func (r *LedgerRepo) Last(ctx context.Context, q Querier, key string) (rec domain.LedgerRecord, ok bool, err error) {
	const stmt = `SELECT key, seq, type, payload_json, created_at FROM ledger WHERE key = ? ORDER BY seq DESC LIMIT 1`
	var (
		typ, body string
		created   int64
	)
	err = q.QueryRowContext(ctx, stmt, key).Scan(&rec.Key, &rec.Seq, &typ, &body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerRecord{}, false, nil
	}
	if err != nil {
		return domain.LedgerRecord{}, false, fmt.Errorf("last ledger record: %w", err)
	}
	rec.Type = domain.StreamEventType(typ)
	rec.Payload = []byte(body)
	rec.CreatedAt = fromMillis(created)
	return rec, true, nil
}

// DeleteKey removes every record for key.
func (r *LedgerRepo) DeleteKey(ctx context.Context, q Querier, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM ledger WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}
	return nil
}

// BusRow is one outbox entry of the shared bus transport.
type BusRow struct {
	ID        int64
	Topic     string
	Envelope  []byte
	CreatedAt time.Time
}

// BusRepo handles the bus_events outbox shared between relay processes.
type BusRepo struct{}

// Insert appends an encoded event envelope and returns its row id.
func (r *BusRepo) Insert(ctx context.Context, q Querier, topic string, envelope []byte, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO bus_events (topic, envelope, created_at) VALUES (?, ?, ?)`, topic, envelope, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert bus event: %w", err)
	}
	return res.LastInsertId()
}

// ListAfter returns up to limit rows with id greater than after.
func (r *BusRepo) ListAfter(ctx context.Context, q Querier, after int64, limit int) ([]BusRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, topic, envelope, created_at FROM bus_events WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list bus events: %w", err)
	}
	defer rows.Close()

	var out []BusRow
	for rows.Next() {
		var (
			row     BusRow
			created int64
		)
		if err := rows.Scan(&row.ID, &row.Topic, &row.Envelope, &created); err != nil {
			return nil, fmt.Errorf("scan bus event: %w", err)
		}
		row.CreatedAt = fromMillis(created)
		out = append(out, row)
	}
	return out, rows.Err()
}

// MaxID returns the highest row id, or 0 for an empty outbox.
func (r *BusRepo) MaxID(ctx context.Context, q Querier) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM bus_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max bus event id: %w", err)
	}
	return id, nil
}

// PruneBefore deletes rows created before cutoff.
func (r *BusRepo) PruneBefore(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM bus_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune bus events: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

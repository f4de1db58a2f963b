package bus

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
)

const (
	outboxSize = 1024
	pollBatch  = 500
)

// SQLiteTransport shares one bus between processes through the bus_events
// table. Every process writes its publishes to the table and delivers rows
// it reads back in id order, so all processes observe the same order.
type SQLiteTransport struct {
	db        *sql.DB
	repo      *store.BusRepo
	bus       *Bus
	outbox    chan domain.Event
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	enc       cbor.EncMode
	dec       cbor.DecMode
}

// NewSQLiteTransport creates the transport and attaches it to b.
func NewSQLiteTransport(db *sql.DB, b *Bus, interval, retention time.Duration, logger *slog.Logger) (*SQLiteTransport, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &SQLiteTransport{
		db:        db,
		repo:      &store.BusRepo{},
		bus:       b,
		outbox:    make(chan domain.Event, outboxSize),
		interval:  interval,
		retention: retention,
		logger:    logger,
		enc:       enc,
		dec:       dec,
	}
	b.SetTransport(t)
	return t, nil
}

// Send queues ev for the outbox writer.
func (t *SQLiteTransport) Send(ev domain.Event) {
	select {
	case t.outbox <- ev:
	default:
		t.logger.Warn("bus outbox full, event dropped", "topic", ev.Topic)
	}
}

// Run writes queued events and polls for new rows until ctx is done. Rows
// that existed before Run started are not delivered.
func (t *SQLiteTransport) Run(ctx context.Context) error {
	cursor, err := t.repo.MaxID(ctx, t.db)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	pruneEvery := t.retention
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	pruner := time.NewTicker(pruneEvery)
	defer pruner.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.outbox:
			t.write(ctx, ev)
			for drained := false; !drained; {
				select {
				case more := <-t.outbox:
					t.write(ctx, more)
				default:
					drained = true
				}
			}
			cursor = t.poll(ctx, cursor)
		case <-ticker.C:
			cursor = t.poll(ctx, cursor)
		case <-pruner.C:
			if t.retention <= 0 {
				continue
			}
			if n, err := t.repo.PruneBefore(ctx, t.db, time.Now().Add(-t.retention)); err != nil {
				t.logger.Warn("bus prune failed", "err", err)
			} else if n > 0 {
				t.logger.Debug("bus events pruned", "count", n)
			}
		}
	}
}

func (t *SQLiteTransport) write(ctx context.Context, ev domain.Event) {
	envelope, err := t.enc.Marshal(ev)
	if err != nil {
		t.logger.Error("encode bus envelope", "topic", ev.Topic, "err", err)
		return
	}
	if _, err := t.repo.Insert(ctx, t.db, ev.Topic, envelope, ev.PublishedAt); err != nil {
		t.logger.Error("write bus event", "topic", ev.Topic, "err", err)
	}
}

func (t *SQLiteTransport) poll(ctx context.Context, cursor int64) int64 {
	for {
		rows, err := t.repo.ListAfter(ctx, t.db, cursor, pollBatch)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("poll bus events", "err", err)
			}
			return cursor
		}
		for _, row := range rows {
			var ev domain.Event
			if err := t.dec.Unmarshal(row.Envelope, &ev); err != nil {
				t.logger.Warn("decode bus envelope", "id", row.ID, "err", err)
			} else {
				t.bus.Deliver(ev)
			}
			cursor = row.ID
		}
		if len(rows) < pollBatch {
			return cursor
		}
	}
}

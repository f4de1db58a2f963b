package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

func TestLedgerRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &LedgerRepo{}
	now := time.Now()

	for i := 0; i < 3; i++ {
		seq, err := repo.NextSeq(ctx, db, "task:t1")
		if err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
		if seq != int64(i+1) {
			t.Fatalf("NextSeq = %d, want %d", seq, i+1)
		}
		rec := domain.LedgerRecord{Key: "task:t1", Seq: seq, Type: domain.StreamOutput, Payload: []byte(`{"text":"x"}`), CreatedAt: now}
		if err := repo.Append(ctx, db, rec); err != nil {
			t.Fatalf("Append seq=%d: %v", seq, err)
		}
	}

	got, err := repo.ListAfter(ctx, db, "task:t1", 0, 100)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}

	got, err = repo.ListAfter(ctx, db, "task:t1", 1, 100)
	if err != nil {
		t.Fatalf("ListAfter after=1: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 2 {
		t.Fatalf("expected seq 2,3, got %+v", got)
	}
	if got[0].Type != domain.StreamOutput {
		t.Errorf("Type = %q, want output", got[0].Type)
	}

	got, err = repo.ListAfter(ctx, db, "task:t1", 0, 2)
	if err != nil {
		t.Fatalf("ListAfter limit=2: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit not applied: got %d", len(got))
	}
}

func TestLedgerRepo_DuplicateSeq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &LedgerRepo{}

	rec := domain.LedgerRecord{Key: "task:dup", Seq: 1, Type: domain.StreamStatus, CreatedAt: time.Now()}
	if err := repo.Append(ctx, db, rec); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	err := repo.Append(ctx, db, rec)
	if !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestLedgerRepo_ListAfter_Empty(t *testing.T) {
	db := newTestDB(t)
	repo := &LedgerRepo{}

	got, err := repo.ListAfter(context.Background(), db, "nonexistent", 0, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice for empty result, got %v", got)
	}
}

func TestBusRepo_InsertListPrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &BusRepo{}
	old := time.Now().Add(-time.Hour)
	now := time.Now()

	id1, err := repo.Insert(ctx, db, "task.status", []byte{0xa0}, old)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id2, err := repo.Insert(ctx, db, "task.status", []byte{0xa1}, now)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids not increasing: %d, %d", id1, id2)
	}

	maxID, err := repo.MaxID(ctx, db)
	if err != nil || maxID != id2 {
		t.Fatalf("MaxID = %d, %v; want %d", maxID, err, id2)
	}

	rows, err := repo.ListAfter(ctx, db, id1, 10)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id2 {
		t.Fatalf("ListAfter = %+v", rows)
	}

	n, err := repo.PruneBefore(ctx, db, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	now := time.Now()

	records := []domain.AuditRecord{
		{ID: "aud-1", TaskID: "task-1", Category: "task", Actor: "admin", Action: "cancel", Severity: "info", CreatedAt: now},
		{ID: "aud-2", TaskID: "task-1", Category: "supervisor", Actor: "system", Action: "requeue", DetailJSON: `{"retry_count":1}`, Severity: "warning", CreatedAt: now.Add(time.Second)},
		{ID: "aud-3", TaskID: "task-2", Category: "task", Actor: "admin", Action: "cancel", Severity: "info", CreatedAt: now.Add(2 * time.Second)},
	}

	for _, r := range records {
		if err := repo.Record(ctx, db, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	// List by task-1 should return 2 records.
	got, err := repo.ListByTask(ctx, db, "task-1")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "aud-1" {
		t.Errorf("first record ID = %q, want %q", got[0].ID, "aud-1")
	}
	if got[0].DetailJSON != "{}" {
		t.Errorf("default detail = %q, want {}", got[0].DetailJSON)
	}
	if got[1].DetailJSON != `{"retry_count":1}` {
		t.Errorf("second record detail = %q", got[1].DetailJSON)
	}
}

func TestAuditRepo_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	rec := domain.AuditRecord{ID: "aud-dup", TaskID: "task-1", Category: "task", Action: "cancel", Severity: "info", CreatedAt: time.Now()}
	if err := repo.Record(ctx, db, rec); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := repo.Record(ctx, db, rec); err == nil {
		t.Error("expected error on duplicate ID, got nil")
	}
}

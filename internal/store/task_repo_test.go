package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskrelay/taskrelay/internal/domain"
)

func seedCodebase(t *testing.T, db *sql.DB, id, owner string) {
	t.Helper()
	now := time.Now()
	repo := &CodebaseRepo{}
	err := repo.Create(context.Background(), db, domain.Codebase{
		ID: id, Name: "cb-" + id, Path: "/src/" + id, WorkerID: owner, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed codebase %s: %v", id, err)
	}
}

func seedTask(t *testing.T, db *sql.DB, id, codebaseID string) {
	t.Helper()
	now := time.Now()
	repo := &TaskRepo{}
	err := repo.Create(context.Background(), db, &domain.Task{
		ID: id, CodebaseID: codebaseID, Prompt: "do " + id, Status: domain.TaskPending,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
}

func TestTaskRepo_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	now := time.Now()

	task := &domain.Task{
		ID:         "task-001",
		CodebaseID: "cb-1",
		SessionID:  "ses-1",
		Title:      "fix",
		Prompt:     "fix the build",
		AgentType:  "build",
		Priority:   2,
		Status:     domain.TaskPending,
		Metadata:   map[string]string{"origin": "cli"},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.Create(ctx, db, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "task-001")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.TaskPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Metadata["origin"] != "cli" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Result != nil || got.Error != nil || got.StartedAt != nil {
		t.Errorf("expected nil result/error/started_at, got %+v", got)
	}
	if got.CreatedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestTaskRepo_GetByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	repo := &TaskRepo{}

	_, err := repo.GetByID(context.Background(), db, "nonexistent")
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskRepo_UpdateState_OptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	seedTask(t, db, "task-002", "cb-1")

	task, err := repo.GetByID(ctx, db, "task-002")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	stale := *task

	// Update with correct version should succeed.
	task.Status = domain.TaskCancelled
	if err := repo.UpdateState(ctx, db, task); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if task.Version != 2 {
		t.Errorf("Version = %d, want 2", task.Version)
	}

	// Update with stale version should fail.
	stale.Status = domain.TaskFailed
	if err := repo.UpdateState(ctx, db, &stale); !errors.Is(err, domain.ErrClaimConflict) {
		t.Errorf("expected ErrClaimConflict, got %v", err)
	}
}

func TestTaskRepo_List_FilterAndPaging(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	for i := 0; i < 5; i++ {
		cb := "cb-a"
		if i%2 == 1 {
			cb = "cb-b"
		}
		seedTask(t, db, fmt.Sprintf("t%d", i), cb)
	}

	page, err := repo.List(ctx, db, domain.TaskFilter{CodebaseIDs: []string{"cb-a"}}, 0, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Tasks) != 2 || page.Tasks[0].ID != "t0" || page.Tasks[1].ID != "t2" {
		t.Fatalf("first page = %+v", page.Tasks)
	}
	page, err = repo.List(ctx, db, domain.TaskFilter{CodebaseIDs: []string{"cb-a"}}, page.Cursor, 2)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].ID != "t4" {
		t.Fatalf("second page = %+v", page.Tasks)
	}

	empty, err := repo.List(ctx, db, domain.TaskFilter{CodebaseIDs: []string{}}, 0, 10)
	if err != nil {
		t.Fatalf("List empty set: %v", err)
	}
	if len(empty.Tasks) != 0 {
		t.Errorf("empty codebase set matched %d tasks", len(empty.Tasks))
	}
}

func TestTaskRepo_ClaimNext_OldestAndAffinity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	seedCodebase(t, db, "c1", "w1")
	seedCodebase(t, db, "c2", "")
	seedTask(t, db, "t1", "c1")
	seedTask(t, db, "t2", "c2")

	// w2 lists c1 as eligible but the pin must still hold at claim time.
	got, err := repo.ClaimNext(ctx, db, "w2", []string{"c1"}, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext w2: %v", err)
	}
	if got != nil {
		t.Fatalf("w2 claimed %s from a codebase pinned to w1", got.ID)
	}

	got, err = repo.ClaimNext(ctx, db, "w1", []string{"c1", "c2"}, time.Now())
	if err != nil {
		t.Fatalf("ClaimNext w1: %v", err)
	}
	if got == nil || got.ID != "t1" {
		t.Fatalf("expected oldest task t1, got %+v", got)
	}
	if got.Status != domain.TaskRunning || got.ClaimedBy != "w1" || got.StartedAt == nil {
		t.Errorf("claimed task not running for w1: %+v", got)
	}
}

func TestTaskRepo_ClaimNext_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	seedCodebase(t, db, "c1", "")
	const n = 20
	for i := 0; i < n; i++ {
		seedTask(t, db, fmt.Sprintf("t%02d", i), "c1")
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := repo.ClaimNext(ctx, db, workerID, []string{"c1"}, time.Now())
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, workerID)
				}
				claimed[task.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Errorf("claimed %d tasks, want %d", len(claimed), n)
	}
}

func TestTaskRepo_ListOrphaned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &TaskRepo{}
	workers := &WorkerRepo{}
	seedCodebase(t, db, "c1", "")
	seedTask(t, db, "t1", "c1")
	seedTask(t, db, "t2", "c1")

	now := time.Now()
	if err := workers.Upsert(ctx, db, domain.Worker{WorkerID: "live", LastHeartbeat: now, CreatedAt: now}); err != nil {
		t.Fatalf("Upsert live: %v", err)
	}
	if err := workers.Upsert(ctx, db, domain.Worker{WorkerID: "stale", LastHeartbeat: now.Add(-time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("Upsert stale: %v", err)
	}
	if _, err := repo.ClaimByID(ctx, db, "t1", "live", now); err != nil {
		t.Fatalf("ClaimByID t1: %v", err)
	}
	if _, err := repo.ClaimByID(ctx, db, "t2", "stale", now); err != nil {
		t.Fatalf("ClaimByID t2: %v", err)
	}

	orphans, err := repo.ListOrphaned(ctx, db, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListOrphaned: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "t2" {
		t.Fatalf("orphans = %+v, want only t2", orphans)
	}
}

package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Runs against a real database when TEST_DATABASE_DSN is set.
func testDB(t *testing.T) *DB {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := New(ctx, dsn, PoolOptions{MaxConns: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestDB_ExecutionTransitions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	client := "client-" + uuid.NewString()
	rec := newRecord(uuid.NewString(), client, time.Now().UTC().Truncate(time.Microsecond))
	if err := db.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	done := rec.Clone()
	done.Status = StatusCompleted
	done.Output = []string{"hello"}
	done.Result = map[string]any{"answer": 42.0}
	done.ExecutionTimeMs = 12
	now := time.Now().UTC()
	done.CompletedAt = &now
	if err := db.TransitionExecution(ctx, done, StatusPending, StatusRunning); err != nil {
		t.Fatalf("TransitionExecution: %v", err)
	}
	if err := db.TransitionExecution(ctx, done, StatusPending, StatusRunning); !errors.Is(err, ErrConflict) {
		t.Errorf("second finalize = %v, want ErrConflict", err)
	}

	got, err := db.GetExecution(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil || got.Output[0] != "hello" {
		t.Errorf("record = %+v", got)
	}

	stats, err := db.AggregateExecutions(ctx, ExecutionFilter{ClientID: client})
	if err != nil {
		t.Fatalf("AggregateExecutions: %v", err)
	}
	if stats.TotalExecutions != 1 || stats.Completed != 1 || stats.ByLanguage["javascript"] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := db.GetExecution(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("get unknown = %v, want ErrNotFound", err)
	}
}

func TestDB_Sessions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Name:      "scratch",
		OwnerID:   "owner-" + uuid.NewString(),
		Files:     []File{{ID: "f1", Name: "main.js", Content: "abc", LastModified: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.StorageUsageBytes = 3
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	s.Collaborators = []string{"friend"}
	if err := db.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	list, err := db.ListSessions(ctx, SessionFilter{MemberID: "friend"})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range list {
		if l.ID == s.ID && len(l.Files) == 1 && l.StorageUsageBytes == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("session not listed for collaborator: %+v", list)
	}

	if err := db.DeleteSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteSession(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

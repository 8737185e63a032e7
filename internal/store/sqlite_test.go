// ABOUTME: Tests for SQLite store construction and SQLite-specific behaviour
// ABOUTME: Covers directory creation, persistence across reopen, and migrations

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/gantry/internal/work"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	job := newJob("P", 1)
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := store.GetJob(ctx, job.BuildID); err != nil {
		t.Fatalf("GetJob on in-memory store failed: %v", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gantry.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	job := newJob("P", 1)
	if err := first.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := first.ClaimJob(ctx, job.BuildID, "u1", time.Now()); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	got, err := second.GetJob(ctx, job.BuildID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != work.JobStateAssigned || got.AgentUUID != "u1" {
		t.Errorf("unexpected job after reopen: state=%s agent=%s", got.State, got.AgentUUID)
	}
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	if err := store.runMigrations(); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/babybirdprd/zombieclaw/internal/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestRecordAndGetByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := store.Record{Name: "agent", PID: 100, LastStatus: "running", UpdatedAt: time.Now().UTC()}
	if err := db.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := db.GetByName(ctx, "agent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "agent" || got.PID != 100 || got.LastStatus != "running" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRecordUpsertsByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Record(ctx, store.Record{Name: "agent", PID: 100, LastStatus: "running"}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := db.Record(ctx, store.Record{Name: "agent", PID: 200, LastStatus: "errored"}); err != nil {
		t.Fatalf("second record: %v", err)
	}

	got, err := db.GetByName(ctx, "agent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PID != 200 || got.LastStatus != "errored" {
		t.Fatalf("expected upsert, got %+v", got)
	}
}

func TestGetByNameNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetByName(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Record(ctx, store.Record{Name: "agent", PID: 1, LastStatus: "stopped"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.Delete(ctx, "agent"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetByName(ctx, "agent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// deleting again is a no-op
	if err := db.Delete(ctx, "agent"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

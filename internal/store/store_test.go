package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"medtrack/m/domain"
	"medtrack/m/internal/database"
	"medtrack/m/internal/migrations"
)

func newStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.Connect(":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func aliHassan() domain.Dispensation {
	return domain.Dispensation{
		PatientName:          "Ali Hassan",
		Age:                  45,
		Gender:               domain.GenderMale,
		Diagnosis:            "Pneumonia",
		AllergyTest:          domain.AllergyNo,
		Meropenem1gQuantity:  2,
		Meropenem05gQuantity: 1,
		Frequency:            domain.FrequencyQ8H,
		Duration:             7,
		CreatedAt:            time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestCreate_AssignsIDAndKeyAndStartsPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := aliHassan()
	in.Synced = true
	got, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID == 0 || got.Key == "" {
		t.Fatalf("expected id and key, got %+v", got)
	}
	if got.Synced || got.SyncedAt != nil {
		t.Fatalf("new records must be pending")
	}

	stored, err := s.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.TotalAmount() != 2.5 {
		t.Fatalf("expected 2.5 g, got %v", stored.TotalAmount())
	}
	if !stored.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("createdAt mismatch: %s vs %s", stored.CreatedAt, in.CreatedAt)
	}
	if stored.Key != got.Key {
		t.Fatalf("key not persisted")
	}
}

func TestCreate_IDsAreUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, aliHassan())
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(ctx, aliHassan())
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID || a.Key == b.Key {
		t.Fatalf("expected distinct ids and keys: %+v %+v", a, b)
	}
}

func TestUpdate_MarkSynced(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, _ := s.Create(ctx, aliHassan())

	at := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if err := s.Update(ctx, rec.ID, MarkSynced(at)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if !got.Synced || got.SyncedAt == nil || !got.SyncedAt.Equal(at) {
		t.Fatalf("expected synced at %s, got %+v", at, got)
	}
	if got.Key != rec.Key || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("immutable fields changed")
	}

	n, err := s.CountPending(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 pending, got %d (%v)", n, err)
	}
}

func TestUpdate_RejectsUnsync(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, _ := s.Create(ctx, aliHassan())
	_ = s.Update(ctx, rec.ID, MarkSynced(time.Now()))

	pending := false
	err := s.Update(ctx, rec.ID, Patch{Synced: &pending})
	if !errors.Is(err, ErrUnsync) {
		t.Fatalf("expected ErrUnsync, got %v", err)
	}
}

func TestUpdate_MissingRecord(t *testing.T) {
	s := newStore(t)
	err := s.Update(context.Background(), 42, MarkSynced(time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate_EditsFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, _ := s.Create(ctx, aliHassan())

	name := "Ali H. Hassan"
	qty := 0
	if err := s.Update(ctx, rec.ID, Patch{PatientName: &name, Meropenem05gQuantity: &qty}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.PatientName != name || got.TotalAmount() != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Synced {
		t.Fatalf("edit must not change sync state")
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, _ := s.Create(ctx, aliHassan())

	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListUnsyncedAndCountPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		rec, err := s.Create(ctx, aliHassan())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	_ = s.Update(ctx, ids[1], MarkSynced(time.Now()))

	pending, err := s.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	for _, p := range pending {
		if p.ID == ids[1] {
			t.Fatalf("synced record listed as pending")
		}
	}

	all, _ := s.ListAll(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	n, _ := s.CountPending(ctx)
	if n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}
}

func TestPatchApply_SyncedRequiresTimestamp(t *testing.T) {
	synced := true
	if _, err := (Patch{Synced: &synced}).Apply(aliHassan()); !errors.Is(err, ErrSyncedAtRequired) {
		t.Fatalf("expected ErrSyncedAtRequired, got %v", err)
	}
}

func TestUpdate_MarkSyncedTwiceKeepsFirstTimestamp(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, _ := s.Create(ctx, aliHassan())

	first := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if err := s.Update(ctx, rec.ID, MarkSynced(first)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	err := s.Update(ctx, rec.ID, MarkSynced(first.Add(time.Minute)))
	if !errors.Is(err, ErrAlreadySynced) {
		t.Fatalf("expected ErrAlreadySynced, got %v", err)
	}

	got, _ := s.Get(ctx, rec.ID)
	if got.SyncedAt == nil || !got.SyncedAt.Equal(first) {
		t.Fatalf("syncedAt moved to %v", got.SyncedAt)
	}
}

func TestStorageFailures_ReportOperation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec, err := s.Create(ctx, aliHassan())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = s.Create(ctx, aliHassan())
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "create" {
		t.Fatalf("expected create StorageError, got %v", err)
	}

	err = s.Delete(ctx, rec.ID)
	serr = nil
	if !errors.As(err, &serr) || serr.Op != "delete" {
		t.Fatalf("expected delete StorageError, got %v", err)
	}
}

package worklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medtrack/m/domain"
	"medtrack/m/internal/database"
	"medtrack/m/internal/migrations"
	"medtrack/m/internal/store"
)

func newSQLStore(t *testing.T) *store.SQLStore {
	t.Helper()
	db, err := database.Connect(":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db)
}

func seed(t *testing.T, st *store.SQLStore, name string, at time.Time) domain.Dispensation {
	t.Helper()
	d, err := st.Create(context.Background(), domain.Dispensation{
		PatientName:         name,
		Age:                 30,
		Gender:              domain.GenderFemale,
		Diagnosis:           "Sepsis",
		AllergyTest:         domain.AllergyNo,
		Meropenem1gQuantity: 1,
		Frequency:           domain.FrequencyQ8H,
		Duration:            5,
		CreatedAt:           at,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

func TestRecords_NewestFirst(t *testing.T) {
	st := newSQLStore(t)
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	seed(t, st, "Older", base)
	seed(t, st, "Newer", base.Add(time.Hour))

	l := New(st, nil)
	got, err := l.Records(context.Background())
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 2 || got[0].PatientName != "Newer" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}

func TestInvalidate_PicksUpNewRecords(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	l := New(st, nil)
	if err := l.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	seed(t, st, "Sara Ahmed", time.Now())
	if len(l.Snapshot()) != 0 {
		t.Fatalf("snapshot must not reload")
	}
	l.Invalidate()
	got, _ := l.Records(ctx)
	if len(got) != 1 {
		t.Fatalf("expected 1 record after invalidate, got %d", len(got))
	}
}

func TestRemove_DeletesFromStoreAndList(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	d := seed(t, st, "Ali Hassan", time.Now())
	keep := seed(t, st, "Sara Ahmed", time.Now())

	l := New(st, nil)
	var events []Event
	cancel := l.Subscribe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	if err := l.Remove(ctx, d.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := st.Get(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record gone from store, got %v", err)
	}
	snap := l.Snapshot()
	if len(snap) != 1 || snap[0].ID != keep.ID {
		t.Fatalf("expected only %d in list, got %+v", keep.ID, snap)
	}
	if len(events) != 1 || events[0].Kind != KindReloaded || events[0].Stats.Total != 1 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRemove_Missing(t *testing.T) {
	l := New(newSQLStore(t), nil)
	if err := l.Remove(context.Background(), 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type brokenSource struct{}

func (brokenSource) ListAll(context.Context) ([]domain.Dispensation, error) {
	return nil, errors.New("disk full")
}

func (brokenSource) Delete(context.Context, int64) error { return nil }

func TestReload_FailureKeepsEmptyListAndNotifies(t *testing.T) {
	l := New(brokenSource{}, nil)
	var kinds []string
	l.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	if err := l.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	if len(l.Snapshot()) != 0 {
		t.Fatalf("expected empty list")
	}
	if len(kinds) != 1 || kinds[0] != KindFailed {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestSubscribe_Cancel(t *testing.T) {
	l := New(newSQLStore(t), nil)
	calls := 0
	cancel := l.Subscribe(func(Event) { calls++ })
	_ = l.Reload(context.Background())
	cancel()
	_ = l.Reload(context.Background())
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRemove_ReloadFailureStillReportsDelete(t *testing.T) {
	l := New(brokenSource{}, nil)
	if err := l.Remove(context.Background(), 1); err != nil {
		t.Fatalf("delete succeeded, expected nil, got %v", err)
	}
}

// gatedSource holds its first ListAll after reading the rows until gate is
// closed.
type gatedSource struct {
	mu      sync.Mutex
	records map[int64]domain.Dispensation
	calls   int

	entered chan struct{}
	gate    chan struct{}
	deleted chan struct{}
}

func (g *gatedSource) ListAll(context.Context) ([]domain.Dispensation, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	out := make([]domain.Dispensation, 0, len(g.records))
	for _, d := range g.records {
		out = append(out, d)
	}
	g.mu.Unlock()

	if first {
		close(g.entered)
		<-g.gate
	}
	return out, nil
}

func (g *gatedSource) Delete(_ context.Context, id int64) error {
	g.mu.Lock()
	delete(g.records, id)
	g.mu.Unlock()
	g.deleted <- struct{}{}
	return nil
}

func TestReload_SlowReadDoesNotResurrectDeletedRecord(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &gatedSource{
		records: map[int64]domain.Dispensation{
			1: {ID: 1, PatientName: "Ali Hassan", CreatedAt: base},
			2: {ID: 2, PatientName: "Sara Ahmed", CreatedAt: base.Add(time.Hour)},
		},
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
		deleted: make(chan struct{}, 1),
	}
	l := New(src, nil)
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() { slow <- l.Reload(ctx) }()
	<-src.entered

	removed := make(chan error, 1)
	go func() { removed <- l.Remove(ctx, 2) }()
	<-src.deleted

	close(src.gate)
	if err := <-slow; err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := <-removed; err != nil {
		t.Fatalf("Remove: %v", err)
	}

	snap := l.Snapshot()
	if len(snap) != 1 || snap[0].ID != 1 {
		t.Fatalf("expected only record 1, got %+v", snap)
	}
}

package worklist

import (
	"context"
	"slices"
	"sync"

	"medtrack/m/domain"
	"medtrack/m/internal/platform/logger"
	"medtrack/m/internal/report"
)

// Source is where the list loads records from.
type Source interface {
	ListAll(ctx context.Context) ([]domain.Dispensation, error)
	Delete(ctx context.Context, id int64) error
}

const (
	KindReloaded = "reloaded"
	KindFailed   = "reload_failed"
)

// Event is delivered to subscribers after every reload attempt.
type Event struct {
	Kind  string       `json:"kind"`
	Stats report.Stats `json:"stats"`
}

// List is the in-memory copy of all records that views render from. It is
// rebuilt from the source after every mutation.
type List struct {
	src Source
	log logger.Logger

	// reloadMu serialises reads from the source with the swap that follows.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	records []domain.Dispensation
	stale   bool

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func New(src Source, log logger.Logger) *List {
	if log == nil {
		log = logger.Nop()
	}
	return &List{
		src:   src,
		log:   log.With(logger.Fields{"component": "worklist"}),
		stale: true,
		subs:  map[int]func(Event){},
	}
}

// Reload replaces the list with the source's current contents, newest
// first. On failure the previous contents are kept.
func (l *List) Reload(ctx context.Context) error {
	records, err := l.load(ctx)
	if err != nil {
		l.log.Error("reload failed", logger.Fields{"error": err})
		l.publish(Event{Kind: KindFailed, Stats: report.Summarize(l.Snapshot())})
		return err
	}
	l.publish(Event{Kind: KindReloaded, Stats: report.Summarize(records)})
	return nil
}

func (l *List) load(ctx context.Context) ([]domain.Dispensation, error) {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()

	records, err := l.src.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	report.SortNewestFirst(records)

	l.mu.Lock()
	l.records = records
	l.stale = false
	l.mu.Unlock()
	return records, nil
}

// Invalidate marks the list stale so the next Records call reloads it.
func (l *List) Invalidate() {
	l.mu.Lock()
	l.stale = true
	l.mu.Unlock()
}

// Records returns the list, reloading first when it is stale.
func (l *List) Records(ctx context.Context) ([]domain.Dispensation, error) {
	l.mu.RLock()
	stale := l.stale
	l.mu.RUnlock()
	if stale {
		if err := l.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return l.Snapshot(), nil
}

// Snapshot returns a copy of the current contents without touching the
// source.
func (l *List) Snapshot() []domain.Dispensation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// Remove deletes the record from the source and reloads. Once the delete
// succeeds a failed reload leaves the list stale and is not reported.
func (l *List) Remove(ctx context.Context, id int64) error {
	if err := l.src.Delete(ctx, id); err != nil {
		return err
	}
	l.Invalidate()
	if err := l.Reload(ctx); err != nil {
		l.log.Warn("list not refreshed after delete", logger.Fields{"record_id": id, "error": err})
	}
	return nil
}

// Subscribe registers fn for reload events. The returned func cancels the
// subscription.
func (l *List) Subscribe(fn func(Event)) (cancel func()) {
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *List) publish(ev Event) {
	l.subMu.Lock()
	fns := make([]func(Event), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

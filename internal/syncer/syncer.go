package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"medtrack/m/domain"
	"medtrack/m/internal/platform/logger"
	"medtrack/m/internal/store"
)

// ErrSyncInProgress is returned when SyncAll is called while another run is
// still draining the pending records.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the part of the record store the coordinator needs.
type Store interface {
	Get(ctx context.Context, id int64) (domain.Dispensation, error)
	ListUnsynced(ctx context.Context) ([]domain.Dispensation, error)
	Update(ctx context.Context, id int64, p store.Patch) error
}

// Sink receives pushes. A nil error means the record was delivered.
type Sink interface {
	Push(ctx context.Context, d domain.Dispensation) error
}

// Outcome summarises one SyncAll run.
type Outcome struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Empty     bool `json:"empty"`
}

// Message is the notice shown to the pharmacist after a run.
func (o Outcome) Message() string {
	switch {
	case o.Empty:
		return "No pending records to sync"
	case o.Succeeded > 0:
		return fmt.Sprintf("%d record(s) synced successfully", o.Succeeded)
	default:
		return "Failed to sync records. Please try again."
	}
}

type Coordinator struct {
	store   Store
	sink    Sink
	log     logger.Logger
	limiter *rate.Limiter
	now     func() time.Time

	// onChange is set once through OnChange before the coordinator is used.
	onChange func()

	mu sync.Mutex

	flightMu sync.Mutex
	inFlight map[int64]bool
}

// New builds a coordinator that waits at least interval between pushes in
// SyncAll. An interval of zero disables pacing.
func New(st Store, sink Sink, log logger.Logger, interval time.Duration) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Coordinator{
		store:    st,
		sink:     sink,
		log:      log.With(logger.Fields{"component": "syncer"}),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		inFlight: map[int64]bool{},
	}
}

// OnChange registers fn to run after records were marked synced. It must be
// called before the first sync.
func (c *Coordinator) OnChange(fn func()) {
	c.onChange = fn
}

// PushOne hands d to the sink. Failures are logged and reported as false.
func (c *Coordinator) PushOne(ctx context.Context, d domain.Dispensation) bool {
	if err := c.sink.Push(ctx, d); err != nil {
		c.log.Warn("push failed", logger.Fields{"record_id": d.ID, "record_key": d.Key, "error": err})
		return false
	}
	return true
}

// SyncRecord pushes d and marks it synced on success. A record that is
// already synced, or being pushed by another caller, is not pushed again.
func (c *Coordinator) SyncRecord(ctx context.Context, d domain.Dispensation) bool {
	ok := c.syncRecord(ctx, d)
	if ok {
		c.changed()
	}
	return ok
}

func (c *Coordinator) syncRecord(ctx context.Context, d domain.Dispensation) bool {
	if !c.claim(d.ID) {
		c.log.Debug("record already in flight", logger.Fields{"record_id": d.ID})
		return false
	}
	defer c.release(d.ID)

	cur, err := c.store.Get(ctx, d.ID)
	if err != nil {
		c.log.Warn("reload before push failed", logger.Fields{"record_id": d.ID, "error": err})
		return false
	}
	if cur.Synced {
		return true
	}
	d = cur

	if !c.PushOne(ctx, d) {
		return false
	}
	if err := c.store.Update(ctx, d.ID, store.MarkSynced(c.now())); err != nil {
		// The push went out, so the record may be sent again on the next run.
		c.log.Warn("mark synced failed", logger.Fields{"record_id": d.ID, "error": err})
		return false
	}
	c.log.Debug("record synced", logger.Fields{"record_id": d.ID})
	return true
}

// SyncAll pushes every pending record in turn. It ignores cancellation of
// ctx once started and only fails when the pending list cannot be read.
func (c *Coordinator) SyncAll(ctx context.Context) (Outcome, error) {
	if !c.mu.TryLock() {
		return Outcome{}, ErrSyncInProgress
	}
	defer c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	pending, err := c.store.ListUnsynced(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list unsynced: %w", err)
	}
	if len(pending) == 0 {
		return Outcome{Empty: true}, nil
	}

	c.log.Info("sync started", logger.Fields{"pending": len(pending)})
	out := Outcome{Attempted: len(pending)}
	for _, d := range pending {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Error("pacing gate failed", logger.Fields{"error": err})
		}
		if c.syncRecord(ctx, d) {
			out.Succeeded++
		}
	}
	c.log.Info("sync finished", logger.Fields{"attempted": out.Attempted, "succeeded": out.Succeeded})

	c.changed()
	return out, nil
}

func (c *Coordinator) claim(id int64) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.inFlight[id] {
		return false
	}
	c.inFlight[id] = true
	return true
}

func (c *Coordinator) release(id int64) {
	c.flightMu.Lock()
	delete(c.inFlight, id)
	c.flightMu.Unlock()
}

func (c *Coordinator) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"medtrack/m/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrUnsync is returned when an update would move a synced record back to
	// pending.
	ErrUnsync = errors.New("synced records cannot be marked pending again")
	// ErrAlreadySynced is returned when a record that is already synced is
	// marked synced again.
	ErrAlreadySynced = errors.New("record is already synced")
	// ErrSyncedAtRequired is returned when a record would be synced without a
	// sync timestamp.
	ErrSyncedAtRequired = errors.New("synced record requires syncedAt")
)

// StorageError means the database could not serve the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Repository is the contract the working list and the sync coordinator
// depend on.
type Repository interface {
	Create(ctx context.Context, d domain.Dispensation) (domain.Dispensation, error)
	Get(ctx context.Context, id int64) (domain.Dispensation, error)
	Update(ctx context.Context, id int64, p Patch) error
	Delete(ctx context.Context, id int64) error
	ListAll(ctx context.Context) ([]domain.Dispensation, error)
	ListUnsynced(ctx context.Context) ([]domain.Dispensation, error)
	CountPending(ctx context.Context) (int, error)
}

// Patch holds the fields an Update overwrites; nil fields are kept.
type Patch struct {
	PatientName          *string
	Age                  *int
	Gender               *domain.Gender
	Diagnosis            *string
	AllergyTest          *domain.AllergyTest
	Meropenem1gQuantity  *int
	Meropenem05gQuantity *int
	Frequency            *domain.Frequency
	Duration             *int
	PharmacistID         *string
	Synced               *bool
	SyncedAt             *time.Time
}

// MarkSynced is the patch the sync coordinator applies after a push.
func MarkSynced(at time.Time) Patch {
	synced := true
	at = at.UTC()
	return Patch{Synced: &synced, SyncedAt: &at}
}

// Apply merges p into d and enforces the sync invariants.
func (p Patch) Apply(d domain.Dispensation) (domain.Dispensation, error) {
	if p.PatientName != nil {
		d.PatientName = *p.PatientName
	}
	if p.Age != nil {
		d.Age = *p.Age
	}
	if p.Gender != nil {
		d.Gender = *p.Gender
	}
	if p.Diagnosis != nil {
		d.Diagnosis = *p.Diagnosis
	}
	if p.AllergyTest != nil {
		d.AllergyTest = *p.AllergyTest
	}
	if p.Meropenem1gQuantity != nil {
		d.Meropenem1gQuantity = *p.Meropenem1gQuantity
	}
	if p.Meropenem05gQuantity != nil {
		d.Meropenem05gQuantity = *p.Meropenem05gQuantity
	}
	if p.Frequency != nil {
		d.Frequency = *p.Frequency
	}
	if p.Duration != nil {
		d.Duration = *p.Duration
	}
	if p.PharmacistID != nil {
		d.PharmacistID = *p.PharmacistID
	}

	if d.Synced {
		if p.Synced != nil && !*p.Synced {
			return d, ErrUnsync
		}
		if p.SyncedAt != nil {
			return d, ErrAlreadySynced
		}
	}
	if p.Synced != nil {
		d.Synced = *p.Synced
	}
	if p.SyncedAt != nil {
		at := p.SyncedAt.UTC()
		d.SyncedAt = &at
	}

	if !d.Synced {
		d.SyncedAt = nil
	} else if d.SyncedAt == nil {
		return d, ErrSyncedAtRequired
	}
	return d, nil
}

// SQLStore persists dispensations in the submissions table.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

var _ Repository = (*SQLStore)(nil)

type row struct {
	ID           int64          `db:"id"`
	Key          string         `db:"record_key"`
	PatientName  string         `db:"patient_name"`
	Age          int            `db:"age"`
	Gender       string         `db:"gender"`
	Diagnosis    string         `db:"diagnosis"`
	AllergyTest  string         `db:"allergy_test"`
	Qty1g        int            `db:"meropenem_1g_qty"`
	Qty05g       int            `db:"meropenem_05g_qty"`
	Frequency    string         `db:"frequency"`
	Duration     int            `db:"duration"`
	PharmacistID string         `db:"pharmacist_id"`
	CreatedAt    string         `db:"created_at"`
	Synced       bool           `db:"synced"`
	SyncedAt     sql.NullString `db:"synced_at"`
}

const columns = `id, record_key, patient_name, age, gender, diagnosis, allergy_test,
	meropenem_1g_qty, meropenem_05g_qty, frequency, duration, pharmacist_id,
	created_at, synced, synced_at`

func toRow(d domain.Dispensation) row {
	r := row{
		ID:           d.ID,
		Key:          d.Key,
		PatientName:  d.PatientName,
		Age:          d.Age,
		Gender:       string(d.Gender),
		Diagnosis:    d.Diagnosis,
		AllergyTest:  string(d.AllergyTest),
		Qty1g:        d.Meropenem1gQuantity,
		Qty05g:       d.Meropenem05gQuantity,
		Frequency:    string(d.Frequency),
		Duration:     d.Duration,
		PharmacistID: d.PharmacistID,
		CreatedAt:    domain.ISOTime(d.CreatedAt),
		Synced:       d.Synced,
	}
	if d.SyncedAt != nil {
		r.SyncedAt = sql.NullString{String: domain.ISOTime(*d.SyncedAt), Valid: true}
	}
	return r
}

func (r row) dispensation() (domain.Dispensation, error) {
	created, err := domain.ParseISOTime(r.CreatedAt)
	if err != nil {
		return domain.Dispensation{}, fmt.Errorf("record %d: created_at: %w", r.ID, err)
	}
	d := domain.Dispensation{
		ID:                   r.ID,
		Key:                  r.Key,
		PatientName:          r.PatientName,
		Age:                  r.Age,
		Gender:               domain.Gender(r.Gender),
		Diagnosis:            r.Diagnosis,
		AllergyTest:          domain.AllergyTest(r.AllergyTest),
		Meropenem1gQuantity:  r.Qty1g,
		Meropenem05gQuantity: r.Qty05g,
		Frequency:            domain.Frequency(r.Frequency),
		Duration:             r.Duration,
		PharmacistID:         r.PharmacistID,
		CreatedAt:            created,
		Synced:               r.Synced,
	}
	if r.SyncedAt.Valid {
		at, err := domain.ParseISOTime(r.SyncedAt.String)
		if err != nil {
			return domain.Dispensation{}, fmt.Errorf("record %d: synced_at: %w", r.ID, err)
		}
		d.SyncedAt = &at
	}
	return d, nil
}

// Create stores d as a new pending record and returns it with its id and key
// populated.
func (s *SQLStore) Create(ctx context.Context, d domain.Dispensation) (domain.Dispensation, error) {
	if strings.TrimSpace(d.Key) == "" {
		d.Key = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Millisecond)
	d.Synced = false
	d.SyncedAt = nil

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO submissions (
			record_key, patient_name, age, gender, diagnosis, allergy_test,
			meropenem_1g_qty, meropenem_05g_qty, frequency, duration, pharmacist_id,
			created_at, synced, synced_at
		) VALUES (
			:record_key, :patient_name, :age, :gender, :diagnosis, :allergy_test,
			:meropenem_1g_qty, :meropenem_05g_qty, :frequency, :duration, :pharmacist_id,
			:created_at, :synced, :synced_at
		)`, toRow(d))
	if err != nil {
		return domain.Dispensation{}, &StorageError{Op: "create", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Dispensation{}, &StorageError{Op: "create", Err: err}
	}
	d.ID = id
	return d, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (domain.Dispensation, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT `+columns+` FROM submissions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Dispensation{}, ErrNotFound
		}
		return domain.Dispensation{}, &StorageError{Op: "get", Err: err}
	}
	d, err := r.dispensation()
	if err != nil {
		return domain.Dispensation{}, &StorageError{Op: "get", Err: err}
	}
	return d, nil
}

// Update merges p into the stored record. The read and the write share one
// transaction.
func (s *SQLStore) Update(ctx context.Context, id int64, p Patch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var r row
	if err := tx.GetContext(ctx, &r, `SELECT `+columns+` FROM submissions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return &StorageError{Op: "update", Err: err}
	}
	current, err := r.dispensation()
	if err != nil {
		return &StorageError{Op: "update", Err: err}
	}

	merged, err := p.Apply(current)
	if err != nil {
		return err
	}

	if _, err := tx.NamedExecContext(ctx, `
		UPDATE submissions SET
			patient_name = :patient_name,
			age = :age,
			gender = :gender,
			diagnosis = :diagnosis,
			allergy_test = :allergy_test,
			meropenem_1g_qty = :meropenem_1g_qty,
			meropenem_05g_qty = :meropenem_05g_qty,
			frequency = :frequency,
			duration = :duration,
			pharmacist_id = :pharmacist_id,
			synced = :synced,
			synced_at = :synced_at
		WHERE id = :id`, toRow(merged)); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "update", Err: err}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAll returns every record in storage order; callers sort.
func (s *SQLStore) ListAll(ctx context.Context) ([]domain.Dispensation, error) {
	return s.list(ctx, "list", `SELECT `+columns+` FROM submissions`)
}

// ListUnsynced returns pending records through the synced index.
func (s *SQLStore) ListUnsynced(ctx context.Context) ([]domain.Dispensation, error) {
	return s.list(ctx, "list unsynced", `SELECT `+columns+` FROM submissions WHERE synced = 0`)
}

func (s *SQLStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM submissions WHERE synced = 0`); err != nil {
		return 0, &StorageError{Op: "count pending", Err: err}
	}
	return n, nil
}

func (s *SQLStore) list(ctx context.Context, op, query string) ([]domain.Dispensation, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	out := make([]domain.Dispensation, 0, len(rows))
	for _, r := range rows {
		d, err := r.dispensation()
		if err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		out = append(out, d)
	}
	return out, nil
}

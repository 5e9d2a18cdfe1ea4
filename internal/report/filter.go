package report

import (
	"slices"
	"strings"

	"medtrack/m/domain"
)

// Status filter values.
const (
	StatusAll     = "all"
	StatusSynced  = "synced"
	StatusPending = "pending"
)

// Filter narrows the record table.
type Filter struct {
	Status string
	Query  string
}

// Apply returns the records matching f, newest first. An unknown status is
// treated as all.
func Apply(records []domain.Dispensation, f Filter) []domain.Dispensation {
	status := strings.ToLower(strings.TrimSpace(f.Status))
	q := strings.ToLower(strings.TrimSpace(f.Query))

	out := make([]domain.Dispensation, 0, len(records))
	for _, r := range records {
		switch status {
		case StatusSynced:
			if !r.Synced {
				continue
			}
		case StatusPending:
			if r.Synced {
				continue
			}
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(r.PatientName), q) &&
			!strings.Contains(strings.ToLower(r.Diagnosis), q) {
			continue
		}
		out = append(out, r)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders records by creation time, latest first, with the
// higher id first on ties.
func SortNewestFirst(records []domain.Dispensation) {
	slices.SortStableFunc(records, func(a, b domain.Dispensation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}

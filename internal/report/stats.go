package report

import (
	"cmp"
	"math"
	"slices"

	"medtrack/m/domain"
)

type Stats struct {
	Total      int     `json:"total"`
	Synced     int     `json:"synced"`
	Pending    int     `json:"pending"`
	TotalGrams float64 `json:"totalGrams"`
}

func Summarize(records []domain.Dispensation) Stats {
	var s Stats
	for _, r := range records {
		s.Total++
		if r.Synced {
			s.Synced++
		} else {
			s.Pending++
		}
		s.TotalGrams += r.TotalAmount()
	}
	s.TotalGrams = round1(s.TotalGrams)
	return s
}

// Row is one line of a breakdown chart. Percentage is relative to all
// records; Bar is relative to the largest row.
type Row struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
	Bar        float64 `json:"bar"`
}

type Breakdowns struct {
	Stats     Stats `json:"stats"`
	Diagnosis []Row `json:"diagnosis"`
	Gender    []Row `json:"gender"`
}

// Dashboard computes the dashboard figures. Diagnoses come out by count,
// highest first; genders always in Male, Female, Other order.
func Dashboard(records []domain.Dispensation) Breakdowns {
	b := Breakdowns{
		Stats:     Summarize(records),
		Diagnosis: []Row{},
		Gender:    []Row{},
	}
	if len(records) == 0 {
		return b
	}

	diag := map[string]int{}
	gender := map[domain.Gender]int{}
	for _, r := range records {
		diag[r.Diagnosis]++
		gender[r.Gender]++
	}

	for label, n := range diag {
		b.Diagnosis = append(b.Diagnosis, Row{Label: label, Count: n})
	}
	slices.SortFunc(b.Diagnosis, func(x, y Row) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Label, y.Label)
	})
	fill(b.Diagnosis, len(records))

	for _, g := range domain.Genders {
		b.Gender = append(b.Gender, Row{Label: string(g), Count: gender[g]})
	}
	fill(b.Gender, len(records))
	return b
}

func fill(rows []Row, total int) {
	maxCount := 1
	for _, r := range rows {
		maxCount = max(maxCount, r.Count)
	}
	for i := range rows {
		rows[i].Percentage = round1(float64(rows[i].Count) / float64(total) * 100)
		rows[i].Bar = float64(rows[i].Count) / float64(maxCount) * 100
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package domain

import (
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ValidationError reports the first form rule a submission violates.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

const maxAge = 130

var (
	diagnosesMu sync.RWMutex
	diagnoses   = []string{
		"Pneumonia",
		"Sepsis",
		"Meningitis",
		"Intra-abdominal Infection",
		"Urinary Tract Infection",
		"Skin and Soft Tissue Infection",
		"Febrile Neutropenia",
		"Hospital-acquired Infection",
		"Other",
	}
)

// Diagnoses returns the accepted diagnosis list.
func Diagnoses() []string {
	diagnosesMu.RLock()
	defer diagnosesMu.RUnlock()
	return slices.Clone(diagnoses)
}

// RegisterDiagnoses extends the accepted list. Blank and already known names
// (compared case-insensitively) are ignored. It returns how many were added.
func RegisterDiagnoses(names ...string) int {
	diagnosesMu.Lock()
	defer diagnosesMu.Unlock()

	added := 0
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := lookupDiagnosis(n); ok {
			continue
		}
		diagnoses = append(diagnoses, n)
		added++
	}
	return added
}

func lookupDiagnosis(name string) (string, bool) {
	for _, d := range diagnoses {
		if strings.EqualFold(d, name) {
			return d, true
		}
	}
	return "", false
}

func canonicalDiagnosis(name string) (string, bool) {
	diagnosesMu.RLock()
	defer diagnosesMu.RUnlock()
	return lookupDiagnosis(name)
}

// Form is a submission as entered by the pharmacist.
type Form struct {
	PatientName          string `json:"patientName"`
	Age                  int    `json:"age"`
	Gender               string `json:"gender"`
	Diagnosis            string `json:"diagnosis"`
	AllergyTest          string `json:"allergyTest"`
	Meropenem1gQuantity  int    `json:"meropenem1gQuantity"`
	Meropenem05gQuantity int    `json:"meropenem0_5gQuantity"`
	Frequency            string `json:"frequency"`
	Duration             int    `json:"duration"`
	PharmacistID         string `json:"pharmacistId"`
}

// Normalize trims free text and folds enum inputs to their canonical case,
// so "male" becomes "Male" and "q8h" becomes "Q8H".
func (f Form) Normalize() Form {
	title := cases.Title(language.English)
	upper := cases.Upper(language.Und)

	f.PatientName = strings.TrimSpace(f.PatientName)
	f.PharmacistID = strings.TrimSpace(f.PharmacistID)
	f.Gender = title.String(strings.TrimSpace(f.Gender))
	f.AllergyTest = title.String(strings.TrimSpace(f.AllergyTest))
	f.Frequency = upper.String(strings.TrimSpace(f.Frequency))

	f.Diagnosis = strings.TrimSpace(f.Diagnosis)
	if d, ok := canonicalDiagnosis(f.Diagnosis); ok {
		f.Diagnosis = d
	}
	return f
}

// Validate checks the form rules in order and returns only the first
// violation as a *ValidationError.
func (f Form) Validate() error {
	f = f.Normalize()

	if f.PatientName == "" {
		return &ValidationError{Field: "patientName", Message: "Patient name is required"}
	}
	if f.Age <= 0 || f.Age > maxAge {
		return &ValidationError{Field: "age", Message: "Please enter a valid age"}
	}
	if !slices.Contains(Genders, Gender(f.Gender)) {
		return &ValidationError{Field: "gender", Message: "Please select a gender"}
	}
	if _, ok := canonicalDiagnosis(f.Diagnosis); !ok {
		return &ValidationError{Field: "diagnosis", Message: "Please select a diagnosis"}
	}
	if AllergyTest(f.AllergyTest) != AllergyYes && AllergyTest(f.AllergyTest) != AllergyNo {
		return &ValidationError{Field: "allergyTest", Message: "Please select allergy test result"}
	}
	if !slices.Contains(Frequencies, Frequency(f.Frequency)) {
		return &ValidationError{Field: "frequency", Message: "Please select a frequency"}
	}
	if f.Duration <= 0 {
		return &ValidationError{Field: "duration", Message: "Please enter a valid duration in days"}
	}
	if f.Meropenem1gQuantity < 0 || f.Meropenem05gQuantity < 0 {
		return &ValidationError{Field: "quantity", Message: "Vial quantities cannot be negative"}
	}
	if TotalAmount(f.Meropenem1gQuantity, f.Meropenem05gQuantity) == 0 {
		return &ValidationError{Field: "quantity", Message: "Please dispense at least one vial"}
	}
	return nil
}

// Dispensation builds a pending record from a validated form.
func (f Form) Dispensation(now time.Time) Dispensation {
	f = f.Normalize()
	return Dispensation{
		PatientName:          f.PatientName,
		Age:                  f.Age,
		Gender:               Gender(f.Gender),
		Diagnosis:            f.Diagnosis,
		AllergyTest:          AllergyTest(f.AllergyTest),
		Meropenem1gQuantity:  f.Meropenem1gQuantity,
		Meropenem05gQuantity: f.Meropenem05gQuantity,
		Frequency:            Frequency(f.Frequency),
		Duration:             f.Duration,
		PharmacistID:         f.PharmacistID,
		CreatedAt:            now.UTC(),
	}
}

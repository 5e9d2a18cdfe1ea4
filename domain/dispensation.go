package domain

import (
	"encoding/json"
	"time"
)

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// Genders lists the accepted values in display order.
var Genders = []Gender{GenderMale, GenderFemale, GenderOther}

type AllergyTest string

const (
	AllergyYes AllergyTest = "Yes"
	AllergyNo  AllergyTest = "No"
)

type Frequency string

const (
	FrequencyQ6H  Frequency = "Q6H"
	FrequencyQ8H  Frequency = "Q8H"
	FrequencyQ12H Frequency = "Q12H"
	FrequencyQ24H Frequency = "Q24H"
)

var Frequencies = []Frequency{FrequencyQ6H, FrequencyQ8H, FrequencyQ12H, FrequencyQ24H}

const (
	StatusSynced  = "Synced"
	StatusPending = "Pending"
)

// Dispensation is one recorded meropenem dispensing event.
type Dispensation struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`

	PatientName string      `json:"patientName"`
	Age         int         `json:"age"`
	Gender      Gender      `json:"gender"`
	Diagnosis   string      `json:"diagnosis"`
	AllergyTest AllergyTest `json:"allergyTest"`

	Meropenem1gQuantity  int       `json:"meropenem1gQuantity"`
	Meropenem05gQuantity int       `json:"meropenem0_5gQuantity"`
	Frequency            Frequency `json:"frequency"`
	Duration             int       `json:"duration"`
	PharmacistID         string    `json:"pharmacistId"`

	CreatedAt time.Time  `json:"createdAt"`
	Synced    bool       `json:"synced"`
	SyncedAt  *time.Time `json:"syncedAt"`
}

// TotalAmount returns the dispensed grams. It is always derived from the
// vial quantities.
func (d Dispensation) TotalAmount() float64 {
	return TotalAmount(d.Meropenem1gQuantity, d.Meropenem05gQuantity)
}

func TotalAmount(qty1g, qty05g int) float64 {
	return float64(qty1g) + float64(qty05g)*0.5
}

func (d Dispensation) Status() string {
	if d.Synced {
		return StatusSynced
	}
	return StatusPending
}

func (d Dispensation) MarshalJSON() ([]byte, error) {
	type plain Dispensation
	return json.Marshal(struct {
		plain
		TotalAmount float64 `json:"totalAmount"`
	}{
		plain:       plain(d),
		TotalAmount: d.TotalAmount(),
	})
}

// ISOTime formats t the way records are persisted and pushed:
// UTC with millisecond precision.
func ISOTime(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

const ISOLayout = "2006-01-02T15:04:05.000Z"

// ParseISOTime accepts ISOLayout and plain RFC3339 values.
func ParseISOTime(s string) (time.Time, error) {
	if t, err := time.Parse(ISOLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

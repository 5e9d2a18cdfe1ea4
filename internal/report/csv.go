package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"medtrack/m/domain"
)

// ErrNothingToExport is returned when there are no records to write.
var ErrNothingToExport = errors.New("no records to export")

// DisplayLayout is how dates appear in exports.
const DisplayLayout = "Jan 2, 2006, 03:04 PM"

var header = []string{
	"Date", "Patient Name", "Age", "Gender", "Diagnosis", "Allergy",
	"Total Amount (g)", "Status", "Frequency", "Duration (days)", "Pharmacist ID",
}

// WriteCSV writes a UTF-8 BOM, the header and one line per record. Dates are
// shown in loc.
func WriteCSV(w io.Writer, records []domain.Dispensation, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	bw := bufio.NewWriter(tw)

	if _, err := bw.WriteString(strings.Join(header, ",") + "\n"); err != nil {
		return err
	}
	for _, r := range records {
		line := []string{
			quoteAll(r.CreatedAt.In(loc).Format(DisplayLayout)),
			quoteAll(r.PatientName),
			strconv.Itoa(r.Age),
			quoteIfNeeded(string(r.Gender)),
			quoteAll(r.Diagnosis),
			quoteIfNeeded(string(r.AllergyTest)),
			fmt.Sprintf("%.1f", r.TotalAmount()),
			r.Status(),
			quoteIfNeeded(string(r.Frequency)),
			strconv.Itoa(r.Duration),
			quoteIfNeeded(r.PharmacistID),
		}
		if _, err := bw.WriteString(strings.Join(line, ",") + "\n"); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return tw.Close()
}

// Filename names an export made at now.
func Filename(now time.Time) string {
	return "meropenem_records_" + now.UTC().Format("2006-01-02") + ".csv"
}

// ExportFile writes records to dir and returns the file path. No file is
// created when records is empty.
func ExportFile(dir string, records []domain.Dispensation, now time.Time, loc *time.Location) (string, error) {
	if len(records) == 0 {
		return "", ErrNothingToExport
	}
	path := filepath.Join(dir, Filename(now))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export: %w", err)
	}
	if err := WriteCSV(f, records, loc); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export: %w", err)
	}
	return path, nil
}

func quoteAll(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, ",\"\r\n") {
		return quoteAll(s)
	}
	return s
}

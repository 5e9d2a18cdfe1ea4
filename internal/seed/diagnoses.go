package seed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadDiagnoses reads extra diagnosis names from a CSV whose first column
// holds the name. The first row is a header. Blank and repeated names are
// skipped.
func LoadDiagnoses(csvPath string) ([]string, error) {
	file, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	// Skip header
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read diagnosis header: %w", err)
	}

	seen := map[string]bool{}
	var names []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return names, fmt.Errorf("read diagnosis row: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		name := strings.TrimSpace(record[0])
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names, nil
}

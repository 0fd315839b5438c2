package energyimport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed data row: timestamp plus whichever numeric
// fields the header mapped. MeterID, when present in the file, comes
// from a meter_id column rather than the filename.
type Record struct {
	Timestamp time.Time
	MeterID   string
	Fields    map[string]float64
}

// timestampFormats mirrors energy_importer.py's _parse_timestamp
// format list, tried in order with no ambiguous fall-through (spec
// §4.9: "no ambiguity fall-through").
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"20060102150405",
	"200601021504",
}

func parseTimestamp(value string) (time.Time, error) {
	for _, format := range timestampFormats {
		if t, err := time.ParseInLocation(format, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp: %q", value)
}

// parseFile splits semicolon-delimited content into Records using the
// synonym table to map the header row to canonical field names.
// Unparseable numeric cells are skipped with a warning-worthy error
// rather than failing the whole row (grounded on parse_file's
// per-field try/except).
func parseFile(content string, synonyms map[string]string) ([]Record, []string) {
	var records []Record
	var errs []string

	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 2 {
		return nil, []string{"file has no data rows"}
	}

	header := strings.Split(strings.TrimSpace(lines[0]), ";")
	columnMap := make(map[int]string, len(header))
	hasTimestamp := false
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if mapped, ok := synonyms[name]; ok {
			columnMap[i] = mapped
			if mapped == "timestamp" {
				hasTimestamp = true
			}
		}
	}
	if !hasTimestamp {
		return nil, []string{"no timestamp column found"}
	}

	for lineNum, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(strings.TrimSpace(line), ";")

		record := Record{Fields: make(map[string]float64)}
		haveTimestamp := false
		for i, raw := range values {
			fieldName, ok := columnMap[i]
			if !ok {
				continue
			}
			value := strings.TrimSpace(raw)

			switch fieldName {
			case "timestamp":
				ts, err := parseTimestamp(value)
				if err != nil {
					errs = append(errs, fmt.Sprintf("line %d: %v", lineNum+2, err))
					continue
				}
				record.Timestamp = ts
				haveTimestamp = true
			case "meter_id":
				record.MeterID = value
			default:
				numeric := strings.ReplaceAll(value, ",", ".")
				v, err := strconv.ParseFloat(numeric, 64)
				if err != nil {
					errs = append(errs, fmt.Sprintf("line %d: cannot parse %q as number for %s", lineNum+2, value, fieldName))
					continue
				}
				record.Fields[fieldName] = v
			}
		}

		if haveTimestamp {
			records = append(records, record)
		} else {
			errs = append(errs, fmt.Sprintf("line %d: missing timestamp", lineNum+2))
		}
	}

	return records, errs
}

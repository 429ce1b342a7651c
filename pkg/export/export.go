// Package export writes assignment audit records for offline review.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/ambulance/core/dispatch/audit"
)

// Formats lists the supported output formats.
var Formats = []string{"json", "csv"}

var csvHeader = []string{
	"timestamp", "kind", "emergency_id", "assignment_id", "ambulance_id",
	"severity", "outcome", "status", "distance_km", "latency_ms", "tried", "reason",
}

// Write writes records in the named format.
func Write(w io.Writer, format string, records []audit.Record) error {
	switch strings.ToLower(format) {
	case "json":
		return WriteJSON(w, records)
	case "csv":
		return WriteCSV(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteJSON writes the records to w as one JSON object per line.
func WriteJSON(w io.Writer, records []audit.Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV writes the records to w in CSV format with a header row. Tried
// ambulance ids are joined with ';'.
func WriteCSV(w io.Writer, records []audit.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		rec := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.Kind),
			r.EmergencyID,
			r.AssignmentID,
			r.AmbulanceID,
			string(r.Severity),
			string(r.Outcome),
			r.Status,
			strconv.FormatFloat(r.DistanceKM, 'f', -1, 64),
			strconv.FormatInt(r.LatencyMS, 10),
			strings.Join(r.Tried, ";"),
			r.Reason,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

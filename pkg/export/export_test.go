package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/model"
)

var records = []audit.Record{
	{
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), Kind: audit.KindOffer,
		EmergencyID: "e1", AssignmentID: "o1", AmbulanceID: "a1", Severity: model.SeverityHigh,
		Outcome: model.OutcomeDeclined, DistanceKM: 1.5, LatencyMS: 1200,
	},
	{
		Timestamp: time.Date(2026, 5, 1, 10, 1, 0, 0, time.UTC), Kind: audit.KindMatchFailed,
		EmergencyID: "e1", Tried: []string{"a1", "a2"}, Reason: "no available ambulance",
	},
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "CSV", records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "2026-05-01T10:00:00Z", rows[1][0])
	assert.Equal(t, "1.5", rows[1][8])
	assert.Equal(t, "1200", rows[1][9])
	assert.Equal(t, "a1;a2", rows[2][10])
	assert.Equal(t, "no available ambulance", rows[2][11])
}

func TestWriteJSONLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "json", records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var r audit.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &r))
	assert.Equal(t, audit.KindMatchFailed, r.Kind)
	assert.Equal(t, []string{"a1", "a2"}, r.Tried)
}

func TestWriteUnknownFormat(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, "xml", records))
}

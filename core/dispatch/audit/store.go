// Package audit persists the assignment audit trail: every offer outcome,
// cancellation and failed match, so that rejected history stays visible
// after the live records moved on.
package audit

import (
	"context"
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// Kind classifies audit records.
type Kind string

const (
	KindOffer       Kind = "offer"
	KindMatchFailed Kind = "match_failed"
	KindCancelled   Kind = "cancelled"
	KindTransition  Kind = "transition"
)

// Record captures one dispatch decision.
type Record struct {
	Timestamp    time.Time      `json:"timestamp"`
	Kind         Kind           `json:"kind"`
	EmergencyID  string         `json:"emergency_id"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	AmbulanceID  string         `json:"ambulance_id,omitempty"`
	Severity     model.Severity `json:"severity,omitempty"`
	Outcome      model.Outcome  `json:"outcome,omitempty"`
	Status       string         `json:"status,omitempty"`
	DistanceKM   float64        `json:"distance_km,omitempty"`
	LatencyMS    int64          `json:"latency_ms,omitempty"`
	Tried        []string       `json:"tried,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Query defines filters for retrieving records. Zero fields match all.
type Query struct {
	Start       time.Time
	End         time.Time
	EmergencyID string
	AmbulanceID string
	Kind        Kind
	Outcome     model.Outcome
	// Limit keeps the most recent records when positive.
	Limit int
}

// Match reports whether r passes the filters of q other than Limit.
func (q Query) Match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.EmergencyID != "" && r.EmergencyID != q.EmergencyID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.Outcome != "" && r.Outcome != q.Outcome {
		return false
	}
	if q.AmbulanceID != "" && r.AmbulanceID != q.AmbulanceID {
		for _, id := range r.Tried {
			if id == q.AmbulanceID {
				return true
			}
		}
		return false
	}
	return true
}

func limit(recs []Record, n int) []Record {
	if n > 0 && len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

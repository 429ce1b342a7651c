package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/model"
)

// AuditLog queries dispatch audit records.
type AuditLog interface {
	Audit(ctx context.Context, q audit.Query) ([]audit.Record, error)
}

// NewAuditHandler returns an HTTP handler exposing the audit log via
// GET /api/audit. Requests must include an Authorization header with
// "Bearer <token>" when token is non-empty.
func NewAuditHandler(log AuditLog, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeEnvelope(w, http.StatusUnauthorized, envelope{Error: &errorBody{Code: "unauthorized", Message: "unauthorized"}})
				return
			}
		}
		values := r.URL.Query()
		q := audit.Query{
			EmergencyID: values.Get("emergency_id"),
			AmbulanceID: values.Get("ambulance_id"),
			Kind:        audit.Kind(values.Get("kind")),
			Outcome:     model.Outcome(values.Get("outcome")),
		}
		if s := values.Get("start"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.Start = t
			}
		}
		if s := values.Get("end"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.End = t
			}
		}
		if s := values.Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				q.Limit = n
			}
		}
		records, err := log.Audit(r.Context(), q)
		if err != nil {
			writeEnvelope(w, StatusOf(err), envelope{Error: &errorBody{Code: "audit_error", Message: err.Error()}})
			return
		}
		if records == nil {
			records = []audit.Record{}
		}
		writeEnvelope(w, http.StatusOK, envelope{Result: records})
	})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

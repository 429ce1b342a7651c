package api

import (
	"context"
	"net/http"

	"github.com/kilianp07/ambulance/core/model"
)

// FleetLister lists the known ambulances.
type FleetLister interface {
	List(ctx context.Context) []model.Ambulance
}

// NewFleetStatusHandler returns an HTTP handler exposing the fleet via
// GET /api/ambulance. The optional status and driver_id query parameters
// filter the list.
func NewFleetStatusHandler(fleet FleetLister) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := model.AmbulanceStatus(r.URL.Query().Get("status"))
		driver := r.URL.Query().Get("driver_id")
		entries := make([]model.Ambulance, 0)
		for _, a := range fleet.List(r.Context()) {
			a = a.PublicView()
			if status != "" && a.Status != status {
				continue
			}
			if driver != "" && a.DriverID != driver {
				continue
			}
			entries = append(entries, a)
		}
		writeEnvelope(w, http.StatusOK, envelope{Result: entries})
	})
}

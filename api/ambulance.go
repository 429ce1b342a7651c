package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/model"
)

const (
	defaultNearbyLimit = 5
	maxNearbyLimit     = 50
)

// locationQuery reads lat, lng and limit from the query string.
func locationQuery(c *gin.Context) (model.Location, int, error) {
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil {
		return model.Location{}, 0, apperr.Validationf("lat: %v", err)
	}
	lng, err := strconv.ParseFloat(c.Query("lng"), 64)
	if err != nil {
		return model.Location{}, 0, apperr.Validationf("lng: %v", err)
	}
	loc := model.Location{Lat: lat, Lng: lng}
	if err := loc.Validate(); err != nil {
		return model.Location{}, 0, apperr.Validationf("%v", err)
	}
	limit := defaultNearbyLimit
	if s := c.Query("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			return model.Location{}, 0, apperr.Validationf("limit must be a positive integer")
		}
		limit = min(limit, maxNearbyLimit)
	}
	return loc, limit, nil
}

// NearbyAmbulance is an available ambulance ranked by distance.
type NearbyAmbulance struct {
	model.Ambulance
	DistanceKM       float64 `json:"distance_km"`
	PickupETAMinutes int     `json:"pickup_eta_minutes"`
}

func (s *Server) nearbyAmbulances(c *gin.Context) {
	loc, limit, err := locationQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	cands, err := s.deps.Fleet.NearestAvailable(c.Request.Context(), loc, limit)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]NearbyAmbulance, 0, len(cands))
	for _, cand := range cands {
		out = append(out, NearbyAmbulance{
			Ambulance:        cand.Ambulance.PublicView(),
			DistanceKM:       cand.DistanceKM,
			PickupETAMinutes: model.EstimateETAMinutes(cand.DistanceKM, 0),
		})
	}
	ok(c, http.StatusOK, out)
}

func (s *Server) nearbyHospitals(c *gin.Context) {
	loc, limit, err := locationQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, s.deps.Fleet.NearestHospitals(loc, limit))
}

func (s *Server) getAmbulance(c *gin.Context) {
	a, err := s.deps.Fleet.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a.PublicView())
}

type registerRequest struct {
	VehicleNumber string                `json:"vehicle_number"`
	DriverID      string                `json:"driver_id"`
	Capacity      int                   `json:"capacity"`
	Status        model.AmbulanceStatus `json:"status"`
	Location      model.Location        `json:"location"`
}

func (s *Server) registerAmbulance(c *gin.Context) {
	var body registerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	switch body.Status {
	case "", model.AmbulanceAvailable, model.AmbulanceOffline:
	default:
		fail(c, apperr.Validationf("status must be available or offline"))
		return
	}
	a, err := s.deps.Dispatcher.RegisterAmbulance(c.Request.Context(), model.Ambulance{
		ID:              c.Param("id"),
		VehicleNumber:   body.VehicleNumber,
		DriverID:        body.DriverID,
		Capacity:        body.Capacity,
		Status:          body.Status,
		CurrentLocation: body.Location,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

type locationRequest struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) recordLocation(c *gin.Context) {
	var body locationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	a, applied, err := s.deps.Dispatcher.RecordLocation(c.Request.Context(), c.Param("id"),
		model.Location{Lat: body.Lat, Lng: body.Lng}, body.Timestamp)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ambulance": a, "applied": applied})
}

type availabilityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *Server) setAvailability(c *gin.Context) {
	var body availabilityRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Validationf("invalid body: %v", err))
		return
	}
	a, err := s.deps.Dispatcher.SetAvailability(c.Request.Context(), c.Param("id"), *body.Online)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKM(t *testing.T) {
	addis := Location{Lat: 9.03, Lng: 38.74}
	assert.InDelta(t, 0, DistanceKM(addis, addis), 1e-9)

	// One degree of latitude is ~111.19 km on a 6371 km sphere.
	north := Location{Lat: 10.03, Lng: 38.74}
	assert.InDelta(t, 111.19, DistanceKM(addis, north), 0.01)
	assert.InDelta(t, DistanceKM(addis, north), DistanceKM(north, addis), 1e-9)
}

func TestEstimateETAMinutes(t *testing.T) {
	assert.Equal(t, 15, EstimateETAMinutes(10, 40))
	assert.Equal(t, 1, EstimateETAMinutes(0.1, 40))
	assert.Equal(t, 15, EstimateETAMinutes(10, 0))
}

func TestLocationValidate(t *testing.T) {
	assert.Error(t, Location{}.Validate())
	assert.Error(t, Location{Lat: 91, Lng: 0}.Validate())
	assert.Error(t, Location{Lat: 0, Lng: -181}.Validate())
	assert.NoError(t, Location{Lat: 0, Lng: 38.74}.Validate())
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" Critical ")
	assert.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)
	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusAssigned.IsTerminal())

	assert.Equal(t, AmbulanceAvailable, AmbulanceReserved.Public())
	assert.Equal(t, AmbulanceEnRoute, AmbulanceEnRoute.Public())
	assert.False(t, AmbulanceStatus("parked").Valid())

	assert.True(t, OutcomeExpired.IsRejected())
	assert.False(t, OutcomeAccepted.IsRejected())
}

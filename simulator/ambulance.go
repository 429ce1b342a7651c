package simulator

import (
	"time"

	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/model"
)

type phase int

const (
	phaseIdle phase = iota
	phaseToScene
	phaseOnScene
	phaseToHospital
)

func (p phase) String() string {
	switch p {
	case phaseToScene:
		return "to_scene"
	case phaseOnScene:
		return "on_scene"
	case phaseToHospital:
		return "to_hospital"
	default:
		return "idle"
	}
}

// Ambulance is one simulated crew and vehicle.
type Ambulance struct {
	ID            string
	DriverID      string
	VehicleNumber string
	Location      model.Location

	phase       phase
	emergencyID string
	target      model.Location
	wait        time.Duration
}

// Busy reports whether the crew is on a mission.
func (a *Ambulance) Busy() bool { return a.phase != phaseIdle }

func (a *Ambulance) assign(emergencyID string, scene model.Location) {
	a.phase, a.emergencyID, a.target = phaseToScene, emergencyID, scene
}

func (a *Ambulance) release() {
	a.phase, a.emergencyID, a.wait = phaseIdle, "", 0
}

// advance moves the mission forward by dt and returns the lifecycle event
// reached, if any, with the emergency it belongs to.
func (a *Ambulance) advance(dt time.Duration, speedKMH float64, onScene time.Duration, hospital model.Location) (lifecycle.Event, string, bool) {
	step := speedKMH * dt.Hours()
	switch a.phase {
	case phaseToScene:
		if a.moveToward(a.target, step) {
			a.phase, a.wait = phaseOnScene, onScene
			return lifecycle.EventPatientReached, a.emergencyID, true
		}
	case phaseOnScene:
		a.wait -= dt
		if a.wait <= 0 {
			a.phase, a.target = phaseToHospital, hospital
			return lifecycle.EventDepartedForFacility, a.emergencyID, true
		}
	case phaseToHospital:
		if a.moveToward(a.target, step) {
			id := a.emergencyID
			a.release()
			return lifecycle.EventHandoffConfirmed, id, true
		}
	}
	return "", "", false
}

// moveToward travels up to km along the straight line to target and reports
// whether it was reached.
func (a *Ambulance) moveToward(target model.Location, km float64) bool {
	d := model.DistanceKM(a.Location, target)
	if d <= km {
		a.Location = target
		return true
	}
	f := km / d
	a.Location = model.Location{
		Lat: a.Location.Lat + (target.Lat-a.Location.Lat)*f,
		Lng: a.Location.Lng + (target.Lng-a.Location.Lng)*f,
	}
	return false
}

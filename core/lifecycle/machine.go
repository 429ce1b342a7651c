package lifecycle

import (
	"fmt"

	"github.com/kilianp07/ambulance/core/model"
)

// Event drives an emergency from one status to the next.
type Event string

const (
	EventAssignmentAccepted  Event = "assignment_accepted"
	EventPatientCancelled    Event = "patient_cancelled"
	EventTransitStarted      Event = "transit_started"
	EventAssignmentReleased  Event = "assignment_released"
	EventPatientReached      Event = "patient_reached"
	EventDepartedForFacility Event = "departed_for_facility"
	EventHandoffConfirmed    Event = "handoff_confirmed"
)

var transitions = map[model.EmergencyStatus]map[Event]model.EmergencyStatus{
	model.StatusPending: {
		EventAssignmentAccepted: model.StatusAssigned,
		EventPatientCancelled:   model.StatusCancelled,
	},
	model.StatusAssigned: {
		EventTransitStarted:     model.StatusEnRoute,
		EventAssignmentReleased: model.StatusPending,
		EventPatientCancelled:   model.StatusCancelled,
	},
	model.StatusEnRoute: {
		EventPatientReached: model.StatusArrived,
	},
	model.StatusArrived: {
		EventDepartedForFacility: model.StatusAtHospital,
	},
	model.StatusAtHospital: {
		EventHandoffConfirmed: model.StatusCompleted,
	},
}

// Next returns the status reached from `from` on ev. Terminal statuses have
// no outgoing edge.
func Next(from model.EmergencyStatus, ev Event) (model.EmergencyStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, error) {
	ev := Event(s)
	for _, edges := range transitions {
		if _, ok := edges[ev]; ok {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// DriverEvent reports whether ev is reported by the assigned driver as the
// ambulance progresses.
func DriverEvent(ev Event) bool {
	switch ev {
	case EventTransitStarted, EventPatientReached, EventDepartedForFacility, EventHandoffConfirmed:
		return true
	}
	return false
}

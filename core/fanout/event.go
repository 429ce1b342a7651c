package fanout

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/ambulance/core/model"
)

// Topic kinds.
const (
	KindEmergency = "emergency"
	KindAmbulance = "ambulance"
)

// EmergencyTopic returns the topic carrying changes of one emergency.
func EmergencyTopic(id string) string { return KindEmergency + ":" + id }

// AmbulanceTopic returns the topic carrying changes of one ambulance.
func AmbulanceTopic(id string) string { return KindAmbulance + ":" + id }

// ParseTopic splits a topic into its kind and id.
func ParseTopic(topic string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" || strings.ContainsAny(id, ":/#+ ") {
		return "", "", fmt.Errorf("invalid topic %q", topic)
	}
	if kind != KindEmergency && kind != KindAmbulance {
		return "", "", fmt.Errorf("unknown topic kind %q", kind)
	}
	return kind, id, nil
}

// EventType classifies events.
type EventType string

const (
	// EventSnapshot carries the full current state of the topic.
	EventSnapshot EventType = "snapshot"
	// EventStatus is a committed emergency lifecycle transition.
	EventStatus EventType = "status"
	// EventOffer is an assignment offer being made or resolved.
	EventOffer EventType = "offer"
	// EventLocation is an applied ambulance location tick.
	EventLocation EventType = "location"
	// EventAmbulanceStatus is an ambulance dispatch status change.
	EventAmbulanceStatus EventType = "ambulance_status"
)

// Event is one change delivered to subscribers. Only the entities touched
// by the change are set; a snapshot sets every entity known for the topic.
type Event struct {
	Topic      string                  `json:"topic"`
	Type       EventType               `json:"type"`
	Version    int64                   `json:"version"`
	Time       time.Time               `json:"time"`
	Snapshot   bool                    `json:"snapshot,omitempty"`
	Transition string                  `json:"transition,omitempty"`
	Emergency  *model.EmergencyRequest `json:"emergency,omitempty"`
	Assignment *model.Assignment       `json:"assignment,omitempty"`
	Ambulance  *model.Ambulance        `json:"ambulance,omitempty"`
}

// entityVersions lists the entity keys of ev with a version that increases
// with every change of that entity.
func (ev Event) entityVersions() map[string]int64 {
	out := make(map[string]int64, 3)
	if e := ev.Emergency; e != nil {
		out["emergency/"+e.ID] = e.Version
	}
	if a := ev.Assignment; a != nil {
		out["assignment/"+a.ID] = a.Version
	}
	if a := ev.Ambulance; a != nil {
		v := a.UpdatedAt.UnixNano()
		if s := a.StatusChangedAt.UnixNano(); s > v {
			v = s
		}
		out["ambulance/"+a.ID] = v
	}
	return out
}

// Tracker implements apply-if-newer for consumers: it remembers the last
// version seen per entity and rejects events that carry nothing newer.
// Duplicate deliveries and replayed snapshots are therefore safe to drop.
type Tracker struct {
	seen map[string]int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker { return &Tracker{seen: make(map[string]int64)} }

// Apply records ev and reports whether it carries at least one entity newer
// than what was seen before.
func (t *Tracker) Apply(ev Event) bool {
	newer := false
	for k, v := range ev.entityVersions() {
		if last, ok := t.seen[k]; !ok || v > last {
			t.seen[k] = v
			newer = true
		}
	}
	return newer
}

// Newer reports whether next carries a newer version of any entity that
// prev also carries, or an entity prev does not carry at all.
func Newer(prev, next Event) bool {
	t := NewTracker()
	t.Apply(prev)
	return t.Apply(next)
}

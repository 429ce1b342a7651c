package mqtt

import (
	"fmt"
	"strings"
)

// Topic suffixes below <prefix>/<ambulance id>/.
const (
	suffixOffer    = "offer"
	suffixResponse = "response"
	suffixLocation = "location"
	suffixAck      = "ack"
)

// Topics builds the driver channel topic names under a prefix.
type Topics struct{ Prefix string }

// Offer is where offers for the ambulance are published.
func (t Topics) Offer(ambulanceID string) string { return t.join(ambulanceID, suffixOffer) }

// Response is where the driver answers offers.
func (t Topics) Response(ambulanceID string) string { return t.join(ambulanceID, suffixResponse) }

// Location is where the ambulance publishes its position.
func (t Topics) Location(ambulanceID string) string { return t.join(ambulanceID, suffixLocation) }

// Ack is where the outcome of a response is reported back to the driver.
func (t Topics) Ack(ambulanceID string) string { return t.join(ambulanceID, suffixAck) }

func (t Topics) join(id, suffix string) string { return t.Prefix + "/" + id + "/" + suffix }

// AllResponses and AllLocations are the wildcard subscriptions of the
// dispatch side.
func (t Topics) AllResponses() string { return t.join("+", suffixResponse) }
func (t Topics) AllLocations() string { return t.join("+", suffixLocation) }

// AllOffers and AllAcks are the wildcard subscriptions of a simulated fleet.
func (t Topics) AllOffers() string { return t.join("+", suffixOffer) }
func (t Topics) AllAcks() string   { return t.join("+", suffixAck) }

// AmbulanceID extracts the ambulance id from a driver topic.
func (t Topics) AmbulanceID(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", fmt.Errorf("topic %q outside prefix %q", topic, t.Prefix)
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", fmt.Errorf("topic %q has no ambulance id", topic)
	}
	return id, nil
}

package dispatch

import (
	"context"
	"time"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/model"
)

// RegisterAmbulance adds or refreshes an ambulance. Registering it as
// available triggers a scheduling pass.
func (c *Coordinator) RegisterAmbulance(ctx context.Context, a model.Ambulance) (model.Ambulance, error) {
	amb, err := c.geo.Register(ctx, a)
	if err != nil {
		return model.Ambulance{}, err
	}
	c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
	if amb.Status == model.AmbulanceAvailable {
		c.kick()
	}
	return amb.PublicView(), nil
}

// RecordLocation applies a location tick. Ticks older than the stored one
// are ignored and reported with applied false. Applied ticks are published
// on the ambulance topic and, while the ambulance serves an emergency, on
// the emergency topic.
func (c *Coordinator) RecordLocation(ctx context.Context, ambulanceID string, loc model.Location, at time.Time) (model.Ambulance, bool, error) {
	if at.IsZero() {
		at = c.now()
	}
	amb, applied, err := c.geo.RecordLocation(ctx, ambulanceID, loc, at)
	if err != nil || !applied {
		return amb.PublicView(), applied, err
	}
	pub := amb.PublicView()
	ev := fanout.Event{
		Topic:     fanout.AmbulanceTopic(ambulanceID),
		Type:      fanout.EventLocation,
		Version:   ambulanceVersion(pub),
		Time:      amb.UpdatedAt,
		Ambulance: &pub,
	}
	c.publish(ev)
	if e, ok := c.engagement(ambulanceID); ok && e.accepted {
		ev.Topic = fanout.EmergencyTopic(e.emergencyID)
		c.publish(ev)
	}
	return pub, true, nil
}

// SetAvailability records a driver going online or offline. Going online
// triggers a scheduling pass. Going offline while holding an open offer
// declines it; going offline while serving an emergency is refused.
func (c *Coordinator) SetAvailability(ctx context.Context, ambulanceID string, online bool) (model.Ambulance, error) {
	if online {
		amb, ok, err := c.geo.Swap(ctx, ambulanceID, model.AmbulanceAvailable, model.AmbulanceOffline)
		if err != nil {
			return model.Ambulance{}, err
		}
		if ok {
			c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
			c.kick()
		}
		return amb.PublicView(), nil
	}

	if e, ok := c.engagement(ambulanceID); ok {
		if e.accepted {
			return model.Ambulance{}, apperr.Conflictf("ambulance %s is serving emergency %s", ambulanceID, e.emergencyID)
		}
		if err := c.declineOpenOffer(ctx, e.emergencyID, ambulanceID); err != nil {
			return model.Ambulance{}, err
		}
	}
	amb, ok, err := c.geo.Swap(ctx, ambulanceID, model.AmbulanceOffline, model.AmbulanceAvailable, model.AmbulanceOffline)
	if err != nil {
		return model.Ambulance{}, err
	}
	if !ok {
		return amb.PublicView(), apperr.Conflictf("ambulance %s is %s", ambulanceID, amb.Status.Public())
	}
	c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
	c.recordFleet()
	return amb.PublicView(), nil
}

func (c *Coordinator) declineOpenOffer(ctx context.Context, emergencyID, ambulanceID string) error {
	unlock := c.locks.Lock(emergencyID)
	defer unlock()
	st, err := c.loadState(ctx, emergencyID)
	if err != nil || st.CurrentOfferID == "" {
		return err
	}
	asg, err := c.getAssignment(ctx, st.CurrentOfferID)
	if err != nil {
		return err
	}
	if asg.AmbulanceID != ambulanceID || asg.Outcome != model.OutcomeOffered {
		return nil
	}
	em, err := c.life.Get(ctx, emergencyID)
	if err != nil {
		return err
	}
	_, err = c.reject(ctx, em, st, asg, model.OutcomeDeclined, "driver went offline")
	return err
}

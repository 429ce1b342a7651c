package dispatch

import (
	"context"

	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/store"
)

// Recover restores in-flight work after a restart: open offers get their
// timers re-armed, offers whose deadline passed while the process was down
// are expired and the next candidate is offered, and ambulances left
// reserved without an open offer are released. It returns the number of
// offers still open.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	var accepted []model.Assignment
	err := c.retry(ctx, func() error {
		var err error
		accepted, err = store.QueryAs[model.Assignment](ctx, c.store, store.Query{
			Kind:  kindAssignment,
			Where: map[string]string{"outcome": string(model.OutcomeAccepted)},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, a := range accepted {
		c.engage(a.AmbulanceID, a.EmergencyID, true)
	}

	var states []offerState
	err = c.retry(ctx, func() error {
		var err error
		states, err = store.QueryAs[offerState](ctx, c.store, store.Query{
			Kind:  kindOfferState,
			Where: map[string]string{"active": "true"},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	open := 0
	for _, s := range states {
		if s.CurrentOfferID == "" {
			continue
		}
		ok, err := c.recoverOffer(ctx, s.EmergencyID)
		if err != nil {
			c.logger.Errorf("emergency %s: recover offer: %v", s.EmergencyID, err)
			continue
		}
		if ok {
			open++
		}
	}

	for _, amb := range c.geo.List(ctx) {
		if amb.Status != model.AmbulanceReserved {
			continue
		}
		if _, engaged := c.engagement(amb.ID); engaged {
			continue
		}
		c.logger.Warnf("ambulance %s reserved without an open offer, releasing", amb.ID)
		c.release(ctx, amb.ID, model.AmbulanceReserved)
	}
	c.logger.Infof("recovered %d open offers, %d accepted assignments", open, len(accepted))
	return open, nil
}

func (c *Coordinator) recoverOffer(ctx context.Context, emergencyID string) (bool, error) {
	unlock := c.locks.Lock(emergencyID)
	defer unlock()
	st, err := c.loadState(ctx, emergencyID)
	if err != nil || st.CurrentOfferID == "" {
		return false, err
	}
	asg, err := c.getAssignment(ctx, st.CurrentOfferID)
	if err != nil {
		return false, err
	}
	if asg.Outcome != model.OutcomeOffered {
		st.CurrentOfferID = ""
		return false, c.saveState(ctx, st)
	}
	em, err := c.life.Get(ctx, emergencyID)
	if err != nil {
		return false, err
	}
	activeOffers.Inc()
	if !c.now().Before(asg.Deadline) || em.Status != model.StatusPending {
		_, err := c.reject(ctx, em, st, asg, model.OutcomeExpired, "offer timed out during restart")
		return st.CurrentOfferID != "", err
	}
	c.engage(asg.AmbulanceID, emergencyID, false)
	c.arm(emergencyID, asg.ID, asg.Deadline)
	return true, nil
}

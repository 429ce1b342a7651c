package dispatch

import (
	"context"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/monitoring"
	"github.com/kilianp07/ambulance/core/store"
)

// Respond records a driver's answer to an offer. Only the open offer of an
// emergency can be answered: answering a cancelled, superseded, declined or
// expired offer fails with a stale offer error, and answering an offer that
// was already accepted fails with an already resolved error. The first
// accept is authoritative, so a decline arriving after it is rejected too.
func (c *Coordinator) Respond(ctx context.Context, offerID string, decision model.Decision, driverID string) (model.Assignment, error) {
	if decision != model.DecisionAccept && decision != model.DecisionDecline {
		return model.Assignment{}, apperr.Validationf("unknown decision %q", decision)
	}
	asg, err := c.getAssignment(ctx, offerID)
	if err != nil {
		return model.Assignment{}, err
	}

	unlock := c.locks.Lock(asg.EmergencyID)
	defer unlock()

	if asg, err = c.getAssignment(ctx, offerID); err != nil {
		return model.Assignment{}, err
	}
	if err := checkDriver(asg, driverID); err != nil {
		return asg, err
	}
	switch asg.Outcome {
	case model.OutcomeAccepted, model.OutcomeWithdrawn, model.OutcomeCompleted:
		c.logger.Warnf("emergency %s: %s of offer %s rejected: already accepted", asg.EmergencyID, decision, offerID)
		return asg, apperr.AlreadyResolvedf("offer %s already accepted", offerID)
	case model.OutcomeDeclined, model.OutcomeExpired, model.OutcomeCancelled:
		c.logger.Warnf("emergency %s: %s of offer %s rejected: offer %s", asg.EmergencyID, decision, offerID, asg.Outcome)
		return asg, apperr.StaleOfferf("offer %s is %s", offerID, asg.Outcome)
	}

	st, err := c.loadState(ctx, asg.EmergencyID)
	if err != nil {
		return asg, err
	}
	if st.CurrentOfferID != offerID {
		return asg, apperr.StaleOfferf("offer %s was superseded", offerID)
	}
	em, err := c.life.Get(ctx, asg.EmergencyID)
	if err != nil {
		return asg, err
	}

	if decision == model.DecisionDecline {
		return c.reject(ctx, em, st, asg, model.OutcomeDeclined, "declined by driver")
	}
	if !c.now().Before(asg.Deadline) {
		if _, err := c.reject(ctx, em, st, asg, model.OutcomeExpired, "offer timed out"); err != nil {
			return asg, err
		}
		return asg, apperr.StaleOfferf("offer %s expired", offerID)
	}
	return c.accept(ctx, em, st, asg)
}

// Withdraw records a driver backing out after accepting. It is only legal
// while the emergency is assigned; the emergency returns to pending and is
// matched again without the withdrawing ambulance.
func (c *Coordinator) Withdraw(ctx context.Context, offerID, driverID, reason string) (model.Assignment, error) {
	asg, err := c.getAssignment(ctx, offerID)
	if err != nil {
		return model.Assignment{}, err
	}

	unlock := c.locks.Lock(asg.EmergencyID)
	defer unlock()

	if asg, err = c.getAssignment(ctx, offerID); err != nil {
		return model.Assignment{}, err
	}
	if err := checkDriver(asg, driverID); err != nil {
		return asg, err
	}
	switch asg.Outcome {
	case model.OutcomeWithdrawn:
		return asg, apperr.AlreadyResolvedf("offer %s already withdrawn", offerID)
	case model.OutcomeDeclined, model.OutcomeExpired, model.OutcomeCancelled:
		return asg, apperr.StaleOfferf("offer %s is %s", offerID, asg.Outcome)
	case model.OutcomeOffered:
		return asg, apperr.InvalidTransitionf("offer %s was not accepted, decline it instead", offerID)
	case model.OutcomeCompleted:
		return asg, apperr.InvalidTransitionf("offer %s is completed", offerID)
	}
	em, err := c.life.Get(ctx, asg.EmergencyID)
	if err != nil {
		return asg, err
	}
	if em.Status != model.StatusAssigned || em.AssignmentID != asg.ID {
		c.logger.Warnf("emergency %s: withdraw of %s rejected in %s", em.ID, offerID, em.Status)
		return asg, apperr.InvalidTransitionf("emergency %s is %s", em.ID, em.Status)
	}

	if reason == "" {
		reason = "withdrawn by driver"
	}
	now := c.now().UTC()
	asg.Outcome = model.OutcomeWithdrawn
	asg.ResolvedAt = &now
	asg.Notes = reason
	if asg, err = c.putAssignment(ctx, asg, asg.Version); err != nil {
		if store.IsConflict(err) {
			return asg, apperr.AlreadyResolvedf("offer %s already resolved", offerID)
		}
		return asg, err
	}
	em, err = c.life.Transition(ctx, asg.EmergencyID, lifecycle.EventAssignmentReleased, lifecycle.WithAssignment(asg))
	if err != nil {
		c.logger.Errorf("emergency %s: release after withdraw of %s: %v", asg.EmergencyID, offerID, err)
		monitoring.CaptureException(err, map[string]string{"emergency_id": asg.EmergencyID, "offer_id": offerID})
		return asg, err
	}
	c.release(ctx, asg.AmbulanceID, model.AmbulanceAssigned, model.AmbulanceEnRoute)
	c.recordOffer(em, asg)

	st, err := c.loadState(ctx, em.ID)
	if err != nil {
		return asg, err
	}
	if err := c.match(ctx, em, st, asg.AmbulanceID); err != nil {
		c.logger.Errorf("emergency %s: matching after withdraw: %v", em.ID, err)
	}
	return asg, nil
}

// Cancel cancels the emergency on behalf of its patient. Any open offer is
// invalidated and the reserved or assigned ambulance is released.
func (c *Coordinator) Cancel(ctx context.Context, emergencyID, patientID string) (model.EmergencyRequest, error) {
	unlock := c.locks.Lock(emergencyID)
	defer unlock()

	em, err := c.life.Get(ctx, emergencyID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	if patientID != "" && em.PatientID != patientID {
		return model.EmergencyRequest{}, apperr.Validationf("emergency %s does not belong to patient %s", emergencyID, patientID)
	}
	st, err := c.loadState(ctx, emergencyID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	acceptedID := em.AssignmentID

	em, err = c.life.Transition(ctx, emergencyID, lifecycle.EventPatientCancelled)
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	now := c.now().UTC()
	freed := false
	for _, id := range []string{st.CurrentOfferID, acceptedID} {
		if id == "" {
			continue
		}
		asg, err := c.getAssignment(ctx, id)
		if err != nil {
			c.logger.Errorf("emergency %s: load assignment %s on cancel: %v", emergencyID, id, err)
			continue
		}
		if asg.Outcome != model.OutcomeOffered && asg.Outcome != model.OutcomeAccepted {
			continue
		}
		if asg.Outcome == model.OutcomeOffered {
			c.disarm(emergencyID)
			activeOffers.Dec()
		}
		asg.Outcome = model.OutcomeCancelled
		asg.ResolvedAt = &now
		asg.Notes = "cancelled by patient"
		if asg, err = c.putAssignment(ctx, asg, asg.Version); err != nil {
			c.logger.Errorf("emergency %s: cancel assignment %s: %v", emergencyID, id, err)
			continue
		}
		c.release(ctx, asg.AmbulanceID, model.AmbulanceReserved, model.AmbulanceAssigned, model.AmbulanceEnRoute)
		c.recordOffer(em, asg)
		freed = true
	}

	st.CurrentOfferID = ""
	st.Closed = true
	if err := c.saveState(ctx, st); err != nil {
		c.logger.Errorf("emergency %s: save offer state: %v", emergencyID, err)
	}
	c.appendAudit(audit.Record{
		Timestamp:   now,
		Kind:        audit.KindCancelled,
		EmergencyID: emergencyID,
		Severity:    em.Severity,
		Status:      string(em.Status),
		Reason:      "cancelled by patient",
	})
	c.logger.Infof("emergency %s cancelled by patient %s", emergencyID, em.PatientID)
	if freed {
		c.kick()
	}
	return em, nil
}

// Progress applies a driver lifecycle event to an assigned emergency. The
// ambulance follows: en route on transit_started, available again on
// handoff_confirmed, which also triggers a scheduling pass.
func (c *Coordinator) Progress(ctx context.Context, emergencyID string, ev lifecycle.Event, driverID string) (model.EmergencyRequest, error) {
	if !lifecycle.DriverEvent(ev) {
		return model.EmergencyRequest{}, apperr.Validationf("%q is not a driver event", ev)
	}
	unlock := c.locks.Lock(emergencyID)
	defer unlock()

	em, err := c.life.Get(ctx, emergencyID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	if em.AssignmentID == "" {
		c.logger.Warnf("emergency %s: %s rejected in %s", emergencyID, ev, em.Status)
		return model.EmergencyRequest{}, apperr.InvalidTransitionf("emergency %s has no accepted assignment", emergencyID)
	}
	asg, err := c.getAssignment(ctx, em.AssignmentID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	if err := checkDriver(asg, driverID); err != nil {
		return model.EmergencyRequest{}, err
	}

	em, err = c.life.Transition(ctx, emergencyID, ev, lifecycle.WithAssignment(asg))
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	switch ev {
	case lifecycle.EventTransitStarted:
		amb, ok, err := c.geo.Swap(ctx, asg.AmbulanceID, model.AmbulanceEnRoute, model.AmbulanceAssigned)
		if err != nil {
			c.logger.Errorf("emergency %s: ambulance %s en route: %v", emergencyID, asg.AmbulanceID, err)
		} else if ok {
			c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
		}
	case lifecycle.EventHandoffConfirmed:
		now := c.now().UTC()
		asg.Outcome = model.OutcomeCompleted
		asg.CompletedAt = &now
		if asg, err = c.putAssignment(ctx, asg, asg.Version); err != nil {
			c.logger.Errorf("emergency %s: complete assignment %s: %v", emergencyID, asg.ID, err)
		}
		c.release(ctx, asg.AmbulanceID, model.AmbulanceEnRoute, model.AmbulanceAssigned)
		c.recordOffer(em, asg)
		if st, err := c.loadState(ctx, emergencyID); err == nil {
			st.Closed = true
			if err := c.saveState(ctx, st); err != nil {
				c.logger.Errorf("emergency %s: save offer state: %v", emergencyID, err)
			}
		}
		c.kick()
	}
	c.appendAudit(audit.Record{
		Timestamp:    em.UpdatedAt,
		Kind:         audit.KindTransition,
		EmergencyID:  emergencyID,
		AssignmentID: asg.ID,
		AmbulanceID:  asg.AmbulanceID,
		Severity:     em.Severity,
		Status:       string(em.Status),
		Reason:       string(ev),
	})
	return em, nil
}

func checkDriver(asg model.Assignment, driverID string) error {
	if driverID != "" && asg.DriverID != "" && driverID != asg.DriverID {
		return apperr.Validationf("offer %s is not addressed to driver %s", asg.ID, driverID)
	}
	return nil
}

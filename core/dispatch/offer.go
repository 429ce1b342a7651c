package dispatch

import (
	"context"
	"time"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/events"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/metrics"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/monitoring"
	"github.com/kilianp07/ambulance/core/store"
)

const (
	kindAssignment = "assignment"
	kindOfferState = "offer_state"
	offeredLayout  = "20060102T150405.000000000"
)

type candidate struct {
	AmbulanceID string  `json:"ambulance_id"`
	DistanceKM  float64 `json:"distance_km"`
}

// offerState is the durable progress of the current matching round of one
// emergency.
type offerState struct {
	EmergencyID    string      `json:"emergency_id"`
	Candidates     []candidate `json:"candidates"`
	Index          int         `json:"index"`
	CurrentOfferID string      `json:"current_offer_id,omitempty"`
	Deadline       time.Time   `json:"deadline,omitempty"`
	Tried          []string    `json:"tried,omitempty"`
	Closed         bool        `json:"closed,omitempty"`
	// Failed is the reason of the last match failure recorded for the
	// emergency. It is cleared once an offer is made.
	Failed string `json:"failed,omitempty"`

	version int64
}

func offerStateKey(emergencyID string) string { return "offer-state/" + emergencyID }
func assignmentKey(id string) string          { return "assignment/" + id }

func (c *Coordinator) loadState(ctx context.Context, emergencyID string) (*offerState, error) {
	var st offerState
	err := c.retry(ctx, func() error {
		v, rec, err := store.GetAs[offerState](ctx, c.store, offerStateKey(emergencyID))
		if store.IsNotFound(err) {
			st = offerState{EmergencyID: emergencyID}
			return nil
		}
		if err != nil {
			return err
		}
		st = v
		st.version = rec.Version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Coordinator) saveState(ctx context.Context, st *offerState) error {
	attrs := map[string]string{"active": "true"}
	if st.Closed {
		attrs["active"] = "false"
	}
	return c.retry(ctx, func() error {
		rec, err := store.PutAs(ctx, c.store, offerStateKey(st.EmergencyID), kindOfferState, attrs, *st, st.version)
		if err != nil {
			return err
		}
		st.version = rec.Version
		return nil
	})
}

func (c *Coordinator) getAssignment(ctx context.Context, id string) (model.Assignment, error) {
	var a model.Assignment
	err := c.retry(ctx, func() error {
		v, rec, err := store.GetAs[model.Assignment](ctx, c.store, assignmentKey(id))
		if err != nil {
			return err
		}
		v.Version = rec.Version
		a = v
		return nil
	})
	if store.IsNotFound(err) {
		return a, apperr.NotFoundf("offer %s", id)
	}
	return a, err
}

func (c *Coordinator) putAssignment(ctx context.Context, a model.Assignment, expected int64) (model.Assignment, error) {
	attrs := map[string]string{
		"emergency_id": a.EmergencyID,
		"ambulance_id": a.AmbulanceID,
		"outcome":      string(a.Outcome),
		"offered":      a.OfferedAt.UTC().Format(offeredLayout),
	}
	err := c.retry(ctx, func() error {
		rec, err := store.PutAs(ctx, c.store, assignmentKey(a.ID), kindAssignment, attrs, a, expected)
		if err != nil {
			return err
		}
		a.Version = rec.Version
		return nil
	})
	return a, err
}

// match starts a fresh matching round. Ambulances listed in exclude are not
// offered during this round. The emergency lock must be held.
func (c *Coordinator) match(ctx context.Context, em model.EmergencyRequest, st *offerState, exclude ...string) error {
	var cands []candidate
	err := c.retry(ctx, func() error {
		res, err := c.geo.NearestAvailable(ctx, em.Location, c.cfg.CandidateLimit+len(exclude))
		if err != nil {
			return err
		}
		cands = cands[:0]
		for _, r := range res {
			if contains(exclude, r.Ambulance.ID) {
				continue
			}
			cands = append(cands, candidate{AmbulanceID: r.Ambulance.ID, DistanceKM: r.DistanceKM})
		}
		return nil
	})
	if err != nil {
		c.matchFailedOnce(ctx, em, st, "locator_unavailable", err)
		return nil
	}
	if len(cands) > c.cfg.CandidateLimit {
		cands = cands[:c.cfg.CandidateLimit]
	}
	st.Candidates = cands
	st.Index = 0
	st.Tried = nil
	st.Closed = false
	return c.offerNext(ctx, em, st)
}

// offerNext offers the emergency to the next candidate that can still be
// reserved. When the list is exhausted the emergency stays pending and the
// failure is recorded. The emergency lock must be held.
func (c *Coordinator) offerNext(ctx context.Context, em model.EmergencyRequest, st *offerState) error {
	for st.Index < len(st.Candidates) {
		cand := st.Candidates[st.Index]
		st.Index++
		amb, ok, err := c.geo.TryReserve(ctx, cand.AmbulanceID)
		if err != nil {
			c.logger.Warnf("emergency %s: reserve %s: %v", em.ID, cand.AmbulanceID, err)
			continue
		}
		if !ok {
			continue
		}

		now := c.now().UTC()
		eta := model.EstimateETAMinutes(cand.DistanceKM, c.cfg.SpeedKMH)
		asg := model.Assignment{
			ID:               c.newID(),
			EmergencyID:      em.ID,
			AmbulanceID:      amb.ID,
			DriverID:         amb.DriverID,
			Outcome:          model.OutcomeOffered,
			OfferedAt:        now,
			Deadline:         now.Add(c.cfg.OfferTimeout),
			PickupETAMinutes: &eta,
			DistanceKM:       cand.DistanceKM,
		}
		asg, err = c.putAssignment(ctx, asg, 0)
		if err != nil {
			c.release(ctx, amb.ID, model.AmbulanceReserved)
			return err
		}
		st.CurrentOfferID = asg.ID
		st.Deadline = asg.Deadline
		st.Tried = append(st.Tried, amb.ID)
		failed := st.Failed
		st.Failed = ""
		if err := c.saveState(ctx, st); err != nil {
			asg.Outcome = model.OutcomeCancelled
			asg.ResolvedAt = &now
			asg.Notes = "offer state not persisted"
			if _, perr := c.putAssignment(ctx, asg, asg.Version); perr != nil {
				c.logger.Errorf("emergency %s: roll back offer %s: %v", em.ID, asg.ID, perr)
			}
			c.release(ctx, amb.ID, model.AmbulanceReserved)
			st.CurrentOfferID = ""
			st.Failed = failed
			return err
		}

		c.engage(amb.ID, em.ID, false)
		c.arm(em.ID, asg.ID, asg.Deadline)
		activeOffers.Inc()
		c.recordOffer(em, asg)
		c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
		c.notify(em, asg)
		c.logger.Infof("emergency %s offered to ambulance %s (%.2f km, offer %s)", em.ID, amb.ID, cand.DistanceKM, asg.ID)
		return nil
	}

	reason := "candidates_exhausted"
	if len(st.Candidates) == 0 {
		reason = "no_candidates"
	}
	repeat := st.Failed == reason
	st.CurrentOfferID = ""
	st.Deadline = time.Time{}
	st.Failed = reason
	if err := c.saveState(ctx, st); err != nil {
		return err
	}
	if repeat {
		c.logger.Debugf("emergency %s: still no offer (%s)", em.ID, reason)
		return nil
	}
	c.matchFailed(ctx, em, st, reason, nil)
	return nil
}

// accept resolves the current offer as accepted and assigns the emergency.
func (c *Coordinator) accept(ctx context.Context, em model.EmergencyRequest, st *offerState, asg model.Assignment) (model.Assignment, error) {
	now := c.now().UTC()
	asg.Outcome = model.OutcomeAccepted
	asg.AssignedAt = &now
	asg.ResolvedAt = &now
	asg, err := c.putAssignment(ctx, asg, asg.Version)
	if store.IsConflict(err) {
		return asg, apperr.AlreadyResolvedf("offer %s already resolved", asg.ID)
	}
	if err != nil {
		return asg, err
	}
	c.disarm(em.ID)
	activeOffers.Dec()

	amb, ok, err := c.geo.Swap(ctx, asg.AmbulanceID, model.AmbulanceAssigned, model.AmbulanceReserved, model.AmbulanceAvailable)
	if err != nil || !ok {
		c.logger.Warnf("emergency %s: ambulance %s not reserved on accept (%s): %v", em.ID, asg.AmbulanceID, amb.Status, err)
	}

	if _, err := c.life.Transition(ctx, em.ID, lifecycle.EventAssignmentAccepted, lifecycle.WithAssignment(asg)); err != nil {
		asg.Outcome = model.OutcomeCancelled
		asg.Notes = "emergency could not be assigned"
		if _, perr := c.putAssignment(ctx, asg, asg.Version); perr != nil {
			c.logger.Errorf("emergency %s: roll back accept %s: %v", em.ID, asg.ID, perr)
		}
		c.release(ctx, asg.AmbulanceID, model.AmbulanceAssigned, model.AmbulanceReserved)
		st.CurrentOfferID = ""
		if serr := c.saveState(ctx, st); serr != nil {
			c.logger.Errorf("emergency %s: save offer state: %v", em.ID, serr)
		}
		monitoring.CaptureException(err, map[string]string{"emergency_id": em.ID, "offer_id": asg.ID})
		return asg, err
	}

	st.CurrentOfferID = ""
	st.Deadline = time.Time{}
	if err := c.saveState(ctx, st); err != nil {
		c.logger.Errorf("emergency %s: save offer state: %v", em.ID, err)
	}
	c.engage(asg.AmbulanceID, em.ID, true)
	c.recordOffer(em, asg)
	if ok {
		c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
	}
	c.logger.Infof("emergency %s assigned to ambulance %s", em.ID, asg.AmbulanceID)
	return asg, nil
}

// reject resolves the current offer without serving the emergency, releases
// the ambulance and moves on to the next candidate while the emergency is
// still pending. The emergency lock must be held.
func (c *Coordinator) reject(ctx context.Context, em model.EmergencyRequest, st *offerState, asg model.Assignment, outcome model.Outcome, reason string) (model.Assignment, error) {
	now := c.now().UTC()
	asg.Outcome = outcome
	asg.ResolvedAt = &now
	asg.Notes = reason
	asg, err := c.putAssignment(ctx, asg, asg.Version)
	if store.IsConflict(err) {
		return asg, apperr.AlreadyResolvedf("offer %s already resolved", asg.ID)
	}
	if err != nil {
		return asg, err
	}
	c.disarm(em.ID)
	activeOffers.Dec()
	c.release(ctx, asg.AmbulanceID, model.AmbulanceReserved)
	c.recordOffer(em, asg)
	c.logger.Infof("emergency %s: offer %s to %s %s", em.ID, asg.ID, asg.AmbulanceID, outcome)
	// The released ambulance may serve another waiting emergency. This one
	// moves on through its own candidate list and sits the pass out.
	c.kick(em.ID)

	st.CurrentOfferID = ""
	st.Deadline = time.Time{}
	if em.Status == model.StatusPending && !st.Closed {
		if err := c.offerNext(ctx, em, st); err != nil {
			c.logger.Errorf("emergency %s: next offer: %v", em.ID, err)
		}
		return asg, nil
	}
	if err := c.saveState(ctx, st); err != nil {
		c.logger.Errorf("emergency %s: save offer state: %v", em.ID, err)
	}
	return asg, nil
}

// release makes the ambulance available again if its status is one of from.
func (c *Coordinator) release(ctx context.Context, ambulanceID string, from ...model.AmbulanceStatus) {
	c.disengage(ambulanceID)
	amb, ok, err := c.geo.Swap(ctx, ambulanceID, model.AmbulanceAvailable, from...)
	if err != nil {
		c.logger.Errorf("release ambulance %s: %v", ambulanceID, err)
		return
	}
	if ok {
		c.publishAmbulance(amb, fanout.EventAmbulanceStatus)
	}
}

// arm starts the deadline timer of the current offer of an emergency.
func (c *Coordinator) arm(emergencyID, offerID string, deadline time.Time) {
	d := deadline.Sub(c.now())
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t := c.timers[emergencyID]; t != nil {
		t.Stop()
	}
	c.timers[emergencyID] = time.AfterFunc(d, func() {
		c.spawn(func(ctx context.Context) { c.expire(ctx, emergencyID, offerID) })
	})
}

func (c *Coordinator) disarm(emergencyID string) {
	c.mu.Lock()
	if t := c.timers[emergencyID]; t != nil {
		t.Stop()
		delete(c.timers, emergencyID)
	}
	c.mu.Unlock()
}

// expire resolves offerID as expired if it is still the open offer.
func (c *Coordinator) expire(ctx context.Context, emergencyID, offerID string) {
	unlock := c.locks.Lock(emergencyID)
	defer unlock()
	st, err := c.loadState(ctx, emergencyID)
	if err != nil {
		c.logger.Errorf("emergency %s: expire %s: %v", emergencyID, offerID, err)
		return
	}
	if st.CurrentOfferID != offerID {
		return
	}
	asg, err := c.getAssignment(ctx, offerID)
	if err != nil {
		c.logger.Errorf("emergency %s: expire %s: %v", emergencyID, offerID, err)
		return
	}
	if asg.Outcome != model.OutcomeOffered {
		return
	}
	em, err := c.life.Get(ctx, emergencyID)
	if err != nil {
		c.logger.Errorf("emergency %s: expire %s: %v", emergencyID, offerID, err)
		return
	}
	if _, err := c.reject(ctx, em, st, asg, model.OutcomeExpired, "offer timed out"); err != nil {
		c.logger.Errorf("emergency %s: expire %s: %v", emergencyID, offerID, err)
	}
}

// notify pushes the offer to the driver channel without holding the
// emergency lock.
func (c *Coordinator) notify(em model.EmergencyRequest, asg model.Assignment) {
	if c.notifier == nil {
		return
	}
	c.spawn(func(ctx context.Context) {
		if err := c.notifier.NotifyOffer(ctx, asg, em); err != nil {
			notifyFailure.Inc()
			c.logger.Warnf("emergency %s: notify offer %s: %v", em.ID, asg.ID, err)
		}
	})
}

// recordOffer reports an offer or its resolution to every observer: the
// prometheus collectors, the metrics sink, the internal bus, the audit log
// and the fan-out topics of the emergency and the ambulance.
func (c *Coordinator) recordOffer(em model.EmergencyRequest, asg model.Assignment) {
	offerOutcomes.WithLabelValues(string(asg.Outcome)).Inc()
	var latency time.Duration
	at := asg.OfferedAt
	switch {
	case asg.CompletedAt != nil:
		at = *asg.CompletedAt
	case asg.ResolvedAt != nil:
		at = *asg.ResolvedAt
		latency = at.Sub(asg.OfferedAt)
		responseLatency.WithLabelValues(string(asg.Outcome)).Observe(latency.Seconds())
	}

	if err := c.metrics.RecordOffer(metrics.OfferRecord{
		OfferID:     asg.ID,
		EmergencyID: em.ID,
		AmbulanceID: asg.AmbulanceID,
		Severity:    em.Severity,
		Outcome:     asg.Outcome,
		DistanceKM:  asg.DistanceKM,
		Latency:     latency,
		Time:        at,
	}); err != nil {
		c.logger.Errorf("metrics error: %v", err)
	}
	if c.bus != nil {
		c.bus.Publish(events.OfferEvent{
			OfferID:     asg.ID,
			EmergencyID: em.ID,
			AmbulanceID: asg.AmbulanceID,
			Severity:    em.Severity,
			Outcome:     asg.Outcome,
			DistanceKM:  asg.DistanceKM,
			Latency:     latency,
			Time:        at,
		})
	}
	c.appendAudit(audit.Record{
		Timestamp:    at,
		Kind:         audit.KindOffer,
		EmergencyID:  em.ID,
		AssignmentID: asg.ID,
		AmbulanceID:  asg.AmbulanceID,
		Severity:     em.Severity,
		Outcome:      asg.Outcome,
		DistanceKM:   asg.DistanceKM,
		LatencyMS:    latency.Milliseconds(),
		Reason:       asg.Notes,
	})

	a := asg
	for _, topic := range []string{fanout.EmergencyTopic(em.ID), fanout.AmbulanceTopic(asg.AmbulanceID)} {
		c.publish(fanout.Event{
			Topic:      topic,
			Type:       fanout.EventOffer,
			Version:    a.Version,
			Time:       at,
			Assignment: &a,
		})
	}
}

// matchFailedOnce records a failure unless the previous pass of the
// emergency already failed for the same reason. The state is saved on a new
// failure only.
func (c *Coordinator) matchFailedOnce(ctx context.Context, em model.EmergencyRequest, st *offerState, reason string, cause error) {
	if st.Failed == reason {
		c.logger.Debugf("emergency %s: still no offer (%s): %v", em.ID, reason, cause)
		return
	}
	st.Failed = reason
	if err := c.saveState(ctx, st); err != nil {
		c.logger.Errorf("emergency %s: save offer state: %v", em.ID, err)
	}
	c.matchFailed(ctx, em, st, reason, cause)
}

// matchFailed records a matching pass that left the emergency pending.
func (c *Coordinator) matchFailed(ctx context.Context, em model.EmergencyRequest, st *offerState, reason string, cause error) {
	matchFailures.WithLabelValues(reason).Inc()
	now := c.now().UTC()
	if cause != nil {
		c.logger.Errorf("emergency %s: no offer made (%s): %v", em.ID, reason, cause)
		monitoring.CaptureException(cause, map[string]string{"emergency_id": em.ID, "reason": reason})
	} else {
		c.logger.Warnf("emergency %s: no offer made (%s) after %d candidates", em.ID, reason, len(st.Tried))
	}
	if fr, ok := c.metrics.(metrics.MatchFailureRecorder); ok {
		if err := fr.RecordMatchFailure(metrics.MatchFailure{
			EmergencyID: em.ID, Reason: reason, Tried: len(st.Tried), Time: now,
		}); err != nil {
			c.logger.Errorf("metrics error: %v", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.MatchFailedEvent{EmergencyID: em.ID, Reason: reason, Tried: len(st.Tried), Err: cause, Time: now})
	}
	rec := audit.Record{
		Timestamp:   now,
		Kind:        audit.KindMatchFailed,
		EmergencyID: em.ID,
		Severity:    em.Severity,
		Tried:       append([]string(nil), st.Tried...),
		Reason:      reason,
	}
	if cause != nil {
		rec.Reason = reason + ": " + cause.Error()
	}
	c.appendAudit(rec)
}

func (c *Coordinator) appendAudit(rec audit.Record) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(context.Background(), rec); err != nil {
		c.logger.Errorf("audit append: %v", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Package lifecycle owns the status of emergency requests. It is the only
// writer of EmergencyRequest.Status: every change goes through Transition,
// which applies the state machine, commits with compare-and-swap and
// publishes the committed state while the emergency is still locked.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/keylock"
)

const (
	// KindEmergency is the store kind of emergency records.
	KindEmergency = "emergency"
	// KindPatientGuard is the store kind of the per patient records that
	// enforce one active emergency per patient.
	KindPatientGuard = "patient_guard"

	createdLayout = "20060102T150405.000000000"
)

// Publisher receives committed changes.
type Publisher interface {
	Publish(fanout.Event)
}

// CreateRequest holds the patient supplied fields of a new emergency.
type CreateRequest struct {
	PatientID        string         `json:"patient_id"`
	Location         model.Location `json:"location"`
	Severity         model.Severity `json:"severity"`
	Description      string         `json:"description,omitempty"`
	PatientCondition string         `json:"patient_condition,omitempty"`
}

// claimGrace bounds how long a guard may point at an emergency that was not
// written yet before another Create may take it over.
const claimGrace = time.Minute

type patientGuard struct {
	EmergencyID string    `json:"emergency_id"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// Store is the emergency lifecycle store.
type Store struct {
	store  store.Store
	pub    Publisher
	locks  *keylock.Locker
	log    logger.Logger
	policy store.Policy
	now    func() time.Time
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets where committed changes are published.
func WithPublisher(p Publisher) Option { return func(s *Store) { s.pub = p } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(s *Store) { s.log = logger.OrNop(l) } }

// WithRetryPolicy overrides the retry policy for transient store failures.
func WithRetryPolicy(p store.Policy) Option { return func(s *Store) { s.policy = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option { return func(s *Store) { s.newID = fn } }

// New creates a lifecycle store backed by st.
func New(st store.Store, opts ...Option) *Store {
	s := &Store{
		store:  st,
		locks:  keylock.New(),
		log:    logger.NopLogger{},
		policy: store.DefaultPolicy(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func emergencyKey(id string) string    { return "emergency/" + id }
func guardKey(patientID string) string { return "patient-active/" + patientID }

func attrsOf(em model.EmergencyRequest) map[string]string {
	active := "true"
	if em.Status.IsTerminal() {
		active = "false"
	}
	return map[string]string{
		"patient_id": em.PatientID,
		"status":     string(em.Status),
		"active":     active,
		"created":    em.CreatedAt.UTC().Format(createdLayout),
	}
}

func (s *Store) put(ctx context.Context, em model.EmergencyRequest, expected int64) (model.EmergencyRequest, error) {
	rec, err := store.PutAs(ctx, s.store, emergencyKey(em.ID), KindEmergency, attrsOf(em), em, expected)
	if err != nil {
		return em, err
	}
	em.Version = rec.Version
	return em, nil
}

func validate(req CreateRequest) (CreateRequest, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return req, apperr.Validationf("patient id is required")
	}
	if err := req.Location.Validate(); err != nil {
		return req, apperr.Validationf("%v", err)
	}
	sev, err := model.ParseSeverity(string(req.Severity))
	if err != nil {
		return req, apperr.Validationf("%v", err)
	}
	req.Severity = sev
	return req, nil
}

// Create registers a pending emergency. It fails with a conflict error when
// the patient already holds a non-terminal emergency.
func (s *Store) Create(ctx context.Context, req CreateRequest) (model.EmergencyRequest, error) {
	req, err := validate(req)
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	unlock := s.locks.Lock(guardKey(req.PatientID))
	defer unlock()

	now := s.now().UTC()
	em := model.EmergencyRequest{
		ID:               s.newID(),
		PatientID:        req.PatientID,
		Location:         req.Location,
		Severity:         req.Severity,
		Description:      req.Description,
		PatientCondition: req.PatientCondition,
		Status:           model.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.claimGuard(ctx, em.PatientID, em.ID); err != nil {
		return model.EmergencyRequest{}, err
	}
	err = store.Retry(ctx, s.policy, func() error {
		var perr error
		em, perr = s.put(ctx, em, 0)
		return perr
	})
	if err != nil {
		s.releaseGuard(ctx, em.PatientID, em.ID)
		return model.EmergencyRequest{}, err
	}
	s.log.Infof("emergency %s created for patient %s (%s)", em.ID, em.PatientID, em.Severity)
	s.publish(em, "created", nil)
	return em, nil
}

// claimGuard points the patient guard at emergencyID. A guard left behind by
// a terminal or missing emergency is taken over.
func (s *Store) claimGuard(ctx context.Context, patientID, emergencyID string) error {
	return store.Retry(ctx, s.policy, func() error {
		g, rec, err := store.GetAs[patientGuard](ctx, s.store, guardKey(patientID))
		expected := int64(0)
		switch {
		case store.IsNotFound(err):
		case err != nil:
			return err
		default:
			expected = rec.Version
			if g.EmergencyID != "" {
				active, err := s.isActive(ctx, g)
				if err != nil {
					return err
				}
				if active {
					return apperr.Conflictf("patient %s already has active emergency %s", patientID, g.EmergencyID)
				}
			}
		}
		_, err = store.PutAs(ctx, s.store, guardKey(patientID), KindPatientGuard, nil, patientGuard{EmergencyID: emergencyID, ClaimedAt: s.now().UTC()}, expected)
		if store.IsConflict(err) {
			return apperr.Conflictf("patient %s already has an active emergency", patientID)
		}
		return err
	})
}

// isActive reports whether the guard still protects a live emergency. A
// guard whose emergency is missing counts as active during claimGrace since
// the claiming Create may still be writing it.
func (s *Store) isActive(ctx context.Context, g patientGuard) (bool, error) {
	em, _, err := store.GetAs[model.EmergencyRequest](ctx, s.store, emergencyKey(g.EmergencyID))
	if store.IsNotFound(err) {
		return s.now().Sub(g.ClaimedAt) < claimGrace, nil
	}
	if err != nil {
		return false, err
	}
	return !em.Status.IsTerminal(), nil
}

// releaseGuard frees the patient guard if it still points at emergencyID.
// Failures are logged only; a stale guard is taken over by the next Create.
func (s *Store) releaseGuard(ctx context.Context, patientID, emergencyID string) {
	err := store.Retry(ctx, s.policy, func() error {
		g, rec, err := store.GetAs[patientGuard](ctx, s.store, guardKey(patientID))
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if g.EmergencyID != emergencyID {
			return nil
		}
		_, err = store.PutAs(ctx, s.store, guardKey(patientID), KindPatientGuard, nil, patientGuard{}, rec.Version)
		if store.IsConflict(err) {
			return apperr.Transient("release guard", err)
		}
		return err
	})
	if err != nil {
		s.log.Warnf("release patient guard %s for emergency %s: %v", patientID, emergencyID, err)
	}
}

type transitionOptions struct {
	assignment *model.Assignment
}

// TransitionOption adjusts a transition.
type TransitionOption func(*transitionOptions)

// WithAssignment binds the accepted assignment on assignment_accepted and
// attaches it to the published event for other transitions.
func WithAssignment(a model.Assignment) TransitionOption {
	return func(o *transitionOptions) { o.assignment = &a }
}

// Transition applies ev to the emergency. Illegal events fail with an
// invalid transition error and leave the emergency untouched.
func (s *Store) Transition(ctx context.Context, id string, ev Event, opts ...TransitionOption) (model.EmergencyRequest, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var em model.EmergencyRequest
	err := store.Retry(ctx, s.policy, func() error {
		cur, rec, err := store.GetAs[model.EmergencyRequest](ctx, s.store, emergencyKey(id))
		if err != nil {
			return err
		}
		cur.Version = rec.Version
		to, ok := Next(cur.Status, ev)
		if !ok {
			return apperr.InvalidTransitionf("emergency %s: %s not allowed in %s", id, ev, cur.Status)
		}
		from := cur.Status
		cur.Status = to
		cur.UpdatedAt = s.now().UTC()
		switch {
		case ev == EventAssignmentAccepted:
			if o.assignment == nil {
				return apperr.Validationf("emergency %s: accepted without an assignment", id)
			}
			cur.AssignmentID = o.assignment.ID
			cur.AmbulanceID = o.assignment.AmbulanceID
		case ev == EventAssignmentReleased:
			cur.AssignmentID = ""
			cur.AmbulanceID = ""
		}
		next, err := s.put(ctx, cur, rec.Version)
		if store.IsConflict(err) {
			return apperr.Transient("transition "+id, err)
		}
		if err != nil {
			return err
		}
		s.log.Debugw("emergency transition", map[string]any{
			"emergency_id": id, "event": string(ev), "from": string(from), "to": string(to), "version": next.Version,
		})
		em = next
		return nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInvalidTransition || apperr.CodeOf(err) == apperr.CodeNotFound {
			s.log.Warnf("emergency %s: transition %s rejected: %v", id, ev, err)
		} else {
			s.log.Errorf("emergency %s: transition %s failed: %v", id, ev, err)
		}
		return model.EmergencyRequest{}, err
	}

	if em.Status.IsTerminal() {
		s.releaseGuard(ctx, em.PatientID, em.ID)
	}
	s.publish(em, string(ev), o.assignment)
	return em, nil
}

// publish must run while the emergency lock is held so that events leave in
// commit order.
func (s *Store) publish(em model.EmergencyRequest, transition string, a *model.Assignment) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(fanout.Event{
		Topic:      fanout.EmergencyTopic(em.ID),
		Type:       fanout.EventStatus,
		Version:    em.Version,
		Time:       em.UpdatedAt,
		Transition: transition,
		Emergency:  &em,
		Assignment: a,
	})
}

// Get returns the committed emergency.
func (s *Store) Get(ctx context.Context, id string) (model.EmergencyRequest, error) {
	var em model.EmergencyRequest
	err := store.Retry(ctx, s.policy, func() error {
		cur, rec, err := store.GetAs[model.EmergencyRequest](ctx, s.store, emergencyKey(id))
		if err != nil {
			return err
		}
		cur.Version = rec.Version
		em = cur
		return nil
	})
	return em, err
}

// ListActive returns the patient's non-terminal emergencies.
func (s *Store) ListActive(ctx context.Context, patientID string) ([]model.EmergencyRequest, error) {
	return s.query(ctx, store.Query{
		Kind:    KindEmergency,
		Where:   map[string]string{"patient_id": patientID, "active": "true"},
		OrderBy: "created",
	})
}

// ListByStatus returns up to limit emergencies in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status model.EmergencyStatus, limit int) ([]model.EmergencyRequest, error) {
	return s.query(ctx, store.Query{
		Kind:    KindEmergency,
		Where:   map[string]string{"status": string(status)},
		OrderBy: "created",
		Limit:   limit,
	})
}

func (s *Store) query(ctx context.Context, q store.Query) ([]model.EmergencyRequest, error) {
	var out []model.EmergencyRequest
	err := store.Retry(ctx, s.policy, func() error {
		recs, err := s.store.Query(ctx, q)
		if err != nil {
			return err
		}
		out = make([]model.EmergencyRequest, 0, len(recs))
		for _, rec := range recs {
			var em model.EmergencyRequest
			if err := store.Decode(rec, &em); err != nil {
				return err
			}
			em.Version = rec.Version
			out = append(out, em)
		}
		return nil
	})
	return out, err
}

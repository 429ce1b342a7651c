// Package geo keeps the last known position and dispatch status of every
// ambulance and answers nearest-available queries.
//
// The index is the only writer of ambulance locations. Status changes are
// exposed for the assignment coordinator, which owns them; nothing else
// should call Swap or SetStatus.
package geo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/core/store"
	"github.com/kilianp07/ambulance/internal/keylock"
)

// KindAmbulance is the store kind of persisted ambulance records.
const KindAmbulance = "ambulance"

// Candidate is an ambulance ranked for an emergency.
type Candidate struct {
	Ambulance  model.Ambulance `json:"ambulance"`
	DistanceKM float64         `json:"distance_km"`
}

// HospitalCandidate is a hospital ranked by distance.
type HospitalCandidate struct {
	Hospital   model.Hospital `json:"hospital"`
	DistanceKM float64        `json:"distance_km"`
}

// Index is an in-memory geo index, optionally mirrored to a store so that
// the fleet survives restarts.
type Index struct {
	mu        sync.RWMutex
	fleet     map[string]model.Ambulance
	hospitals []model.Hospital

	locks *keylock.Locker
	store store.Store
	log   logger.Logger
	now   func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithStore mirrors every ambulance change to s.
func WithStore(s store.Store) Option { return func(i *Index) { i.store = s } }

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(i *Index) { i.log = logger.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(i *Index) { i.now = now } }

// New returns an empty index.
func New(opts ...Option) *Index {
	i := &Index{
		fleet: make(map[string]model.Ambulance),
		locks: keylock.New(),
		log:   logger.NopLogger{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func ambulanceKey(id string) string { return "ambulance/" + id }

// Load restores the fleet from the store. Reserved ambulances are restored
// as is; the coordinator releases them when it recovers offer state.
func (i *Index) Load(ctx context.Context) (int, error) {
	if i.store == nil {
		return 0, nil
	}
	fleet, err := store.QueryAs[model.Ambulance](ctx, i.store, store.Query{Kind: KindAmbulance})
	if err != nil {
		return 0, err
	}
	i.mu.Lock()
	for _, a := range fleet {
		i.fleet[a.ID] = a
	}
	i.mu.Unlock()
	return len(fleet), nil
}

// Register adds an ambulance or refreshes its fleet metadata. A new
// ambulance starts offline unless registered as available. The status of a
// known ambulance is left untouched and its location only moves forward in
// time.
func (i *Index) Register(ctx context.Context, a model.Ambulance) (model.Ambulance, error) {
	if a.ID == "" {
		return model.Ambulance{}, apperr.Validationf("ambulance id is required")
	}
	if !a.CurrentLocation.IsZero() {
		if err := a.CurrentLocation.Validate(); err != nil {
			return model.Ambulance{}, apperr.Validationf("ambulance %s: %v", a.ID, err)
		}
	}
	unlock := i.locks.Lock(a.ID)
	defer unlock()

	now := i.now().UTC()
	i.mu.Lock()
	cur, ok := i.fleet[a.ID]
	if !ok {
		cur = model.Ambulance{ID: a.ID, Status: model.AmbulanceOffline, StatusChangedAt: now}
		if a.Status == model.AmbulanceAvailable {
			cur.Status = model.AmbulanceAvailable
		}
	}
	cur.VehicleNumber = a.VehicleNumber
	cur.DriverID = a.DriverID
	cur.Capacity = a.Capacity
	if !a.CurrentLocation.IsZero() {
		at := a.UpdatedAt
		if at.IsZero() {
			at = now
		}
		if cur.UpdatedAt.IsZero() || !at.Before(cur.UpdatedAt) {
			cur.CurrentLocation = a.CurrentLocation
			cur.UpdatedAt = at.UTC()
		}
	}
	i.fleet[a.ID] = cur
	i.mu.Unlock()

	i.persist(ctx, cur)
	return cur, nil
}

// RecordLocation applies a location tick. A tick older than the stored one
// is discarded and reported with applied=false.
func (i *Index) RecordLocation(ctx context.Context, id string, loc model.Location, at time.Time) (model.Ambulance, bool, error) {
	if err := loc.Validate(); err != nil {
		return model.Ambulance{}, false, apperr.Validationf("ambulance %s: %v", id, err)
	}
	if at.IsZero() {
		at = i.now()
	}
	at = at.UTC()

	unlock := i.locks.Lock(id)
	defer unlock()

	i.mu.Lock()
	cur, ok := i.fleet[id]
	if !ok {
		i.mu.Unlock()
		return model.Ambulance{}, false, apperr.NotFoundf("ambulance %s", id)
	}
	if at.Before(cur.UpdatedAt) {
		i.mu.Unlock()
		i.log.Debugw("stale location tick discarded", map[string]any{
			"ambulance_id": id, "tick": at, "stored": cur.UpdatedAt,
		})
		return cur, false, nil
	}
	cur.CurrentLocation = loc
	cur.UpdatedAt = at
	i.fleet[id] = cur
	i.mu.Unlock()

	i.persist(ctx, cur)
	return cur, true, nil
}

// NearestAvailable returns up to limit ambulances whose status is
// available, nearest first. Ties go to the most recently updated ambulance.
// Reserved ambulances are never returned. limit <= 0 returns all of them.
func (i *Index) NearestAvailable(ctx context.Context, loc model.Location, limit int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.RLock()
	out := make([]Candidate, 0, len(i.fleet))
	for _, a := range i.fleet {
		if a.Status != model.AmbulanceAvailable || a.CurrentLocation.IsZero() {
			continue
		}
		out = append(out, Candidate{Ambulance: a, DistanceKM: model.DistanceKM(loc, a.CurrentLocation)})
	}
	i.mu.RUnlock()

	sort.Slice(out, func(x, y int) bool {
		a, b := out[x], out[y]
		if a.DistanceKM != b.DistanceKM {
			return a.DistanceKM < b.DistanceKM
		}
		if !a.Ambulance.UpdatedAt.Equal(b.Ambulance.UpdatedAt) {
			return a.Ambulance.UpdatedAt.After(b.Ambulance.UpdatedAt)
		}
		return a.Ambulance.ID < b.Ambulance.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Swap atomically moves the ambulance to status to when its current status
// is one of from. ok is false, without error, when the precondition fails.
func (i *Index) Swap(ctx context.Context, id string, to model.AmbulanceStatus, from ...model.AmbulanceStatus) (model.Ambulance, bool, error) {
	if !to.Valid() {
		return model.Ambulance{}, false, apperr.Validationf("unknown ambulance status %q", to)
	}
	unlock := i.locks.Lock(id)
	defer unlock()

	i.mu.Lock()
	cur, ok := i.fleet[id]
	if !ok {
		i.mu.Unlock()
		return model.Ambulance{}, false, apperr.NotFoundf("ambulance %s", id)
	}
	if len(from) > 0 && !contains(from, cur.Status) {
		i.mu.Unlock()
		return cur, false, nil
	}
	if cur.Status != to {
		cur.Status = to
		cur.StatusChangedAt = i.now().UTC()
	}
	i.fleet[id] = cur
	i.mu.Unlock()

	i.persist(ctx, cur)
	return cur, true, nil
}

// TryReserve moves an available ambulance to reserved.
func (i *Index) TryReserve(ctx context.Context, id string) (model.Ambulance, bool, error) {
	return i.Swap(ctx, id, model.AmbulanceReserved, model.AmbulanceAvailable)
}

// SetStatus writes status unconditionally.
func (i *Index) SetStatus(ctx context.Context, id string, status model.AmbulanceStatus) (model.Ambulance, error) {
	a, _, err := i.Swap(ctx, id, status)
	return a, err
}

// Get returns the ambulance with the given id.
func (i *Index) Get(_ context.Context, id string) (model.Ambulance, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	a, ok := i.fleet[id]
	if !ok {
		return model.Ambulance{}, apperr.NotFoundf("ambulance %s", id)
	}
	return a, nil
}

// List returns every ambulance ordered by id.
func (i *Index) List(context.Context) []model.Ambulance {
	i.mu.RLock()
	out := make([]model.Ambulance, 0, len(i.fleet))
	for _, a := range i.fleet {
		out = append(out, a)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(x, y int) bool { return out[x].ID < out[y].ID })
	return out
}

// Counts returns how many ambulances are available and known.
func (i *Index) Counts() (available, total int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, a := range i.fleet {
		if a.Status == model.AmbulanceAvailable {
			available++
		}
	}
	return available, len(i.fleet)
}

// SetHospitals replaces the hospital directory.
func (i *Index) SetHospitals(hs []model.Hospital) {
	i.mu.Lock()
	i.hospitals = append([]model.Hospital(nil), hs...)
	i.mu.Unlock()
}

// NearestHospitals ranks hospitals by distance from loc.
func (i *Index) NearestHospitals(loc model.Location, limit int) []HospitalCandidate {
	i.mu.RLock()
	out := make([]HospitalCandidate, 0, len(i.hospitals))
	for _, h := range i.hospitals {
		out = append(out, HospitalCandidate{Hospital: h, DistanceKM: model.DistanceKM(loc, h.Location)})
	}
	i.mu.RUnlock()
	sort.Slice(out, func(x, y int) bool {
		if out[x].DistanceKM != out[y].DistanceKM {
			return out[x].DistanceKM < out[y].DistanceKM
		}
		return out[x].Hospital.ID < out[y].Hospital.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// persist mirrors a to the store. The in-memory index stays authoritative
// for the running process, so failures are logged and not returned.
func (i *Index) persist(ctx context.Context, a model.Ambulance) {
	if i.store == nil {
		return
	}
	_, err := store.PutAs(ctx, i.store, ambulanceKey(a.ID), KindAmbulance,
		map[string]string{"status": string(a.Status)}, a, store.Any)
	if err != nil {
		i.log.Errorf("persist ambulance %s: %v", a.ID, err)
	}
}

func contains(list []model.AmbulanceStatus, s model.AmbulanceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Package fleet is the authoritative in-process store of drone state.
//
// Every drone has its own lock. Reservation, telemetry and state changes for
// one drone are serialized through it; different drones never contend.
package fleet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/flight"
)

const defaultHistorySize = 32

type entry struct {
	mu      sync.Mutex
	drone   domain.Drone
	history *history
}

type Registry struct {
	mu          sync.RWMutex
	drones      map[string]*entry
	historySize int
}

func NewRegistry(historySize int) *Registry {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	return &Registry{drones: make(map[string]*entry), historySize: historySize}
}

// Record is the mutable view handed to Mutate callbacks.
type Record struct {
	Drone   domain.Drone
	History []domain.LocationPing

	appended []domain.LocationPing
}

// AppendPing adds p to the drone's rolling history once the mutation succeeds.
func (r *Record) AppendPing(p domain.LocationPing) {
	r.appended = append(r.appended, p)
	r.History = append(r.History, p)
}

func (r *Registry) Register(d domain.Drone) error {
	if err := domain.ValidateDrone(&d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drones[d.ID]; ok {
		return fmt.Errorf("drone %s: %w", d.ID, domain.ErrConflict)
	}
	r.drones[d.ID] = &entry{drone: d, history: newHistory(r.historySize)}
	return nil
}

// Restore loads persisted drones and their recent pings, replacing any state.
func (r *Registry) Restore(drones []domain.Drone, pings []domain.LocationPing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drones = make(map[string]*entry, len(drones))
	for _, d := range drones {
		r.drones[d.ID] = &entry{drone: d, history: newHistory(r.historySize)}
	}
	sort.Slice(pings, func(i, j int) bool { return pings[i].Timestamp.Before(pings[j].Timestamp) })
	for _, p := range pings {
		if e, ok := r.drones[p.DroneID]; ok {
			e.history.push(p)
		}
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drones[id]
	if !ok {
		return nil, fmt.Errorf("drone %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.drones))
	for _, e := range r.drones {
		out = append(out, e)
	}
	return out
}

func (r *Registry) Get(id string) (domain.Drone, error) {
	e, err := r.lookup(id)
	if err != nil {
		return domain.Drone{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drone, nil
}

func (r *Registry) History(id string) ([]domain.LocationPing, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.items(), nil
}

// List returns a copy of every drone ordered by id.
func (r *Registry) List() []domain.Drone {
	entries := r.entries()
	out := make([]domain.Drone, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.drone)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutate runs fn while holding the drone's lock. Changes made through rec are
// kept only when fn returns nil.
func (r *Registry) Mutate(id string, fn func(rec *Record) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := &Record{Drone: e.drone, History: e.history.items()}
	if err := fn(rec); err != nil {
		return err
	}
	e.drone = rec.Drone
	for _, p := range rec.appended {
		e.history.push(p)
	}
	return nil
}

// Reserve binds assignmentID to the drone if, at the moment of the call, the
// drone can take work and holds enough battery for req from where it is now.
// The round trip is measured from the locked record, so a drone that moved
// since FindEligible is judged on its current position. The check and the
// write happen under the drone's lock, so two reservations of one drone cannot
// both succeed. commit runs under the same lock and may veto the reservation.
func (r *Registry) Reserve(id, assignmentID string, req Requirements, at time.Time, commit func(c Candidate, tr domain.Transition) error) (Candidate, error) {
	var reserved Candidate
	err := r.Mutate(id, func(rec *Record) error {
		d := &rec.Drone
		if !flight.Reservable(d) {
			return fmt.Errorf("drone %s in %s: %w", id, d.State, domain.ErrDroneAlreadyAssigned)
		}
		trip := RoundTripKm(*d, req.Pickup, req.Delivery)
		if trip > d.Capability.MaxRangeKm {
			return fmt.Errorf("drone %s range %.1fkm, trip %.1fkm: %w", id, d.Capability.MaxRangeKm, trip, domain.ErrInsufficientBattery)
		}
		need := req.Energy.Required(trip)
		if need > 100 || d.Battery < need {
			return fmt.Errorf("drone %s has %.1f%%, needs %.1f%%: %w", id, d.Battery, need, domain.ErrInsufficientBattery)
		}
		c := Candidate{
			DistanceToPickupKm: domain.DistanceKm(d.Location, req.Pickup),
			RoundTripKm:        trip,
			RequiredBattery:    need,
		}
		tr, err := flight.Apply(d, flight.EventAssign, assignmentID, at)
		if err != nil {
			return err
		}
		d.CurrentAssignmentID = &assignmentID
		c.Drone = *d
		if commit != nil {
			if err := commit(c, tr); err != nil {
				return err
			}
		}
		reserved = c
		return nil
	})
	return reserved, err
}

// Release clears the drone's assignment if it is still assignmentID. A drone
// that never left base goes back to IDLE.
func (r *Registry) Release(id, assignmentID string, at time.Time) error {
	return r.Mutate(id, func(rec *Record) error {
		d := &rec.Drone
		if d.CurrentAssignmentID == nil || *d.CurrentAssignmentID != assignmentID {
			return nil
		}
		d.CurrentAssignmentID = nil
		if d.State == domain.StateAssigned {
			if _, err := flight.Apply(d, flight.EventRelease, assignmentID, at); err != nil {
				return err
			}
		}
		d.UpdatedAt = at
		return nil
	})
}

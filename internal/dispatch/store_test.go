package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
)

type memStore struct {
	mu          sync.Mutex
	drones      map[string]domain.Drone
	assignments map[string]domain.Assignment
	requests    map[string]domain.DeliveryRequest
	transitions []domain.Transition
	pings       []domain.LocationPing
	events      []events.Event
	failBegin   error
}

type memTx struct {
	store  *memStore
	closed bool
}

func newMemStore() *memStore {
	return &memStore{
		drones:      make(map[string]domain.Drone),
		assignments: make(map[string]domain.Assignment),
		requests:    make(map[string]domain.DeliveryRequest),
	}
}

func (m *memStore) BeginTx(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	if m.failBegin != nil {
		err := m.failBegin
		m.mu.Unlock()
		return nil, err
	}
	return &memTx{store: m}, nil
}

func (m *memStore) LoadDrones(ctx context.Context) ([]domain.Drone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Drone, 0, len(m.drones))
	for _, d := range m.drones {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) LoadActiveAssignments(ctx context.Context) ([]domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Assignment
	for _, a := range m.assignments {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) LoadPendingRequests(ctx context.Context) ([]domain.DeliveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeliveryRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) LoadRecentPings(ctx context.Context, perDrone int) ([]domain.LocationPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]domain.LocationPing(nil), m.pings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	counts := map[string]int{}
	var out []domain.LocationPing
	for _, p := range sorted {
		if counts[p.DroneID] >= perDrone {
			continue
		}
		counts[p.DroneID]++
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) PrunePings(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pings[:0]
	var n int64
	for _, p := range m.pings {
		if p.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.pings = kept
	return n, nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

func (m *memStore) countEvents(eventType string) int {
	n := 0
	for _, t := range m.eventTypes() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (m *memStore) request(orderID string) (domain.DeliveryRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[orderID]
	return r, ok
}

func (m *memStore) drone(id string) domain.Drone {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drones[id]
}

func (t *memTx) Commit(ctx context.Context) error {
	return t.close()
}

func (t *memTx) Rollback(ctx context.Context) error {
	return t.close()
}

func (t *memTx) close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) UpsertDrone(ctx context.Context, drone *domain.Drone) error {
	t.store.drones[drone.ID] = *drone
	return nil
}

func (t *memTx) UpsertAssignment(ctx context.Context, a *domain.Assignment) error {
	copy := *a
	copy.Transitions = append([]domain.Transition(nil), a.Transitions...)
	t.store.assignments[a.ID] = copy
	return nil
}

func (t *memTx) InsertTransition(ctx context.Context, tr domain.Transition) error {
	t.store.transitions = append(t.store.transitions, tr)
	return nil
}

func (t *memTx) UpsertRequest(ctx context.Context, req *domain.DeliveryRequest) error {
	t.store.requests[req.OrderID] = *req
	return nil
}

func (t *memTx) DeleteRequest(ctx context.Context, orderID string) error {
	delete(t.store.requests, orderID)
	return nil
}

func (t *memTx) InsertPing(ctx context.Context, ping domain.LocationPing) error {
	t.store.pings = append(t.store.pings, ping)
	return nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, event events.Event) error {
	t.store.events = append(t.store.events, event)
	return nil
}
